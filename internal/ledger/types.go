package ledger

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("message not found")

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusReceived Status = "received"
	StatusFailed   Status = "failed"
)

// Media describes an attachment carried by a message.
type Media struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Path     string `json:"path,omitempty"`
}

// MessageRecord is one entry in the ledger.
//
// Seq is assigned by the store on append and is strictly increasing. It breaks
// timestamp ties in descending listings and defines FIFO eviction order.
type MessageRecord struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Body      string    `json:"message"`
	Media     *Media    `json:"media,omitempty"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
	Seq       uint64    `json:"seq"`
}

// Filters narrow a listing. Zero values mean "no constraint".
// To and From are matched as digit substrings of the stored address.
type Filters struct {
	Status    Status
	Direction Direction
	To        string
	From      string
}

type Page struct {
	Page  int
	Limit int
}

type ListResult struct {
	Records []MessageRecord `json:"records"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
	Total   int             `json:"total"`
	Pages   int             `json:"pages"`
}

type Stats struct {
	Total    int `json:"total"`
	Sent     int `json:"sent"`
	Received int `json:"received"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
}

// Config configures the ledger store.
//
// Driver values:
//   - "file": JSON document collection
//   - "sqlite": SQLite database file
//
// Cap <= 0 selects the default cap of 1000 records.
type Config struct {
	Driver string
	Path   string
	Cap    int
}

const DefaultCap = 1000

func (c Config) cap() int {
	if c.Cap <= 0 {
		return DefaultCap
	}
	return c.Cap
}
