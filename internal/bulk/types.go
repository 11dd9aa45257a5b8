package bulk

import (
	"context"
	"sync"
	"time"

	"wagate/internal/dispatch"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

type Config struct {
	// DefaultDelay is used when the caller passes no delay.
	DefaultDelay time.Duration
	// MinDelay is the floor enforced on bulk operations; bursts below it risk
	// transport-side throttling or account suspension.
	MinDelay time.Duration
	// MaxDelay caps absurd delays.
	MaxDelay time.Duration
	// MaxRecipients bounds one batch.
	MaxRecipients int
	// QueueSize bounds pending jobs.
	QueueSize int
	// StatusRetention bounds how many finished jobs stay inspectable.
	StatusRetention int
}

func (c Config) withDefaults() Config {
	if c.DefaultDelay <= 0 {
		c.DefaultDelay = 2 * time.Second
	}
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = 100
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.StatusRetention <= 0 {
		c.StatusRetention = 100
	}
	return c
}

// Sender dispatches one message. Implemented by dispatch.Engine.
type Sender interface {
	SendOne(ctx context.Context, to, body string, att *transport.Attachment) (dispatch.Receipt, error)
}

type job struct {
	id         string
	recipients []string
	body       string
	delay      time.Duration
}

// Outcome is the per-recipient result. The outcome list of a finished job has
// exactly one entry per input recipient, in input order.
type Outcome struct {
	Recipient string    `json:"recipient"`
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

type JobStatus struct {
	ID          string        `json:"id"`
	Total       int           `json:"total"`
	Done        int           `json:"done"`
	Failed      int           `json:"failed"`
	Running     bool          `json:"running"`
	Finished    bool          `json:"finished"`
	Outcomes    []Outcome     `json:"outcomes"`
	Delay       time.Duration `json:"-"`
	SubmittedAt time.Time     `json:"submittedAt"`
	StartedAt   time.Time     `json:"startedAt,omitzero"`
	DoneAt      time.Time     `json:"doneAt,omitzero"`
}

// Ack is the immediate acknowledgement a Submit caller receives.
type Ack struct {
	JobID            string  `json:"jobId"`
	RecipientCount   int     `json:"recipientCount"`
	EstimatedSeconds float64 `json:"estimatedSeconds"`
}

// Service is the throttled sequential fan-out coordinator. One worker drains
// the queue; inside a job, sends never overlap and honor the per-item delay.
// This is the single intentional serialization point of the gateway.
type Service struct {
	cfg    Config
	sender Sender
	log    logx.Logger

	queue chan job

	statusMu sync.RWMutex
	status   map[string]*JobStatus
	order    []string // submission order, for retention pruning

	runMu   sync.Mutex
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}
