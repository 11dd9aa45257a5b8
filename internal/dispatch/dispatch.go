package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wagate/internal/ledger"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

// ErrNotReady is returned when a send is attempted before the session reaches
// the ready state. The transport is never contacted and nothing is appended.
var ErrNotReady = errors.New("messaging session is not ready")

// Readiness reports whether the session may dispatch. Implemented by
// session.Broadcaster.
type Readiness interface {
	Ready() bool
}

// Sender is the slice of the transport capability the engine needs.
type Sender interface {
	SendText(ctx context.Context, to, body string) (transport.Receipt, error)
	SendMedia(ctx context.Context, to string, att transport.Attachment, caption string) (transport.Receipt, error)
}

type Config struct {
	CountryCode string
	Suffix      string
}

func (c Config) withDefaults() Config {
	if c.CountryCode == "" {
		c.CountryCode = "62"
	}
	if c.Suffix == "" {
		c.Suffix = "@c.us"
	}
	return c
}

// Receipt is the caller-visible result of a successful send.
type Receipt struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine sends one message and records the outcome in the ledger.
type Engine struct {
	cfg     Config
	sender  Sender
	store   ledger.Store
	session Readiness
	log     logx.Logger
}

func NewEngine(cfg Config, sender Sender, store ledger.Store, session Readiness, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg.withDefaults(), sender: sender, store: store, session: session, log: log}
}

// SendOne normalizes the destination, dispatches via the transport and
// appends the outcome to the ledger.
//
// A transport failure is appended as a failed record (synthetic id, error
// detail) before the error is returned. A ledger write failure after a
// successful send is returned as-is: silent loss of a write is not acceptable.
func (e *Engine) SendOne(ctx context.Context, to, body string, att *transport.Attachment) (Receipt, error) {
	if !e.session.Ready() {
		return Receipt{}, ErrNotReady
	}

	addr := Normalize(to, e.cfg.CountryCode, e.cfg.Suffix)

	var (
		rcpt transport.Receipt
		err  error
	)
	if att != nil {
		rcpt, err = e.sender.SendMedia(ctx, addr, *att, body)
	} else {
		rcpt, err = e.sender.SendText(ctx, addr, body)
	}
	if err != nil {
		e.log.Warn("send failed", logx.String("to", addr), logx.Err(err))
		e.recordFailure(ctx, addr, body, att, err)
		return Receipt{}, fmt.Errorf("transport send to %s: %w", addr, err)
	}

	rec := ledger.MessageRecord{
		ID:        rcpt.ID,
		Direction: ledger.DirectionOutgoing,
		To:        addr,
		Body:      body,
		Status:    ledger.StatusSent,
		Timestamp: rcpt.Timestamp,
		Media:     mediaOf(att),
	}
	if _, err := e.store.Append(ctx, rec); err != nil {
		return Receipt{}, fmt.Errorf("record sent message: %w", err)
	}

	e.log.Info("message sent", logx.String("to", addr), logx.String("id", rcpt.ID))
	return Receipt{MessageID: rcpt.ID, Timestamp: rcpt.Timestamp}, nil
}

func (e *Engine) recordFailure(ctx context.Context, addr, body string, att *transport.Attachment, sendErr error) {
	rec := ledger.MessageRecord{
		ID:        fmt.Sprintf("failed_%d", time.Now().UnixMilli()),
		Direction: ledger.DirectionOutgoing,
		To:        addr,
		Body:      body,
		Status:    ledger.StatusFailed,
		Error:     sendErr.Error(),
		Timestamp: time.Now(),
		Media:     mediaOf(att),
	}
	if _, err := e.store.Append(ctx, rec); err != nil {
		// The send error is what the caller sees; the bookkeeping miss only gets logged.
		e.log.Error("failed to record failed send", logx.Err(err))
	}
}

// RecordIncoming appends an inbound message from the transport event stream.
func (e *Engine) RecordIncoming(ctx context.Context, msg transport.IncomingMessage) error {
	rec := ledger.MessageRecord{
		ID:        msg.ID,
		Direction: ledger.DirectionIncoming,
		From:      msg.From,
		To:        msg.To,
		Body:      msg.Body,
		Status:    ledger.StatusReceived,
		Timestamp: msg.Timestamp,
	}
	if msg.Media != nil {
		rec.Media = &ledger.Media{
			MimeType: msg.Media.MimeType,
			Filename: msg.Media.Filename,
			Size:     msg.Media.Size,
		}
	}
	_, err := e.store.Append(ctx, rec)
	return err
}

// ConfirmSent moves a pending outgoing record to sent when the network acks it.
func (e *Engine) ConfirmSent(ctx context.Context, id string) error {
	_, err := e.store.UpdateStatus(ctx, id, ledger.StatusSent)
	if errors.Is(err, ledger.ErrNotFound) {
		// Ack for a message we never recorded (e.g. sent from the phone); ignore.
		return nil
	}
	return err
}

func mediaOf(att *transport.Attachment) *ledger.Media {
	if att == nil {
		return nil
	}
	return &ledger.Media{
		MimeType: att.MimeType,
		Filename: att.Filename,
		Size:     att.Size,
		Path:     att.Path,
	}
}
