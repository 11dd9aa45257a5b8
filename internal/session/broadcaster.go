package session

import (
	"sync"

	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

type State string

const (
	StateDisconnected  State = "disconnected"
	StateAwaitingScan  State = "awaiting_scan"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
)

// Event is what subscribers receive.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Snapshot is the one-time status delivered to a new subscriber, and the
// payload of the status endpoint.
type Snapshot struct {
	IsReady bool `json:"isReady"`
	HasQR   bool `json:"hasQR"`
}

// Callback delivers one event to one subscriber.
//
// Callbacks run synchronously on the broadcasting goroutine and must not
// block; a subscriber that needs buffering should hand off to a channel. A
// callback that panics (e.g. send on a closed channel after a racing
// disconnect) is deregistered, not retried.
type Callback func(Event)

// Broadcaster tracks the connectivity state machine and fans transitions out
// to registered subscribers.
//
// State machine: disconnected -> awaiting_scan -> authenticated -> ready.
// ready drops back to disconnected on a transport disconnect; awaiting_scan
// re-enters itself on challenge rotation and drops to disconnected on auth
// failure.
type Broadcaster struct {
	log logx.Logger

	mu        sync.Mutex
	state     State
	challenge string // encoded image payload, non-empty iff state == awaiting_scan
	subs      map[string]Callback
}

func NewBroadcaster(log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster{
		log:   log,
		state: StateDisconnected,
		subs:  map[string]Callback{},
	}
}

func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broadcaster) Ready() bool { return b.State() == StateReady }

func (b *Broadcaster) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{IsReady: b.state == StateReady, HasQR: b.challenge != ""}
}

// Challenge returns the current encoded pairing challenge.
func (b *Broadcaster) Challenge() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.challenge == "" {
		return "", false
	}
	return b.challenge, true
}

// Subscribe registers a callback and synchronously delivers a one-time status
// snapshot before returning. The snapshot reflects the state at call time,
// independent of the next broadcast.
func (b *Broadcaster) Subscribe(id string, cb Callback) {
	b.mu.Lock()
	b.subs[id] = cb
	snap := Snapshot{IsReady: b.state == StateReady, HasQR: b.challenge != ""}
	b.mu.Unlock()

	b.deliver(id, cb, Event{Type: "status", Data: snap})
}

// Unsubscribe removes a subscriber. After it returns, no broadcast reaches
// the callback registered under this id.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// HandleEvent applies a transport connectivity event to the state machine.
// Message-traffic events are ignored here; they belong to the ledger pump.
func (b *Broadcaster) HandleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventChallenge:
		b.handleChallenge(ev.Challenge)
	case transport.EventAuthenticated:
		b.setState(StateAuthenticated, "")
		b.log.Info("session authenticated")
	case transport.EventReady:
		b.setState(StateReady, "")
		b.log.Info("session ready")
		b.broadcast(Event{Type: "ready", Data: map[string]string{"status": "connected"}})
	case transport.EventAuthFailure:
		b.setState(StateDisconnected, "")
		b.log.Warn("session auth failure", logx.String("reason", ev.Reason))
	case transport.EventDisconnected:
		b.setState(StateDisconnected, "")
		b.log.Warn("session disconnected", logx.String("reason", ev.Reason))
	}
}

func (b *Broadcaster) handleChallenge(raw string) {
	payload, err := encodeChallenge(raw)
	if err != nil {
		b.log.Error("challenge encode failed", logx.Err(err))
		return
	}
	b.mu.Lock()
	b.state = StateAwaitingScan
	b.challenge = payload
	b.mu.Unlock()

	b.log.Info("pairing challenge issued")
	b.broadcast(Event{Type: "qr", Data: payload})
}

func (b *Broadcaster) setState(st State, challenge string) {
	b.mu.Lock()
	b.state = st
	b.challenge = challenge
	b.mu.Unlock()
}

// broadcast delivers to the subscribers registered at call time. The registry
// is snapshotted so delivery doesn't hold the lock (a callback may try to
// unsubscribe itself).
func (b *Broadcaster) broadcast(ev Event) {
	b.mu.Lock()
	subs := make(map[string]Callback, len(b.subs))
	for id, cb := range b.subs {
		subs[id] = cb
	}
	b.mu.Unlock()

	for id, cb := range subs {
		b.deliver(id, cb, ev)
	}
}

func (b *Broadcaster) deliver(id string, cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			// Subscriber's channel is gone; deregister instead of retrying.
			b.Unsubscribe(id)
			b.log.Debug("dead subscriber removed", logx.String("subscriber", id), logx.Any("panic", r))
		}
	}()
	cb(ev)
}
