package gateway

import (
	"context"
	"fmt"

	"wagate/internal/dispatch"
	"wagate/internal/session"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

// Gateway owns the transport adapter and pumps its event stream: connectivity
// transitions go to the session broadcaster, message traffic goes to the
// ledger via the dispatch engine.
//
// The pump goroutine only does registry and ledger work; in-flight sends run
// on their own callers' goroutines, so a slow network send never blocks
// event delivery.
type Gateway struct {
	adapter transport.Adapter
	session *session.Broadcaster
	engine  *dispatch.Engine
	log     logx.Logger

	events chan transport.Event
}

func New(adapter transport.Adapter, sess *session.Broadcaster, engine *dispatch.Engine, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		adapter: adapter,
		session: sess,
		engine:  engine,
		log:     log,
		events:  make(chan transport.Event, 64),
	}
}

// Run initializes the transport and pumps its events until ctx dies.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.adapter.Initialize(ctx, g.events); err != nil {
		return fmt.Errorf("transport initialize: %w", err)
	}
	g.log.Info("transport initialized")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-g.events:
			g.handle(ctx, ev)
		}
	}
}

func (g *Gateway) handle(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventMessageReceived:
		if ev.Message == nil {
			return
		}
		if err := g.engine.RecordIncoming(ctx, *ev.Message); err != nil {
			g.log.Error("failed to record incoming message", logx.String("id", ev.Message.ID), logx.Err(err))
			return
		}
		g.log.Debug("incoming message recorded", logx.String("id", ev.Message.ID))
	case transport.EventMessageSent:
		if ev.Ack == nil {
			return
		}
		if err := g.engine.ConfirmSent(ctx, ev.Ack.ID); err != nil {
			g.log.Error("failed to confirm sent message", logx.String("id", ev.Ack.ID), logx.Err(err))
		}
	default:
		g.session.HandleEvent(ev)
	}
}

// Contacts lists the transport's contacts. Requires a ready session.
func (g *Gateway) Contacts(ctx context.Context) ([]transport.Contact, error) {
	if !g.session.Ready() {
		return nil, dispatch.ErrNotReady
	}
	return g.adapter.Contacts(ctx)
}

// Chats lists the transport's chats. Requires a ready session.
func (g *Gateway) Chats(ctx context.Context) ([]transport.Chat, error) {
	if !g.session.Ready() {
		return nil, dispatch.ErrNotReady
	}
	return g.adapter.Chats(ctx)
}

// Logout unlinks the transport session and transitions the broadcaster to
// disconnected. The explicit transition keeps logout deterministic even if
// the transport's own disconnect event races shutdown.
func (g *Gateway) Logout(ctx context.Context) error {
	if err := g.adapter.Logout(ctx); err != nil {
		return err
	}
	g.session.HandleEvent(transport.Event{Type: transport.EventDisconnected, Reason: "logout"})
	return nil
}

// Shutdown releases the transport without logging the account out.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.adapter.Shutdown(ctx)
}
