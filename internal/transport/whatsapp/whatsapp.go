package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

type Config struct {
	// SessionPath is the directory holding the linked-device database.
	SessionPath string
}

// Adapter implements transport.Adapter on top of whatsmeow.
//
// Events are forwarded non-blocking: if the consumer falls behind, transport
// notifications are dropped and counted rather than stalling the socket
// reader.
type Adapter struct {
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client

	out atomic.Value // stores chan<- transport.Event

	droppedEvents uint64
}

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = "./sessions"
	}
	a := &Adapter{cfg: cfg, log: log}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	return a
}

func (a *Adapter) Initialize(ctx context.Context, out chan<- transport.Event) error {
	if err := os.MkdirAll(a.cfg.SessionPath, 0o755); err != nil {
		return err
	}
	a.out.Store(out)

	dbPath := filepath.Join(a.cfg.SessionPath, "device.db")
	container, err := sqlstore.New(ctx, "sqlite",
		fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", dbPath),
		waLogger{log: a.log.With(logx.String("mod", "sqlstore"))})
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLogger{log: a.log.With(logx.String("mod", "client"))})
	client.AddEventHandler(a.handleEvent)

	a.mu.Lock()
	a.container = container
	a.client = client
	a.mu.Unlock()

	if client.Store.ID == nil {
		// Fresh session: pairing codes arrive on the QR channel, which must be
		// requested before Connect.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		go a.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (a *Adapter) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			a.emit(transport.Event{Type: transport.EventChallenge, Challenge: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess is emitted by the event handler; nothing to do here.
		default:
			a.emit(transport.Event{Type: transport.EventAuthFailure, Reason: item.Event})
		}
	}
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		a.emit(transport.Event{Type: transport.EventAuthenticated})
	case *events.Connected:
		a.emit(transport.Event{Type: transport.EventReady})
	case *events.Disconnected:
		a.emit(transport.Event{Type: transport.EventDisconnected, Reason: "disconnected"})
	case *events.StreamReplaced:
		a.emit(transport.Event{Type: transport.EventDisconnected, Reason: "stream replaced"})
	case *events.LoggedOut:
		a.emit(transport.Event{Type: transport.EventDisconnected, Reason: v.Reason.String()})
	case *events.Message:
		a.handleMessage(v)
	}
}

func (a *Adapter) handleMessage(v *events.Message) {
	if v.Info.IsFromMe {
		// Own message (possibly sent from the phone): confirm, don't record.
		a.emit(transport.Event{Type: transport.EventMessageSent, Ack: &transport.SendAck{ID: v.Info.ID}})
		return
	}

	msg := &transport.IncomingMessage{
		ID:        v.Info.ID,
		From:      v.Info.Sender.User + "@c.us",
		To:        v.Info.Chat.User + "@c.us",
		Body:      extractBody(v.Message),
		Kind:      string(v.Info.Type),
		Timestamp: v.Info.Timestamp,
	}
	if img := v.Message.GetImageMessage(); img != nil {
		msg.Media = &transport.MediaInfo{
			MimeType: img.GetMimetype(),
			Filename: "media",
			Size:     int64(img.GetFileLength()),
		}
	} else if doc := v.Message.GetDocumentMessage(); doc != nil {
		msg.Media = &transport.MediaInfo{
			MimeType: doc.GetMimetype(),
			Filename: doc.GetFileName(),
			Size:     int64(doc.GetFileLength()),
		}
	}
	a.emit(transport.Event{Type: transport.EventMessageReceived, Message: msg})
}

func extractBody(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if t := m.GetConversation(); t != "" {
		return t
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := m.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if doc := m.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func (a *Adapter) emit(ev transport.Event) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Event)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		n := atomic.AddUint64(&a.droppedEvents, 1)
		if n%100 == 1 {
			a.log.Warn("transport events dropped (consumer slow)", logx.Uint64("dropped", n))
		}
	}
}

func (a *Adapter) connected() (*whatsmeow.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, errors.New("transport not initialized")
	}
	return a.client, nil
}

// toJID maps the canonical "<digits>@c.us" address onto a routable JID.
func toJID(addr string) types.JID {
	user := addr
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	return types.NewJID(user, types.DefaultUserServer)
}

func (a *Adapter) SendText(ctx context.Context, to, body string) (transport.Receipt, error) {
	client, err := a.connected()
	if err != nil {
		return transport.Receipt{}, err
	}
	resp, err := client.SendMessage(ctx, toJID(to), &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return transport.Receipt{}, err
	}
	return transport.Receipt{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to string, att transport.Attachment, caption string) (transport.Receipt, error) {
	client, err := a.connected()
	if err != nil {
		return transport.Receipt{}, err
	}

	data, err := os.ReadFile(att.Path)
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("read attachment: %w", err)
	}

	var msg *waE2E.Message
	if strings.HasPrefix(att.MimeType, "image/") {
		up, err := client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return transport.Receipt{}, fmt.Errorf("upload media: %w", err)
		}
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(att.MimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	} else {
		up, err := client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return transport.Receipt{}, fmt.Errorf("upload media: %w", err)
		}
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			FileName:      proto.String(att.Filename),
			Mimetype:      proto.String(att.MimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	}

	resp, err := client.SendMessage(ctx, toJID(to), msg)
	if err != nil {
		return transport.Receipt{}, err
	}
	return transport.Receipt{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (a *Adapter) Contacts(ctx context.Context) ([]transport.Contact, error) {
	client, err := a.connected()
	if err != nil {
		return nil, err
	}
	all, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, err
	}
	contacts := make([]transport.Contact, 0, len(all))
	for jid, info := range all {
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		if name == "" {
			name = info.BusinessName
		}
		contacts = append(contacts, transport.Contact{
			ID:     jid.String(),
			Name:   name,
			Number: jid.User,
			IsUser: true,
		})
	}
	return contacts, nil
}

func (a *Adapter) Chats(ctx context.Context) ([]transport.Chat, error) {
	client, err := a.connected()
	if err != nil {
		return nil, err
	}
	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, err
	}
	chats := make([]transport.Chat, 0, len(groups))
	for _, g := range groups {
		chats = append(chats, transport.Chat{
			ID:      g.JID.String(),
			Name:    g.Name,
			IsGroup: true,
		})
	}
	return chats, nil
}

func (a *Adapter) Logout(ctx context.Context) error {
	client, err := a.connected()
	if err != nil {
		return err
	}
	return client.Logout(ctx)
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	container := a.container
	a.client = nil
	a.container = nil
	a.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		return container.Close()
	}
	return nil
}

// waLogger bridges whatsmeow's log interface onto logx.
type waLogger struct {
	log logx.Logger
}

func (l waLogger) Errorf(msg string, args ...any) { l.log.Error(fmt.Sprintf(msg, args...)) }
func (l waLogger) Warnf(msg string, args ...any)  { l.log.Warn(fmt.Sprintf(msg, args...)) }
func (l waLogger) Infof(msg string, args ...any)  { l.log.Debug(fmt.Sprintf(msg, args...)) }
func (l waLogger) Debugf(msg string, args ...any) { l.log.Trace(fmt.Sprintf(msg, args...)) }
func (l waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: l.log.With(logx.String("mod", module))}
}
