package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wagate/internal/auth"
	"wagate/internal/bulk"
	"wagate/internal/dispatch"
	"wagate/internal/gateway"
	"wagate/internal/ledger"
	"wagate/internal/session"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

// fakeTransport satisfies transport.Adapter without a network.
type fakeTransport struct {
	sendErr error
	sent    []string
}

func (f *fakeTransport) Initialize(context.Context, chan<- transport.Event) error { return nil }

func (f *fakeTransport) SendText(_ context.Context, to, _ string) (transport.Receipt, error) {
	if f.sendErr != nil {
		return transport.Receipt{}, f.sendErr
	}
	f.sent = append(f.sent, to)
	return transport.Receipt{ID: fmt.Sprintf("wire-%d", len(f.sent)), Timestamp: time.Now()}, nil
}

func (f *fakeTransport) SendMedia(ctx context.Context, to string, _ transport.Attachment, _ string) (transport.Receipt, error) {
	return f.SendText(ctx, to, "")
}

func (f *fakeTransport) Contacts(context.Context) ([]transport.Contact, error) {
	return []transport.Contact{{ID: "6281@c.us", Name: "Ops", Number: "6281", IsUser: true}}, nil
}

func (f *fakeTransport) Chats(context.Context) ([]transport.Chat, error) {
	return []transport.Chat{{ID: "g@g.us", Name: "Team", IsGroup: true}}, nil
}

func (f *fakeTransport) Logout(context.Context) error   { return nil }
func (f *fakeTransport) Shutdown(context.Context) error { return nil }

type fixture struct {
	srv   *httptest.Server
	sess  *session.Broadcaster
	store ledger.Store
	bulk  *bulk.Service
	fake  *fakeTransport
}

func newFixture(t *testing.T, ready bool) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := ledger.Open(ledger.Config{Driver: "file", Path: filepath.Join(dir, "messages.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	users, err := auth.OpenUsers(filepath.Join(dir, "users.json"), logx.Nop())
	if err != nil {
		t.Fatalf("open users: %v", err)
	}
	if err := users.EnsureAdmin(auth.AdminConfig{Username: "admin", Password: "swordfish", APIKey: "key-123"}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	authSvc, err := auth.NewService(auth.Config{JWTSecret: "test-secret"}, users, logx.Nop())
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	sess := session.NewBroadcaster(logx.Nop())
	if ready {
		sess.HandleEvent(transport.Event{Type: transport.EventReady})
	}

	fake := &fakeTransport{}
	engine := dispatch.NewEngine(dispatch.Config{}, fake, store, sess, logx.Nop())
	bulkSvc := bulk.New(bulk.Config{
		DefaultDelay: time.Millisecond,
		MinDelay:     time.Millisecond,
	}, engine, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	bulkSvc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		bulkSvc.Stop(context.Background())
	})
	gw := gateway.New(fake, sess, engine, logx.Nop())

	api := New(Config{UploadDir: filepath.Join(dir, "uploads")},
		authSvc, store, engine, bulkSvc, sess, gw, logx.Nop())

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, sess: sess, store: store, bulk: bulkSvc, fake: fake}
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body any) (*http.Response, envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}

func reencode(t *testing.T, data any, into any) {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(b, into); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "OK" {
		t.Fatalf("unexpected health payload: %+v", body)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	resp, env := f.do(t, http.MethodGet, "/api/v1/messages", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || env.Status != "error" {
		t.Fatalf("expected 401 envelope, got %d %+v", resp.StatusCode, env)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/v1/messages", "wrong-key", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", resp.StatusCode)
	}
}

func TestLoginAndBearerAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	resp, env := f.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "admin", "password": "swordfish"})
	if resp.StatusCode != http.StatusOK || env.Status != "success" {
		t.Fatalf("login failed: %d %+v", resp.StatusCode, env)
	}
	var data struct {
		Token string `json:"token"`
		User  struct {
			Username string `json:"username"`
			APIKey   string `json:"apiKey"`
		} `json:"user"`
	}
	reencode(t, env.Data, &data)
	if data.Token == "" || data.User.APIKey != "key-123" {
		t.Fatalf("unexpected login payload: %+v", data)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer "+data.Token)
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bearer request: %v", err)
	}
	defer r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth rejected: %d", r2.StatusCode)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	resp, env := f.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "admin", "password": "nope"})
	if resp.StatusCode != http.StatusUnauthorized || env.Status != "error" {
		t.Fatalf("expected 401, got %d %+v", resp.StatusCode, env)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	resp, env := f.do(t, http.MethodPost, "/api/v1/messages/send", "key-123",
		map[string]string{"to": "081234567890", "message": "hello"})
	if resp.StatusCode != http.StatusOK || env.Status != "success" {
		t.Fatalf("send failed: %d %+v", resp.StatusCode, env)
	}
	var rcpt dispatch.Receipt
	reencode(t, env.Data, &rcpt)
	if rcpt.MessageID == "" {
		t.Fatalf("missing message id: %+v", env)
	}

	// The outcome is queryable through the list endpoint.
	resp, env = f.do(t, http.MethodGet, "/api/v1/messages?status=sent", "key-123", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list failed: %d", resp.StatusCode)
	}
	var list ledger.ListResult
	reencode(t, env.Data, &list)
	if list.Total != 1 || list.Records[0].To != "6281234567890@c.us" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"short destination", map[string]string{"to": "123", "message": "hi"}},
		{"long destination", map[string]string{"to": strings.Repeat("1", 25), "message": "hi"}},
		{"empty message", map[string]string{"to": "081234567890", "message": ""}},
		{"oversized message", map[string]string{"to": "081234567890", "message": strings.Repeat("x", 5000)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, env := f.do(t, http.MethodPost, "/api/v1/messages/send", "key-123", tc.body)
			if resp.StatusCode != http.StatusBadRequest || env.Message != "Validation error" {
				t.Fatalf("expected validation error, got %d %+v", resp.StatusCode, env)
			}
		})
	}
}

func TestSendWhenNotReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	resp, env := f.do(t, http.MethodPost, "/api/v1/messages/send", "key-123",
		map[string]string{"to": "081234567890", "message": "hello"})
	if resp.StatusCode != http.StatusServiceUnavailable || env.Status != "error" {
		t.Fatalf("expected 503, got %d %+v", resp.StatusCode, env)
	}
	if len(f.fake.sent) != 0 {
		t.Fatalf("transport must not be contacted when not ready")
	}
}

func TestBulkSubmitAndStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	resp, env := f.do(t, http.MethodPost, "/api/v1/messages/bulk", "key-123", map[string]any{
		"recipients": []string{"081234567890", "081234567891"},
		"message":    "fanout",
		"delay_ms":   1000,
	})
	if resp.StatusCode != http.StatusAccepted || env.Status != "success" {
		t.Fatalf("bulk submit failed: %d %+v", resp.StatusCode, env)
	}
	var ack bulk.Ack
	reencode(t, env.Data, &ack)
	if ack.JobID == "" || ack.RecipientCount != 2 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, ok := f.bulk.Status(ack.JobID)
		if ok && st.Finished {
			if st.Done != 2 || st.Failed != 0 {
				t.Fatalf("unexpected job status: %+v", st)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bulk job never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, env = f.do(t, http.MethodGet, "/api/v1/messages/bulk/"+ack.JobID, "key-123", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bulk status failed: %d", resp.StatusCode)
	}
	var st bulk.JobStatus
	reencode(t, env.Data, &st)
	if len(st.Outcomes) != 2 || !st.Outcomes[0].Success {
		t.Fatalf("unexpected outcomes: %+v", st.Outcomes)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/v1/messages/bulk/unknown-id", "key-123", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}
}

func TestBulkValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/messages/bulk", "key-123", map[string]any{
		"recipients": []string{"081234567890"},
		"message":    "x",
		"delay_ms":   50,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range delay, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages/bulk", "key-123", map[string]any{
		"recipients": []string{},
		"message":    "x",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty recipients, got %d", resp.StatusCode)
	}
}

func TestBulkRouteRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	body := map[string]any{"recipients": []string{"081234567890"}, "message": "x"}
	resp, _ := f.do(t, http.MethodPost, "/api/v1/messages/bulk", "key-123", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first bulk call: %d", resp.StatusCode)
	}
	resp, env := f.do(t, http.MethodPost, "/api/v1/messages/bulk", "key-123", body)
	if resp.StatusCode != http.StatusTooManyRequests || env.Status != "error" {
		t.Fatalf("expected 429 on second bulk call, got %d %+v", resp.StatusCode, env)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	resp, env := f.do(t, http.MethodGet, "/api/v1/messages/ghost", "key-123", nil)
	if resp.StatusCode != http.StatusNotFound || env.Status != "error" {
		t.Fatalf("expected 404 envelope, got %d %+v", resp.StatusCode, env)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	if _, err := f.store.Append(context.Background(), ledger.MessageRecord{
		ID: "m1", Status: ledger.StatusSent, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	resp, env := f.do(t, http.MethodGet, "/api/v1/messages/stats?timeframe=1h", "key-123", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats failed: %d", resp.StatusCode)
	}
	var data struct {
		Timeframe string       `json:"timeframe"`
		Stats     ledger.Stats `json:"stats"`
	}
	reencode(t, env.Data, &data)
	if data.Timeframe != "1h" || data.Stats.Sent != 1 {
		t.Fatalf("unexpected stats: %+v", data)
	}
}

func TestContactsGatedOnReadiness(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/messages/contacts", "key-123", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", resp.StatusCode)
	}

	f.sess.HandleEvent(transport.Event{Type: transport.EventReady})
	resp, env := f.do(t, http.MethodGet, "/api/v1/messages/contacts", "key-123", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("contacts failed: %d", resp.StatusCode)
	}
	var contacts []transport.Contact
	reencode(t, env.Data, &contacts)
	if len(contacts) != 1 || contacts[0].Name != "Ops" {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
}

func TestSessionStatusAndQR(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	resp, env := f.do(t, http.MethodGet, "/api/v1/session/qr", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without challenge, got %d %+v", resp.StatusCode, env)
	}

	f.sess.HandleEvent(transport.Event{Type: transport.EventChallenge, Challenge: "pair-token"})

	resp, env = f.do(t, http.MethodGet, "/api/v1/session/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status failed: %d", resp.StatusCode)
	}
	var snap session.Snapshot
	reencode(t, env.Data, &snap)
	if snap.IsReady || !snap.HasQR {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	resp, env = f.do(t, http.MethodGet, "/api/v1/session/qr", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("qr failed: %d", resp.StatusCode)
	}
	var qr struct {
		QRCode string `json:"qrCode"`
	}
	reencode(t, env.Data, &qr)
	if !strings.HasPrefix(qr.QRCode, "data:image/png;base64,") {
		t.Fatalf("unexpected qr payload: %.40s", qr.QRCode)
	}
}

func TestSessionStreamDeliversSnapshotAndEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/v1/session/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	readEvent := func() session.Event {
		t.Helper()
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev session.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("decode stream event: %v", err)
			}
			return ev
		}
	}

	if ev := readEvent(); ev.Type != "status" {
		t.Fatalf("expected initial status event, got %+v", ev)
	}

	f.sess.HandleEvent(transport.Event{Type: transport.EventReady})
	if ev := readEvent(); ev.Type != "ready" {
		t.Fatalf("expected ready event, got %+v", ev)
	}
}

func TestErrorDetailHiddenInProduction(t *testing.T) {
	t.Parallel()
	s := &Server{log: logx.Nop(), production: true}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	s.writeError(rec, req, "Failed", errors.New("internal detail"))

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error != "" {
		t.Fatalf("production response leaked detail: %+v", env)
	}

	s.production = false
	rec = httptest.NewRecorder()
	s.writeError(rec, req, "Failed", errors.New("internal detail"))
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error != "internal detail" {
		t.Fatalf("development response must carry detail: %+v", env)
	}
}
