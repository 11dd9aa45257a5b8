package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"wagate/internal/ledger"
	"wagate/internal/session"
	logx "wagate/pkg/logx"
)

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	qr, ok := s.session.Challenge()
	if !ok {
		s.writeError(w, r, "QR code not available. The session may already be connected.", ledger.ErrNotFound)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]string{
		"qrCode":      qr,
		"instruction": "Scan this QR code with your WhatsApp mobile app",
	})
}

// handleSessionStream pushes session events as Server-Sent Events. The
// subscriber is removed when the client disconnects, driven by the request
// context, never by a timeout.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, "Streaming unsupported", fmt.Errorf("response writer is not a flusher"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	// The callback runs on the broadcaster's goroutine; hand events off to a
	// buffered channel so a slow client can't stall a broadcast. The channel
	// close after unsubscribe is what terminates a racing delivery (the
	// broadcaster detects the panic and deregisters).
	id := uuid.NewString()
	events := make(chan session.Event, 16)
	s.session.Subscribe(id, func(ev session.Event) {
		select {
		case events <- ev:
		default:
			// slow subscriber; drop rather than block the broadcaster
		}
	})
	defer func() {
		s.session.Unsubscribe(id)
		close(events)
	}()

	s.log.Debug("session stream opened", logx.String("subscriber", id))

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("session stream closed", logx.String("subscriber", id))
			return
		case ev := <-events:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.Logout(r.Context()); err != nil {
		s.writeError(w, r, "Failed to logout", err)
		return
	}
	s.writeMessage(w, http.StatusOK, "Logged out successfully")
}
