package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"wagate/internal/auth"
	"wagate/internal/bulk"
	"wagate/internal/dispatch"
	"wagate/internal/gateway"
	"wagate/internal/ledger"
	"wagate/internal/session"
	logx "wagate/pkg/logx"
)

type Config struct {
	Addr       string
	Production bool
	RateLimit  int
	RateWindow time.Duration
	UploadDir  string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 15 * time.Minute
	}
	if c.UploadDir == "" {
		c.UploadDir = "./uploads"
	}
	return c
}

// Server is the HTTP surface of the gateway.
type Server struct {
	log        logx.Logger
	production bool
	uploadDir  string

	auth    *auth.Service
	store   ledger.Store
	engine  *dispatch.Engine
	bulk    *bulk.Service
	session *session.Broadcaster
	gw      *gateway.Gateway

	apiLimit  *clientLimiter
	sendLimit *clientLimiter
	bulkLimit *clientLimiter

	started time.Time
	srv     *http.Server
}

func New(cfg Config, authSvc *auth.Service, store ledger.Store, engine *dispatch.Engine,
	bulkSvc *bulk.Service, sess *session.Broadcaster, gw *gateway.Gateway, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Server{
		log:        log,
		production: cfg.Production,
		uploadDir:  cfg.UploadDir,
		auth:       authSvc,
		store:      store,
		engine:     engine,
		bulk:       bulkSvc,
		session:    sess,
		gw:         gw,
		apiLimit:   newClientLimiter(cfg.RateLimit, cfg.RateWindow),
		sendLimit:  newClientLimiter(30, time.Minute),
		bulkLimit:  newClientLimiter(1, 5*time.Minute),
		started:    time.Now(),
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the routing table. Split out from ListenAndServe so tests
// can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/v1/session/status", s.handleSessionStatus)
	mux.HandleFunc("GET /api/v1/session/qr", s.handleSessionQR)
	mux.HandleFunc("GET /api/v1/session/stream", s.handleSessionStream)

	// Protected.
	mux.Handle("POST /api/v1/session/logout", s.authed(http.HandlerFunc(s.handleLogout)))
	mux.Handle("POST /api/v1/messages/send", s.authed(s.sendLimit.middleware(http.HandlerFunc(s.handleSend))))
	mux.Handle("POST /api/v1/messages/bulk", s.authed(s.bulkLimit.middleware(http.HandlerFunc(s.handleSendBulk))))
	mux.Handle("GET /api/v1/messages/bulk/{id}", s.authed(http.HandlerFunc(s.handleBulkStatus)))
	mux.Handle("GET /api/v1/messages", s.authed(http.HandlerFunc(s.handleListMessages)))
	mux.Handle("GET /api/v1/messages/stats", s.authed(http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /api/v1/messages/contacts", s.authed(http.HandlerFunc(s.handleContacts)))
	mux.Handle("GET /api/v1/messages/chats", s.authed(http.HandlerFunc(s.handleChats)))
	mux.Handle("GET /api/v1/messages/{id}", s.authed(http.HandlerFunc(s.handleGetMessage)))

	return s.apiLimit.middleware(mux)
}

// authed guards a route with API-key or JWT bearer authentication.
func (s *Server) authed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			if _, err := s.auth.VerifyAPIKey(key); err != nil {
				writeJSON(w, http.StatusUnauthorized, envelope{Status: "error", Message: "Invalid API key"})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			if _, err := s.auth.VerifyToken(strings.TrimPrefix(h, "Bearer ")); err != nil {
				writeJSON(w, http.StatusUnauthorized, envelope{Status: "error", Message: "Invalid token"})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, envelope{
			Status:  "error",
			Message: "Authentication required. Provide Authorization header or X-API-Key",
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Seconds(),
		"whatsapp":  snap,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeValidation(w, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeValidation(w, "username and password are required")
		return
	}

	token, usr, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, "Login failed", err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  map[string]string{"username": usr.Username, "apiKey": usr.APIKey},
	})
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", logx.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
