package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"wagate/internal/auth"
	"wagate/internal/bulk"
	"wagate/internal/dispatch"
	"wagate/internal/ledger"
	logx "wagate/pkg/logx"
)

// envelope is the uniform response shape: {"status": "success"|"error", ...}.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeSuccess(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Status: "success", Data: data})
}

func (s *Server) writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Status: "success", Message: msg})
}

// writeError maps the error taxonomy to HTTP codes. Internal detail is only
// included outside production mode.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrNotReady):
		code = http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidCredentials):
		code = http.StatusUnauthorized
	case errors.Is(err, bulk.ErrQueueFull):
		code = http.StatusTooManyRequests
	}

	if code >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err))
	}

	resp := envelope{Status: "error", Message: msg}
	if err != nil && !s.production {
		resp.Error = err.Error()
	}
	writeJSON(w, code, resp)
}

func (s *Server) writeValidation(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Message: "Validation error", Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20))
	return dec.Decode(v)
}
