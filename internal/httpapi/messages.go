package httpapi

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"wagate/internal/ledger"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

const (
	maxBodyChars  = 4096
	minAddrChars  = 10
	maxAddrChars  = 20
	maxUploadSize = 10 << 20
)

var allowedUploadTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"application/pdf": true,
	"text/plain":      true,
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func validDestination(to string) bool {
	return len(to) >= minAddrChars && len(to) <= maxAddrChars
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var (
		req sendRequest
		att *transport.Attachment
	)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		var err error
		req, att, err = s.parseMultipartSend(r)
		if err != nil {
			s.writeValidation(w, err.Error())
			return
		}
	} else if err := decodeJSON(r, &req); err != nil {
		s.writeValidation(w, "invalid request body")
		return
	}

	if !validDestination(req.To) {
		s.writeValidation(w, "to must be 10-20 characters")
		return
	}
	if req.Message == "" || len(req.Message) > maxBodyChars {
		s.writeValidation(w, "message is required and must be at most 4096 characters")
		return
	}

	rcpt, err := s.engine.SendOne(r.Context(), req.To, req.Message, att)
	if err != nil {
		s.writeError(w, r, "Failed to send message", err)
		return
	}
	s.writeSuccess(w, http.StatusOK, rcpt)
}

// parseMultipartSend extracts the form fields and spools an optional media
// upload to the upload directory.
func (s *Server) parseMultipartSend(r *http.Request) (sendRequest, *transport.Attachment, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return sendRequest{}, nil, errValidation("file too large or malformed form")
	}
	req := sendRequest{
		To:      r.FormValue("to"),
		Message: r.FormValue("message"),
	}

	file, hdr, err := r.FormFile("media")
	if err == http.ErrMissingFile {
		return req, nil, nil
	}
	if err != nil {
		return sendRequest{}, nil, errValidation("invalid media upload")
	}
	defer file.Close()

	mimeType := hdr.Header.Get("Content-Type")
	if !allowedUploadTypes[mimeType] {
		return sendRequest{}, nil, errValidation("invalid file type")
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return sendRequest{}, nil, err
	}
	name := uuid.NewString() + filepath.Ext(hdr.Filename)
	path := filepath.Join(s.uploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return sendRequest{}, nil, err
	}
	defer dst.Close()
	size, err := io.Copy(dst, file)
	if err != nil {
		return sendRequest{}, nil, err
	}

	return req, &transport.Attachment{
		Path:     path,
		MimeType: mimeType,
		Filename: hdr.Filename,
		Size:     size,
	}, nil
}

type bulkRequest struct {
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	DelayMS    int      `json:"delay_ms"`
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeValidation(w, "invalid request body")
		return
	}
	if len(req.Recipients) == 0 || len(req.Recipients) > 100 {
		s.writeValidation(w, "recipients must contain 1-100 entries")
		return
	}
	for _, rec := range req.Recipients {
		if !validDestination(rec) {
			s.writeValidation(w, "each recipient must be 10-20 characters")
			return
		}
	}
	if req.Message == "" || len(req.Message) > maxBodyChars {
		s.writeValidation(w, "message is required and must be at most 4096 characters")
		return
	}
	if req.DelayMS != 0 && (req.DelayMS < 1000 || req.DelayMS > 60000) {
		s.writeValidation(w, "delay_ms must be between 1000 and 60000")
		return
	}

	ack, err := s.bulk.Submit(req.Recipients, req.Message, time.Duration(req.DelayMS)*time.Millisecond)
	if err != nil {
		s.writeError(w, r, "Failed to start bulk message", err)
		return
	}
	s.log.Info("bulk request accepted", logx.String("job", ack.JobID), logx.Int("recipients", ack.RecipientCount))
	s.writeSuccess(w, http.StatusAccepted, ack)
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.bulk.Status(id)
	if !ok {
		s.writeError(w, r, "Bulk job not found", ledger.ErrNotFound)
		return
	}
	s.writeSuccess(w, http.StatusOK, st)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filters{
		Status:    ledger.Status(q.Get("status")),
		Direction: ledger.Direction(q.Get("direction")),
		To:        q.Get("to"),
		From:      q.Get("from"),
	}
	p := ledger.Page{
		Page:  atoiDefault(q.Get("page"), 1),
		Limit: atoiDefault(q.Get("limit"), 20),
	}

	res, err := s.store.List(r.Context(), f, p)
	if err != nil {
		s.writeError(w, r, "Failed to get messages", err)
		return
	}
	s.writeSuccess(w, http.StatusOK, res)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "Message not found", err)
		return
	}
	s.writeSuccess(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "24h"
	}
	st, err := s.store.Stats(r.Context(), timeframe)
	if err != nil {
		s.writeError(w, r, "Failed to get stats", err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{"timeframe": timeframe, "stats": st})
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.gw.Contacts(r.Context())
	if err != nil {
		s.writeError(w, r, "Failed to get contacts", err)
		return
	}
	s.writeSuccess(w, http.StatusOK, contacts)
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.gw.Chats(r.Context())
	if err != nil {
		s.writeError(w, r, "Failed to get chats", err)
		return
	}
	s.writeSuccess(w, http.StatusOK, chats)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

type validationErr string

func (e validationErr) Error() string { return string(e) }

func errValidation(msg string) error { return validationErr(msg) }
