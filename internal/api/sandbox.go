package api

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/sandbox"
)

func (s *Server) registerSandboxRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/messages", s.handleSandboxList)
		r.Get("/messages/{id}", s.handleSandboxGet)
		r.Get("/messages/{id}/raw", s.handleSandboxRaw)
		r.Delete("/messages", s.handleSandboxClear)
		r.Delete("/messages/{id}", s.handleSandboxDelete)
		r.Get("/stats", s.handleSandboxStats)
	})
}

// SandboxMessageResponse represents a captured message in API responses
type SandboxMessageResponse struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	CapturedAt time.Time `json:"captured_at"`
}

// SandboxMessageDetailResponse is the response for GET /api/v1/sandbox/messages/{id}
type SandboxMessageDetailResponse struct {
	SandboxMessageResponse
	Headers map[string]string `json:"headers,omitempty"`
	Text    string            `json:"text,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Size    int               `json:"size"`
}

func sandboxSummary(msg *sandbox.Message) SandboxMessageResponse {
	return SandboxMessageResponse{
		ID:         msg.ID,
		AccountID:  msg.AccountID,
		From:       msg.From,
		To:         msg.To,
		Subject:    msg.Subject,
		CapturedAt: msg.CapturedAt,
	}
}

func (s *Server) sandboxAvailable(w http.ResponseWriter) bool {
	if s.deps.Sandbox == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return false
	}
	return true
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}

	q := r.URL.Query()
	filter := sandbox.ListFilter{
		AccountID: q.Get("account_id"),
		To:        q.Get("to"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			filter.Limit = min(l, 1000)
		}
	}
	if v := q.Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			filter.Offset = min(o, 1000000)
		}
	}

	messages, err := s.deps.Sandbox.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	resp := make([]SandboxMessageResponse, len(messages))
	for i, msg := range messages {
		resp[i] = sandboxSummary(msg)
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"messages": resp,
		"total":    len(resp),
	})
}

func (s *Server) loadSandboxMessage(w http.ResponseWriter, r *http.Request) *sandbox.Message {
	if !s.sandboxAvailable(w) {
		return nil
	}
	msg, err := s.deps.Sandbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get message")
		return nil
	}
	if msg == nil {
		sendError(w, http.StatusNotFound, "Message not found")
		return nil
	}
	return msg
}

// handleSandboxGet handles GET /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	msg := s.loadSandboxMessage(w, r)
	if msg == nil {
		return
	}

	headers, text, html := parseMessage(msg.Data)
	sendJSON(w, http.StatusOK, SandboxMessageDetailResponse{
		SandboxMessageResponse: sandboxSummary(msg),
		Headers:                headers,
		Text:                   text,
		HTML:                   html,
		Size:                   len(msg.Data),
	})
}

// handleSandboxRaw handles GET /api/v1/sandbox/messages/{id}/raw
func (s *Server) handleSandboxRaw(w http.ResponseWriter, r *http.Request) {
	msg := s.loadSandboxMessage(w, r)
	if msg == nil {
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": sanitizeFilename(msg.ID) + ".eml",
	}))
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

// handleSandboxDelete handles DELETE /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxDelete(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}
	if err := s.deps.Sandbox.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages?older_than=24h
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}

	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			sendError(w, http.StatusBadRequest, "Invalid older_than format (use Go duration: 24h, 90m)")
			return
		}
		olderThan = d
	}

	count, err := s.deps.Sandbox.Clear(r.Context(), olderThan)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}
	sendJSON(w, http.StatusOK, map[string]int{"cleared": count})
}

// handleSandboxStats handles GET /api/v1/sandbox/stats
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}
	stats, err := s.deps.Sandbox.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

// parseMessage extracts the top-level headers and the text and HTML parts
// of a captured message. Unparseable input yields empty results.
func parseMessage(data []byte) (headers map[string]string, text, html string) {
	headers = make(map[string]string)
	m, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return headers, "", ""
	}

	dec := new(mime.WordDecoder)
	for k, v := range m.Header {
		if len(v) == 0 {
			continue
		}
		if decoded, err := dec.DecodeHeader(v[0]); err == nil {
			headers[k] = decoded
		} else {
			headers[k] = v[0]
		}
	}

	text, html = readParts(m.Header.Get("Content-Type"), m.Header.Get("Content-Transfer-Encoding"), m.Body)
	return headers, text, html
}

func readParts(contentType, encoding string, body io.Reader) (text, html string) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			t, h := readParts(p.Header.Get("Content-Type"), p.Header.Get("Content-Transfer-Encoding"), p)
			if text == "" {
				text = t
			}
			if html == "" {
				html = h
			}
		}
		return text, html
	}

	if strings.EqualFold(encoding, "quoted-printable") {
		body = quotedprintable.NewReader(body)
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return "", ""
	}
	switch mediaType {
	case "text/html":
		return "", string(content)
	case "text/plain":
		return string(content), ""
	}
	return "", ""
}

// sanitizeFilename keeps only characters safe in a Content-Disposition filename
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			return r
		}
		return '_'
	}, name)
}
