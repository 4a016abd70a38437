package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a sentinel error onto its HTTP status and sends it.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFromErr(err), err.Error())
}

// statusFromErr maps domain sentinels onto HTTP status codes. Anything
// unrecognized is a 500.
func statusFromErr(err error) int {
	switch {
	case errors.Is(err, domain.ErrBotNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrSessionBusy),
		errors.Is(err, domain.ErrHijacked),
		errors.Is(err, domain.ErrNotHijacked),
		errors.Is(err, domain.ErrLeaseExpired):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAccountExhausted), errors.Is(err, domain.ErrAccountCooldown):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrContextDone):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody unmarshals a JSON request body into dst, rejecting unknown
// fields so typos in operator payloads fail loudly.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0. since/until accept RFC 3339.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &t
		}
	}
	return opts
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}

// screenView is the JSON shape for terminal snapshots.
type screenView struct {
	Lines     []string  `json:"lines"`
	CursorRow int       `json:"cursor_row"`
	CursorCol int       `json:"cursor_col"`
	Hash      uint64    `json:"hash"`
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
}

func toScreenView(s domain.Screen) screenView {
	return screenView{
		Lines:     s.Lines,
		CursorRow: s.Cursor.Row,
		CursorCol: s.Cursor.Col,
		Hash:      s.Hash,
		Seq:       s.Seq,
		At:        s.At,
	}
}

// promptView is the JSON shape for a matched prompt.
type promptView struct {
	Rule   string         `json:"rule"`
	Kind   string         `json:"kind"`
	Line   string         `json:"line,omitempty"`
	Row    int            `json:"row"`
	Fields map[string]any `json:"fields,omitempty"`
}

func toPromptView(p *domain.PromptHit) *promptView {
	if p == nil {
		return nil
	}
	return &promptView{
		Rule:   p.Rule,
		Kind:   p.Kind,
		Line:   p.Line,
		Row:    p.Row,
		Fields: p.Fields,
	}
}
