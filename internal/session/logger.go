// Package session owns the live connection to one BBS: the telnet
// transport, the terminal emulator, the prompt detector, and the JSONL
// event log, glued behind a read/send API with strict single-flight
// semantics.
package session

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// LogEvent is one line in a session's JSONL log. Raw wire bytes ride in
// B64; Text carries human-readable content where one exists.
type LogEvent struct {
	Seq  uint64         `json:"seq"`
	TS   time.Time      `json:"ts"`
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	B64  string         `json:"b64,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Event kinds written to the log.
const (
	logOpen   = "open"
	logClose  = "close"
	logRX     = "rx"
	logTX     = "tx"
	logScreen = "screen"
	logPrompt = "prompt"
	logAction = "action"
	logNote   = "note"
)

// Logger appends session events to one JSONL file. Writes are buffered;
// prompt, action, open, and close events force a flush so the tail of the
// file always ends at a meaningful boundary. Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	enc    *json.Encoder
	seq    uint64
	closed bool
	path   string
}

// NewLogger creates <dir>/<botID>/<sessionID>.jsonl and records the open
// event.
func NewLogger(dir, botID, sessionID string) (*Logger, error) {
	sub := filepath.Join(dir, botID)
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return nil, fmt.Errorf("session: log dir: %w", err)
	}
	path := filepath.Join(sub, sessionID+".jsonl")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open log: %w", err)
	}

	bw := bufio.NewWriter(f)
	l := &Logger{f: f, bw: bw, enc: json.NewEncoder(bw), path: path}
	l.write(LogEvent{Kind: logOpen, Data: map[string]any{
		"bot_id":     botID,
		"session_id": sessionID,
	}}, true)
	return l, nil
}

// Path returns the log file location.
func (l *Logger) Path() string { return l.path }

// RX records received wire bytes.
func (l *Logger) RX(raw []byte) {
	l.write(LogEvent{Kind: logRX, B64: base64.StdEncoding.EncodeToString(raw)}, false)
}

// TX records sent bytes with their readable form.
func (l *Logger) TX(raw []byte, text string) {
	l.write(LogEvent{
		Kind: logTX,
		Text: text,
		B64:  base64.StdEncoding.EncodeToString(raw),
	}, false)
}

// Screen records a settled screen snapshot.
func (l *Logger) Screen(s domain.Screen) {
	l.write(LogEvent{
		Kind: logScreen,
		Text: s.Text(),
		Data: map[string]any{
			"hash":       fmt.Sprintf("%016x", s.Hash),
			"cursor_row": s.Cursor.Row,
			"cursor_col": s.Cursor.Col,
			"seq":        s.Seq,
		},
	}, false)
}

// Prompt records a matched prompt with its extracted fields.
func (l *Logger) Prompt(hit *domain.PromptHit) {
	l.write(LogEvent{
		Kind: logPrompt,
		Text: hit.Line,
		Data: map[string]any{
			"rule":       hit.Rule,
			"kind":       hit.Kind,
			"row":        hit.Row,
			"fields":     hit.Fields,
			"validation": hit.Validation,
			"hash":       fmt.Sprintf("%016x", hit.ScreenHash),
		},
	}, true)
}

// Action records a bot decision or operator command.
func (l *Logger) Action(name string, data map[string]any) {
	l.write(LogEvent{Kind: logAction, Text: name, Data: data}, true)
}

// Note records freeform context.
func (l *Logger) Note(msg string, data map[string]any) {
	l.write(LogEvent{Kind: logNote, Text: msg, Data: data}, false)
}

// Close records the close event and releases the file. Idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	l.seq++
	ev := LogEvent{Seq: l.seq, TS: time.Now().UTC(), Kind: logClose}
	_ = l.enc.Encode(ev)
	_ = l.bw.Flush()
	return l.f.Close()
}

func (l *Logger) write(ev LogEvent, flush bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.seq++
	ev.Seq = l.seq
	ev.TS = time.Now().UTC()
	_ = l.enc.Encode(ev)
	if flush {
		_ = l.bw.Flush()
	}
}
