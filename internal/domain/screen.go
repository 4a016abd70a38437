package domain

import (
	"strings"
	"time"
)

// Terminal geometry is fixed; the BBS side assumes a classic 80x25 display.
const (
	ScreenRows = 25
	ScreenCols = 80
)

// Cursor is a zero-based position on the emulated screen.
type Cursor struct {
	Row int
	Col int
}

// Screen is an immutable snapshot of the emulated terminal. Lines always
// holds ScreenRows entries with trailing blanks trimmed per line. Hash is
// FNV-64a over the normalized lines and cursor, so identical content yields
// an identical hash across snapshots.
type Screen struct {
	Lines  []string
	Cursor Cursor
	Hash   uint64
	Seq    uint64 // feed generation, increments on every byte batch
	At     time.Time
}

// Line returns row i, or "" when out of range.
func (s Screen) Line(i int) string {
	if i < 0 || i >= len(s.Lines) {
		return ""
	}
	return s.Lines[i]
}

// LastNonEmpty returns the bottom-most non-blank line and its row index.
// When the screen is blank it returns ("", -1).
func (s Screen) LastNonEmpty() (string, int) {
	for i := len(s.Lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(s.Lines[i]) != "" {
			return s.Lines[i], i
		}
	}
	return "", -1
}

// Text joins all lines with newlines, handy for regexp matching and logs.
func (s Screen) Text() string {
	return strings.Join(s.Lines, "\n")
}

// PromptHit is a prompt rule that matched a settled screen, together with
// the fields its extract spec pulled out. Validation lists the names of
// required fields that were missing or unparsable; a non-empty Validation
// never aborts the caller, it only degrades the hit.
type PromptHit struct {
	Rule       string
	Kind       string
	Line       string
	Row        int
	Fields     map[string]any
	Validation []string
	ScreenHash uint64
	At         time.Time
}

// ScreenUpdate is the result of a single session read: the settled screen
// and, when a rule matched, the prompt hit. Prompt is nil when the screen
// settled without any rule matching, or when the screen hash was already
// processed and no send happened in between.
type ScreenUpdate struct {
	Screen   Screen
	Prompt   *PromptHit
	NewBytes int
	Idle     bool // settled by idle threshold rather than an eager rule
}
