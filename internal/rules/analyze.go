package rules

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/telewarp/bbsbot/internal/domain"
)

// PartialMatch is a rule whose pattern hit the screen but which a
// secondary condition rejected.
type PartialMatch struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// Analysis explains how the ruleset sees one screen: which rules fully
// match, which almost match and why they were rejected, and the cursor
// evidence a rule author needs when deciding whether cursor_at_end
// belongs on a new rule.
type Analysis struct {
	Matched   []string       `json:"matched"`
	Ambiguous []string       `json:"ambiguous,omitempty"`
	Partial   []PartialMatch `json:"partial,omitempty"`

	CursorRow   int    `json:"cursor_row"`
	CursorCol   int    `json:"cursor_col"`
	CursorAtEnd bool   `json:"cursor_at_end"`
	LastLine    string `json:"last_line,omitempty"`
	LastRow     int    `json:"last_row"`

	// TrailingSpace reports the cursor resting past the last glyph of
	// the bottom line. The emulator trims trailing blanks, so a prompt
	// that prints "? " shows up here rather than in LastLine.
	TrailingSpace bool `json:"has_trailing_space"`
}

// Analyze runs every rule against the screen and reports matches and
// near-misses. Unlike Match it never fails on ambiguity; colliding
// exclusive rules land in Ambiguous instead.
func (rs *RuleSet) Analyze(s domain.Screen) Analysis {
	text := s.Text()
	line, row := s.LastNonEmpty()
	end := utf8.RuneCountInString(strings.TrimRight(line, " "))

	a := Analysis{
		CursorRow:   s.Cursor.Row,
		CursorCol:   s.Cursor.Col,
		CursorAtEnd: cursorAtEnd(s),
		LastLine:    line,
		LastRow:     row,
	}
	if row >= 0 && s.Cursor.Row == row && s.Cursor.Col > end {
		a.TrailingSpace = true
	}

	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.re.MatchString(text) {
			continue
		}
		if r.negRe != nil && r.negRe.MatchString(text) {
			a.Partial = append(a.Partial, PartialMatch{
				Rule:   r.Name,
				Reason: fmt.Sprintf("negative_match %q also matched", r.NegativeMatch),
			})
			continue
		}
		if r.CursorAtEnd && !a.CursorAtEnd {
			a.Partial = append(a.Partial, PartialMatch{
				Rule: r.Name,
				Reason: fmt.Sprintf("cursor_at_end required but cursor is at %d,%d (line end %d,%d)",
					s.Cursor.Row, s.Cursor.Col, row, end),
			})
			continue
		}
		a.Matched = append(a.Matched, r.Name)
		if r.Exclusive {
			a.Ambiguous = append(a.Ambiguous, r.Name)
		}
	}
	if len(a.Ambiguous) < 2 {
		a.Ambiguous = nil
	}
	return a
}
