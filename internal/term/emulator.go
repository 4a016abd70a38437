// Package term emulates the fixed 80x25 CP437 display a BBS assumes the
// caller has. It consumes the decoded telnet byte stream and exposes
// hashable screen snapshots for the prompt pipeline.
package term

import (
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"

	"github.com/telewarp/bbsbot/internal/domain"
)

// maxPending bounds the partial-sequence buffer; past this a malformed
// sequence is flushed as literal text instead of stalling the feed.
const maxPending = 64

// Emulator is the terminal state machine. It is not safe for concurrent
// use; the owning session serializes Feed and Snapshot.
type Emulator struct {
	rows, cols int
	grid       [][]rune
	cur        domain.Cursor
	saved      domain.Cursor
	seq        uint64
	pend       []byte
	logger     *slog.Logger
}

// New returns a blank 80x25 emulator.
func New(logger *slog.Logger) *Emulator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emulator{
		rows:   domain.ScreenRows,
		cols:   domain.ScreenCols,
		logger: logger.With(slog.String("component", "term")),
	}
	e.Reset()
	return e
}

// Reset clears the screen and homes the cursor. Pending partial sequences
// are dropped.
func (e *Emulator) Reset() {
	e.grid = make([][]rune, e.rows)
	for i := range e.grid {
		e.grid[i] = blankRow(e.cols)
	}
	e.cur = domain.Cursor{}
	e.saved = domain.Cursor{}
	e.pend = nil
}

// SetSize changes the grid geometry. Row content is truncated or
// right-padded to the new width, rows past the new height are dropped,
// and the cursor is clamped into the new bounds.
func (e *Emulator) SetSize(cols, rows int) {
	if cols <= 0 || rows <= 0 || (cols == e.cols && rows == e.rows) {
		return
	}
	grid := make([][]rune, rows)
	for i := range grid {
		row := blankRow(cols)
		if i < len(e.grid) {
			copy(row, e.grid[i])
		}
		grid[i] = row
	}
	e.cols, e.rows = cols, rows
	e.grid = grid
	e.cur = e.clamped(e.cur)
	e.saved = e.clamped(e.saved)
	e.seq++
}

func blankRow(cols int) []rune {
	row := make([]rune, cols)
	for i := range row {
		row[i] = ' '
	}
	return row
}

// Feed consumes raw application bytes. Incomplete trailing escape
// sequences are held until the next call.
func (e *Emulator) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	e.seq++

	buf := e.pend
	e.pend = nil
	buf = append(buf, expandCP437(p)...)

	for len(buf) > 0 {
		seq, _, n, newState := ansi.DecodeSequence(buf, ansi.NormalState, nil)
		if n == 0 {
			// cannot happen with non-empty input, drop a byte to make progress
			buf = buf[1:]
			continue
		}
		if newState != ansi.NormalState && n == len(buf) {
			// sequence continues past this chunk
			if len(buf) > maxPending {
				e.writeText(string(buf))
				return
			}
			e.pend = buf
			return
		}
		e.handle(seq)
		buf = buf[n:]
	}
}

// handle dispatches one decoded unit: a control byte, an escape sequence,
// or printable text.
func (e *Emulator) handle(seq []byte) {
	if len(seq) == 0 {
		return
	}
	if seq[0] == 0x1b {
		e.handleEscape(seq)
		return
	}
	if len(seq) == 1 && seq[0] < 0x20 {
		e.handleControl(seq[0])
		return
	}
	e.writeText(string(seq))
}

func (e *Emulator) handleControl(b byte) {
	switch b {
	case '\r':
		e.cur.Col = 0
	case '\n':
		e.lineFeed()
	case '\b':
		if e.cur.Col > 0 {
			e.cur.Col--
		}
	case '\t':
		e.cur.Col = ((e.cur.Col / 8) + 1) * 8
		if e.cur.Col >= e.cols {
			e.cur.Col = e.cols - 1
		}
	case 0x07: // BEL
	default:
		// remaining C0 controls are noise on a BBS feed
	}
}

func (e *Emulator) handleEscape(seq []byte) {
	if len(seq) < 2 {
		return
	}
	if seq[1] == '[' {
		e.handleCSI(seq)
		return
	}
	switch seq[1] {
	case '7': // DECSC
		e.saved = e.cur
	case '8': // DECRC
		e.cur = e.clamped(e.saved)
	case 'c': // RIS
		e.Reset()
	default:
		// OSC, DCS, charset selection: discard
	}
}

// handleCSI interprets the supported CSI subset; anything else is parsed
// and discarded.
func (e *Emulator) handleCSI(seq []byte) {
	final, params, private := splitCSI(seq)
	if final == 0 || private {
		return
	}

	arg := func(i, def int) int {
		if i < len(params) && params[i] > 0 {
			return params[i]
		}
		return def
	}

	switch final {
	case 'H', 'f': // CUP, 1-based row;col
		e.cur = e.clamped(domain.Cursor{Row: arg(0, 1) - 1, Col: arg(1, 1) - 1})
	case 'A':
		e.cur = e.clamped(domain.Cursor{Row: e.cur.Row - arg(0, 1), Col: e.cur.Col})
	case 'B':
		e.cur = e.clamped(domain.Cursor{Row: e.cur.Row + arg(0, 1), Col: e.cur.Col})
	case 'C':
		e.cur = e.clamped(domain.Cursor{Row: e.cur.Row, Col: e.cur.Col + arg(0, 1)})
	case 'D':
		e.cur = e.clamped(domain.Cursor{Row: e.cur.Row, Col: e.cur.Col - arg(0, 1)})
	case 'J':
		e.eraseDisplay(arg(0, 0))
	case 'K':
		e.eraseLine(arg(0, 0))
	case 's':
		e.saved = e.cur
	case 'u':
		e.cur = e.clamped(e.saved)
	case 'm':
		// SGR: colors and attributes are not modeled
	default:
	}
}

// splitCSI breaks "ESC [ <params> <final>" into parts. Parameters default
// to 0 when empty; private sequences (prefix '?', '>', '<', '=') report
// private=true.
func splitCSI(seq []byte) (final byte, params []int, private bool) {
	if len(seq) < 3 {
		return 0, nil, false
	}
	body := seq[2:]
	final = body[len(body)-1]
	if final < 0x40 || final > 0x7e {
		return 0, nil, false
	}
	body = body[:len(body)-1]

	if len(body) > 0 {
		switch body[0] {
		case '?', '>', '<', '=':
			return final, nil, true
		}
	}

	for _, part := range strings.Split(string(body), ";") {
		if part == "" {
			params = append(params, 0)
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			params = append(params, 0)
			continue
		}
		params = append(params, n)
	}
	return final, params, false
}

func (e *Emulator) clamped(c domain.Cursor) domain.Cursor {
	if c.Row < 0 {
		c.Row = 0
	}
	if c.Row >= e.rows {
		c.Row = e.rows - 1
	}
	if c.Col < 0 {
		c.Col = 0
	}
	if c.Col >= e.cols {
		c.Col = e.cols - 1
	}
	return c
}

func (e *Emulator) lineFeed() {
	if e.cur.Row < e.rows-1 {
		e.cur.Row++
		return
	}
	// scroll up
	copy(e.grid, e.grid[1:])
	e.grid[e.rows-1] = blankRow(e.cols)
}

func (e *Emulator) writeText(s string) {
	for _, r := range s {
		if r == utf8.RuneError {
			continue
		}
		e.grid[e.cur.Row][e.cur.Col] = r
		e.cur.Col++
		if e.cur.Col >= e.cols {
			e.cur.Col = 0
			e.lineFeed()
		}
	}
}

// eraseDisplay implements ED. Mode 2 also homes the cursor, the ANSI.SYS
// behavior every BBS assumes.
func (e *Emulator) eraseDisplay(mode int) {
	switch mode {
	case 0:
		e.eraseLine(0)
		for r := e.cur.Row + 1; r < e.rows; r++ {
			e.grid[r] = blankRow(e.cols)
		}
	case 1:
		e.eraseLine(1)
		for r := 0; r < e.cur.Row; r++ {
			e.grid[r] = blankRow(e.cols)
		}
	case 2:
		for r := range e.grid {
			e.grid[r] = blankRow(e.cols)
		}
		e.cur = domain.Cursor{}
	}
}

func (e *Emulator) eraseLine(mode int) {
	row := e.grid[e.cur.Row]
	switch mode {
	case 0:
		for c := e.cur.Col; c < e.cols; c++ {
			row[c] = ' '
		}
	case 1:
		for c := 0; c <= e.cur.Col && c < e.cols; c++ {
			row[c] = ' '
		}
	case 2:
		e.grid[e.cur.Row] = blankRow(e.cols)
	}
}

// Snapshot returns the current screen with per-line trailing blanks
// trimmed and a content hash. The hash covers text only, so a pure
// cursor move never changes it.
func (e *Emulator) Snapshot() domain.Screen {
	lines := make([]string, e.rows)
	for i, row := range e.grid {
		lines[i] = strings.TrimRight(string(row), " ")
	}

	h := fnv.New64a()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}

	return domain.Screen{
		Lines:  lines,
		Cursor: e.cur,
		Hash:   h.Sum64(),
		Seq:    e.seq,
		At:     time.Now(),
	}
}
