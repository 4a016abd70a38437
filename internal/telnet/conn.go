package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

const (
	// writeWait is the time allowed to flush a write to the peer.
	writeWait = 10 * time.Second

	// defaultDialTimeout bounds Dial when the context has no deadline.
	defaultDialTimeout = 15 * time.Second

	readChunk = 4096
)

// Config controls connection behavior. Zero values select the defaults.
type Config struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration // interval for telnet NOP keepalives, 0 disables
	TermType    string        // reported terminal type, default "ANSI"
	Width       int           // NAWS width, default 80
	Height      int           // NAWS height, default 25
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.TermType == "" {
		c.TermType = "ANSI"
	}
	if c.Width <= 0 {
		c.Width = domain.ScreenCols
	}
	if c.Height <= 0 {
		c.Height = domain.ScreenRows
	}
	return c
}

// decode states for the IAC machine. The state lives on the conn so a
// sequence split across reads is resumed, not dropped.
type decodeState int

const (
	stData decodeState = iota
	stIAC              // saw IAC
	stCmd              // saw IAC + WILL/WONT/DO/DONT, awaiting option
	stSB               // inside subnegotiation
	stSBIAC            // saw IAC inside subnegotiation
)

// optPair tracks negotiated option state on both sides, used to suppress
// duplicate acknowledgements that would otherwise ping-pong.
type optPair struct {
	local  bool // we WILL
	remote bool // they WILL
}

// Conn is a telnet client connection. Read returns application bytes with
// IAC sequences stripped and answered; Write escapes IAC. Conn implements
// io.ReadWriteCloser. Read and Write may be used from different goroutines,
// but at most one reader and one writer at a time.
type Conn struct {
	raw    net.Conn
	br     *bufio.Reader
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	// decoder state, touched only by the reading goroutine
	st       decodeState
	cmd      byte
	sbOpt    byte
	sbHasOpt bool
	sbBuf    []byte

	optMu sync.Mutex
	opts  map[byte]*optPair

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ io.ReadWriteCloser = (*Conn)(nil)

// Dial connects to a telnet server. The context bounds the dial only;
// use Close to tear down the connection afterwards.
func Dial(ctx context.Context, addr string, cfg Config, logger *slog.Logger) (*Conn, error) {
	cfg = cfg.withDefaults()

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telnet: dial %s: %w", addr, err)
	}

	c := newConn(raw, cfg, logger)
	if cfg.KeepAlive > 0 {
		go c.keepAliveLoop(cfg.KeepAlive)
	}
	return c, nil
}

// NewConn wraps an established net.Conn with the telnet codec. Used by
// tests and by anything that already holds a socket.
func NewConn(raw net.Conn, cfg Config, logger *slog.Logger) *Conn {
	return newConn(raw, cfg.withDefaults(), logger)
}

func newConn(raw net.Conn, cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		raw:    raw,
		br:     bufio.NewReaderSize(raw, readChunk),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "telnet")),
		opts:   make(map[byte]*optPair),
		done:   make(chan struct{}),
	}
}

// Addr returns the remote address.
func (c *Conn) Addr() string {
	return c.raw.RemoteAddr().String()
}

// Read fills p with decoded application bytes. Telnet negotiation is
// consumed and answered transparently; Read blocks until at least one
// application byte arrives or the connection fails.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		select {
		case <-c.done:
			return 0, domain.ErrConnClosed
		default:
		}

		chunk := make([]byte, min(len(p), readChunk))
		n, err := c.br.Read(chunk)
		if n > 0 {
			out := c.decode(chunk[:n], p[:0])
			if len(out) > 0 {
				return len(out), nil
			}
		}
		if err != nil {
			return 0, c.readErr(err)
		}
	}
}

// readErr maps transport errors to the domain sentinel once closed.
func (c *Conn) readErr(err error) error {
	select {
	case <-c.done:
		return domain.ErrConnClosed
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("telnet: %w", domain.ErrConnClosed)
	}
	return fmt.Errorf("telnet: read: %w", err)
}

// decode runs the IAC state machine over in, appending application bytes
// to out and answering negotiations inline.
func (c *Conn) decode(in, out []byte) []byte {
	for _, b := range in {
		switch c.st {
		case stData:
			if b == cmdIAC {
				c.st = stIAC
				continue
			}
			out = append(out, b)

		case stIAC:
			switch b {
			case cmdIAC:
				// escaped 0xFF data byte
				out = append(out, b)
				c.st = stData
			case cmdWILL, cmdWONT, cmdDO, cmdDONT:
				c.cmd = b
				c.st = stCmd
			case cmdSB:
				c.sbOpt = 0
				c.sbHasOpt = false
				c.sbBuf = c.sbBuf[:0]
				c.st = stSB
			case cmdNOP:
				c.st = stData
			default:
				// GA, AYT and friends carry no payload
				c.st = stData
			}

		case stCmd:
			c.negotiate(c.cmd, b)
			c.st = stData

		case stSB:
			if b == cmdIAC {
				c.st = stSBIAC
				continue
			}
			c.sbCollect(b)

		case stSBIAC:
			switch b {
			case cmdIAC:
				c.sbCollect(cmdIAC)
				c.st = stSB
			case cmdSE:
				c.subnegotiate()
				c.st = stData
			default:
				// malformed subnegotiation, drop and resync
				c.st = stData
			}
		}
	}
	return out
}

func (c *Conn) sbCollect(b byte) {
	if !c.sbHasOpt {
		c.sbOpt = b
		c.sbHasOpt = true
		return
	}
	if len(c.sbBuf) < 256 {
		c.sbBuf = append(c.sbBuf, b)
	}
}

// negotiate answers a WILL/WONT/DO/DONT per the option tables, suppressing
// acknowledgements that would not change state.
func (c *Conn) negotiate(cmd, opt byte) {
	c.optMu.Lock()
	st, ok := c.opts[opt]
	if !ok {
		st = &optPair{}
		c.opts[opt] = st
	}

	var reply byte
	var nawsAfter bool

	switch cmd {
	case cmdDO:
		if acceptLocal(opt) {
			if !st.local {
				st.local = true
				reply = cmdWILL
				nawsAfter = opt == optNAWS
			}
		} else {
			reply = cmdWONT
		}
	case cmdDONT:
		if st.local {
			st.local = false
			reply = cmdWONT
		}
	case cmdWILL:
		if acceptRemote(opt) {
			if !st.remote {
				st.remote = true
				reply = cmdDO
			}
		} else {
			reply = cmdDONT
		}
	case cmdWONT:
		if st.remote {
			st.remote = false
			reply = cmdDONT
		}
	}
	c.optMu.Unlock()

	if reply != 0 {
		c.logger.Debug("negotiate",
			slog.String("recv", cmdName(cmd)),
			slog.Int("opt", int(opt)),
			slog.String("send", cmdName(reply)))
		c.writeRaw([]byte{cmdIAC, reply, opt})
	}
	if nawsAfter {
		c.sendNAWS()
	}
}

// subnegotiate handles a completed IAC SB ... IAC SE block.
func (c *Conn) subnegotiate() {
	switch c.sbOpt {
	case optTerminalType:
		if len(c.sbBuf) >= 1 && c.sbBuf[0] == ttypeSEND {
			c.sendTermType()
		}
	}
}

func (c *Conn) sendTermType() {
	buf := []byte{cmdIAC, cmdSB, optTerminalType, ttypeIS}
	buf = append(buf, []byte(c.cfg.TermType)...)
	buf = append(buf, cmdIAC, cmdSE)
	c.writeRaw(buf)
}

func (c *Conn) sendNAWS() error {
	c.optMu.Lock()
	w, h := c.cfg.Width, c.cfg.Height
	c.optMu.Unlock()
	buf := []byte{
		cmdIAC, cmdSB, optNAWS,
		byte(w >> 8), byte(w), byte(h >> 8), byte(h),
		cmdIAC, cmdSE,
	}
	return c.writeRaw(buf)
}

// SetSize updates the advertised window dimensions and, when NAWS has
// been negotiated, pushes the new size to the peer immediately.
func (c *Conn) SetSize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("telnet: bad window size %dx%d", cols, rows)
	}
	c.optMu.Lock()
	c.cfg.Width, c.cfg.Height = cols, rows
	st := c.opts[optNAWS]
	active := st != nil && st.local
	c.optMu.Unlock()

	if !active {
		return nil
	}
	return c.sendNAWS()
}

// Write sends application bytes, doubling any 0xFF so the peer does not
// read them as IAC.
func (c *Conn) Write(p []byte) (int, error) {
	escaped := make([]byte, 0, len(p)+4)
	for _, b := range p {
		if b == cmdIAC {
			escaped = append(escaped, cmdIAC, cmdIAC)
			continue
		}
		escaped = append(escaped, b)
	}
	if err := c.writeRaw(escaped); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendLine sends text followed by CRLF, the telnet end-of-line.
func (c *Conn) SendLine(s string) error {
	buf := make([]byte, 0, len(s)+2)
	buf = append(buf, []byte(s)...)
	buf = append(buf, '\r', '\n')
	_, err := c.Write(buf)
	return err
}

// writeRaw sends bytes without escaping. Serialized so negotiation replies
// from the read path never interleave with application writes.
func (c *Conn) writeRaw(p []byte) error {
	select {
	case <-c.done:
		return domain.ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.raw.Write(p); err != nil {
		return fmt.Errorf("telnet: write: %w", err)
	}
	return nil
}

// keepAliveLoop sends a telnet NOP at the configured interval so idle
// game screens do not trip server-side timeouts.
func (c *Conn) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeRaw([]byte{cmdIAC, cmdNOP}); err != nil {
				return
			}
		}
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}
