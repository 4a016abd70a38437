package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/rules"
)

const (
	// defaultReadTimeout bounds a single Read when the caller's context
	// carries no deadline.
	defaultReadTimeout = 45 * time.Second

	// wakePoll is the fallback re-check interval while waiting for a
	// screen to settle.
	wakePoll = 100 * time.Millisecond
)

// Transport is the byte pipe a session drives. *telnet.Conn satisfies it;
// tests substitute scripted fakes.
type Transport interface {
	io.ReadWriteCloser
	SendLine(string) error
	Addr() string
}

// Emulator is the screen model a session feeds.
type Emulator interface {
	Feed(p []byte)
	Snapshot() domain.Screen
	Reset()
	SetSize(cols, rows int)
}

// Session binds one transport to one emulator, detector, and event log.
// Read and Send are single-flight: a second concurrent Read (or Send)
// fails immediately with ErrSessionBusy rather than queueing.
type Session struct {
	ID    string
	BotID string

	tr     Transport
	emu    Emulator
	det    *rules.Detector
	log    *Logger
	logger *slog.Logger

	readTimeout time.Duration

	mu       sync.Mutex
	lastByte time.Time
	lastSend time.Time
	newBytes int

	kaMu   sync.Mutex
	kaStop chan struct{}

	readBusy atomic.Bool
	sendBusy atomic.Bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	errOnce   sync.Once
	err       error
}

// Config tunes a session.
type Config struct {
	ReadTimeout time.Duration
}

// New assembles a session over an established transport and starts the
// receive pump. The logger may be nil when no on-disk log is wanted.
func New(id, botID string, tr Transport, emu Emulator, det *rules.Detector, log *Logger, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	s := &Session{
		ID:          id,
		BotID:       botID,
		tr:          tr,
		emu:         emu,
		det:         det,
		log:         log,
		logger:      logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		readTimeout: cfg.ReadTimeout,
		lastByte:    time.Now(),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go s.pump()
	return s
}

// pump moves transport bytes into the emulator until the transport fails.
func (s *Session) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.tr.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.emu.Feed(buf[:n])
			s.lastByte = time.Now()
			s.newBytes += n
			s.mu.Unlock()

			if s.log != nil {
				s.log.RX(buf[:n])
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Err returns the terminal error once the session has died, else nil.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Done is closed when the transport is gone.
func (s *Session) Done() <-chan struct{} { return s.done }

// Screen returns the current snapshot without waiting for settle.
func (s *Session) Screen() domain.Screen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Snapshot()
}

// SetSize changes the emulated screen geometry and, when the transport
// supports window-size negotiation, re-advertises the new dimensions to
// the peer. The processed-screen marker is cleared so the resized screen
// settles again.
func (s *Session) SetSize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("session: bad screen size %dx%d", cols, rows)
	}
	s.mu.Lock()
	s.emu.SetSize(cols, rows)
	s.mu.Unlock()
	s.det.ClearProcessed()

	if s.log != nil {
		s.log.Note("resize", map[string]any{"cols": cols, "rows": rows})
	}
	if tr, ok := s.tr.(interface{ SetSize(cols, rows int) error }); ok {
		return tr.SetSize(cols, rows)
	}
	return nil
}

// MatchAll evaluates every rule against the current screen, settled or
// not. Used by the runtime for co-match context, never for turn gating.
func (s *Session) MatchAll() []*domain.PromptHit {
	return s.det.Rules().MatchAll(s.Screen())
}

// Read waits for the screen to settle and returns the snapshot plus any
// prompt hit. A screen whose hash was already processed does not settle
// again until a send clears it. Read honors the context deadline, falling
// back to the session read timeout, and fails with ErrPromptTimeout when
// neither produces a settled screen in time.
func (s *Session) Read(ctx context.Context) (domain.ScreenUpdate, error) {
	if !s.readBusy.CompareAndSwap(false, true) {
		return domain.ScreenUpdate{}, fmt.Errorf("session: read: %w", domain.ErrSessionBusy)
	}
	defer s.readBusy.Store(false)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.readTimeout)
		defer cancel()
	}

	for {
		s.mu.Lock()
		screen := s.emu.Snapshot()
		lastByte := s.lastByte
		pending := s.newBytes
		s.mu.Unlock()

		now := time.Now()
		if s.det.Settled(screen, lastByte, now) && !s.det.AlreadyProcessed(screen.Hash) {
			hit, err := s.det.Detect(screen)
			if err != nil {
				return domain.ScreenUpdate{Screen: screen}, fmt.Errorf("session: %w", err)
			}

			s.mu.Lock()
			s.newBytes = 0
			s.mu.Unlock()

			if s.log != nil {
				s.log.Screen(screen)
				if hit != nil {
					s.log.Prompt(hit)
				}
			}

			return domain.ScreenUpdate{
				Screen:   screen,
				Prompt:   hit,
				NewBytes: pending,
				Idle:     now.Sub(lastByte) >= s.det.Idle(),
			}, nil
		}

		wait := wakePoll
		if until := s.det.Idle() - now.Sub(lastByte); until > 0 && until < wait {
			wait = until
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return domain.ScreenUpdate{Screen: screen}, fmt.Errorf("session: %w", domain.ErrPromptTimeout)
			}
			return domain.ScreenUpdate{Screen: screen}, fmt.Errorf("session: %w: %w", domain.ErrContextDone, ctx.Err())
		case <-s.done:
			timer.Stop()
			return domain.ScreenUpdate{Screen: screen}, fmt.Errorf("session: %w", domain.ErrConnClosed)
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Send transmits raw text, no line ending. Single keypresses drive most
// of the game, so this is the common path.
func (s *Session) Send(ctx context.Context, text string) error {
	return s.send(ctx, text, false)
}

// SendLine transmits text terminated with CRLF.
func (s *Session) SendLine(ctx context.Context, text string) error {
	return s.send(ctx, text, true)
}

func (s *Session) send(ctx context.Context, text string, line bool) error {
	if !s.sendBusy.CompareAndSwap(false, true) {
		return fmt.Errorf("session: send: %w", domain.ErrSessionBusy)
	}
	defer s.sendBusy.Store(false)

	select {
	case <-ctx.Done():
		return fmt.Errorf("session: %w: %w", domain.ErrContextDone, ctx.Err())
	case <-s.done:
		return fmt.Errorf("session: %w", domain.ErrConnClosed)
	default:
	}

	var err error
	if line {
		err = s.tr.SendLine(text)
	} else {
		_, err = s.tr.Write([]byte(text))
	}
	if err != nil {
		return fmt.Errorf("session: send: %w", err)
	}

	// what the screen meant before this send no longer holds
	s.det.ClearProcessed()

	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()

	if s.log != nil {
		raw := []byte(text)
		logged := text
		if line {
			raw = append(raw, '\r', '\n')
		}
		s.log.TX(raw, logged)
	}
	return nil
}

// SetKeepAlive arranges for keys to be sent whenever no byte has moved in
// either direction for interval. A zero interval (or empty keys) disables
// the nudge. Calling again replaces the previous setting.
func (s *Session) SetKeepAlive(interval time.Duration, keys string) {
	s.kaMu.Lock()
	defer s.kaMu.Unlock()

	if s.kaStop != nil {
		close(s.kaStop)
		s.kaStop = nil
	}
	if interval <= 0 || keys == "" {
		return
	}
	stop := make(chan struct{})
	s.kaStop = stop
	go s.keepAliveLoop(interval, keys, stop)
}

// keepAliveLoop fires keys at idle sessions. A send that loses to a
// concurrent caller is simply skipped; the session was not idle.
func (s *Session) keepAliveLoop(interval time.Duration, keys string, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			last := s.lastByte
			if s.lastSend.After(last) {
				last = s.lastSend
			}
			s.mu.Unlock()
			if time.Since(last) < interval {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Send(ctx, keys); err == nil {
				s.LogNote("keepalive", map[string]any{"keys": keys})
			}
			cancel()
		}
	}
}

// WaitFor reads until a prompt with the given rule name or kind arrives.
// Non-matching settled screens are consumed and skipped.
func (s *Session) WaitFor(ctx context.Context, want string, timeout time.Duration) (domain.ScreenUpdate, error) {
	if timeout <= 0 {
		timeout = s.readTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		upd, err := s.Read(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrContextDone) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return upd, fmt.Errorf("session: wait %q: %w", want, domain.ErrPromptTimeout)
			}
			return upd, err
		}
		if upd.Prompt != nil && (upd.Prompt.Rule == want || upd.Prompt.Kind == want) {
			return upd, nil
		}
	}
}

// ReadUntil reads settled screens until one contains a line matching the
// pattern. Non-matching screens are consumed and skipped, like WaitFor.
func (s *Session) ReadUntil(ctx context.Context, pattern string, timeout time.Duration) (domain.ScreenUpdate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return domain.ScreenUpdate{}, fmt.Errorf("session: read until: %w", err)
	}
	if timeout <= 0 {
		timeout = s.readTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		upd, err := s.Read(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrContextDone) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return upd, fmt.Errorf("session: read until %q: %w", pattern, domain.ErrPromptTimeout)
			}
			return upd, err
		}
		for _, line := range upd.Screen.Lines {
			if re.MatchString(line) {
				return upd, nil
			}
		}
	}
}

// LogAction mirrors a decision into the session log.
func (s *Session) LogAction(name string, data map[string]any) {
	if s.log != nil {
		s.log.Action(name, data)
	}
}

// LogNote mirrors context into the session log.
func (s *Session) LogNote(msg string, data map[string]any) {
	if s.log != nil {
		s.log.Note(msg, data)
	}
}

// LogPath returns the JSONL file path, "" without a logger.
func (s *Session) LogPath() string {
	if s.log == nil {
		return ""
	}
	return s.log.Path()
}

// Close tears down the transport and flushes the log. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.tr.Close()
		s.fail(domain.ErrConnClosed)
		if s.log != nil {
			if cerr := s.log.Close(); err == nil {
				err = cerr
			}
		}
		s.logger.Info("session closed", slog.String("bot_id", s.BotID))
	})
	return err
}
