package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/rules"
	"github.com/telewarp/bbsbot/internal/telnet"
	"github.com/telewarp/bbsbot/internal/term"
)

// ManagerConfig tunes the session registry.
type ManagerConfig struct {
	// LogDir is the root for per-bot JSONL session logs. Empty disables
	// logging.
	LogDir string
	// MaxPerHost caps concurrent sessions against one BBS host. Zero
	// means 4, matching the polite-client limit most boards enforce.
	MaxPerHost int
	// Idle is the settle window handed to each detector.
	Idle time.Duration
	// ReadTimeout is the per-Read ceiling handed to each session.
	ReadTimeout time.Duration
	// KeepAlive and KeepAliveKeys arm the idle nudge on each new session:
	// keys sent after KeepAlive of silence. Either zero disables it.
	KeepAlive     time.Duration
	KeepAliveKeys string
	// Dial overrides transport construction, for tests.
	Dial func(ctx context.Context, addr string) (Transport, error)
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = 4
	}
	if c.Idle <= 0 {
		c.Idle = rules.DefaultIdle
	}
	return c
}

// OpenSpec describes one session to establish.
type OpenSpec struct {
	ID        string // generated when empty
	BotID     string
	Host      string
	Port      int
	RulesFile string // overlay on the built-in rules, empty for defaults
	NoLog     bool
}

// Manager owns every live session: it dials, registers, enforces
// per-host caps, and reaps sessions whose transport died.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	hosts    map[string]int
	closed   bool
}

// NewManager builds an empty registry.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "session_manager")),
		sessions: make(map[string]*Session),
		hosts:    make(map[string]int),
	}
}

// Open dials the host, assembles the session stack, and registers it.
// A host already at its cap fails with ErrSessionBusy before dialing.
func (m *Manager) Open(ctx context.Context, spec OpenSpec) (*Session, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	addr := fmt.Sprintf("%s:%d", spec.Host, spec.Port)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: manager closed: %w", domain.ErrConnClosed)
	}
	if _, ok := m.sessions[spec.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: open %s: %w", spec.ID, domain.ErrAlreadyExists)
	}
	if m.hosts[spec.Host] >= m.cfg.MaxPerHost {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: host %s at capacity: %w", spec.Host, domain.ErrSessionBusy)
	}
	// reserve the slot before releasing the lock; dialing is slow
	m.hosts[spec.Host]++
	m.mu.Unlock()

	s, err := m.assemble(ctx, spec, addr)
	if err != nil {
		m.mu.Lock()
		m.hosts[spec.Host]--
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[spec.ID] = s
	m.mu.Unlock()

	go m.reap(s, spec.Host)

	m.logger.Info("session opened",
		slog.String("session_id", spec.ID),
		slog.String("bot_id", spec.BotID),
		slog.String("addr", addr))
	return s, nil
}

func (m *Manager) assemble(ctx context.Context, spec OpenSpec, addr string) (*Session, error) {
	set, err := rules.Load(spec.RulesFile)
	if err != nil {
		return nil, err
	}

	dial := m.cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (Transport, error) {
			return telnet.Dial(ctx, addr, telnet.Config{}, m.logger)
		}
	}
	tr, err := dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}

	var log *Logger
	if m.cfg.LogDir != "" && !spec.NoLog {
		log, err = NewLogger(m.cfg.LogDir, spec.BotID, spec.ID)
		if err != nil {
			tr.Close()
			return nil, err
		}
	}

	emu := term.New(m.logger)
	det := rules.NewDetector(set, m.cfg.Idle)
	s := New(spec.ID, spec.BotID, tr, emu, det, log, Config{ReadTimeout: m.cfg.ReadTimeout}, m.logger)
	s.SetKeepAlive(m.cfg.KeepAlive, m.cfg.KeepAliveKeys)
	return s, nil
}

// reap waits for the session to die and drops its registration.
func (m *Manager) reap(s *Session, host string) {
	<-s.Done()

	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; ok {
		delete(m.sessions, s.ID)
		if m.hosts[host] > 0 {
			m.hosts[host]--
		}
		if m.hosts[host] == 0 {
			delete(m.hosts, host)
		}
	}
	m.mu.Unlock()

	s.Close()
	m.logger.Info("session reaped", slog.String("session_id", s.ID))
}

// Get returns a registered session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// List returns live sessions ordered by ID.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HostLoad reports open sessions per host.
func (m *Manager) HostLoad() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.hosts))
	for h, n := range m.hosts {
		out[h] = n
	}
	return out
}

// Close tears down one session. The reaper removes the registration.
func (m *Manager) Close(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Close()
}

// CloseAll tears down every session and refuses further opens.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
