package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/telewarp/bbsbot/internal/accounts"
	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/notify"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// Config tunes the manager.
type Config struct {
	MaxBots             int
	StateFile           string // "" disables persistence
	LogDir              string // per-worker log files; "" discards worker output
	ManagerURL          string // uplink URL advertised to workers
	UplinkToken         string
	HealthCheckInterval time.Duration
	StatusInterval      time.Duration
	PersistInterval     time.Duration
	BotTimeout          time.Duration // no status within this marks a worker blocked
	DrainTimeout        time.Duration // grace between a drain request and the kill
	RestartMax          int
	RestartBase         time.Duration
	RestartCap          time.Duration
	RestartOnDisconnect bool
	GroupSize           int           // batch spawn group size
	GroupDelay          time.Duration // pause between spawn groups
	ArchiveCron         string        // cron spec for log archiving, "" disables
}

// DefaultConfig returns the stock supervision policy.
func DefaultConfig() Config {
	return Config{
		MaxBots:             20,
		HealthCheckInterval: 10 * time.Second,
		StatusInterval:      5 * time.Second,
		PersistInterval:     10 * time.Second,
		BotTimeout:          60 * time.Second,
		DrainTimeout:        30 * time.Second,
		RestartMax:          3,
		RestartBase:         2 * time.Second,
		RestartCap:          2 * time.Minute,
		GroupSize:           5,
		GroupDelay:          5 * time.Second,
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxBots <= 0 {
		cfg.MaxBots = def.MaxBots
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}
	if cfg.BotTimeout <= 0 {
		cfg.BotTimeout = def.BotTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.RestartMax <= 0 {
		cfg.RestartMax = def.RestartMax
	}
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = def.RestartBase
	}
	if cfg.RestartCap <= 0 {
		cfg.RestartCap = def.RestartCap
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = def.GroupSize
	}
	if cfg.GroupDelay <= 0 {
		cfg.GroupDelay = def.GroupDelay
	}
	return cfg
}

// EventSink receives manager and forwarded worker events. *bus.Bus
// satisfies it.
type EventSink interface {
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// Archiver uploads closed session logs to blob storage.
// *s3.LogArchiver satisfies it.
type Archiver interface {
	ArchiveClosedLogs(ctx context.Context) (uploaded, pruned int, err error)
}

// Deps are the manager's collaborators. Pool is required; everything
// else degrades gracefully when nil.
type Deps struct {
	Pool      *accounts.Pool
	Launcher  Launcher
	Telemetry *telemetry.Store
	Events    EventSink
	Notifier  *notify.Notifier
	Archiver  Archiver
	Logger    *slog.Logger
}

// exitMsg travels from a process reaper to the run loop.
type exitMsg struct {
	id  string
	err error
}

// BatchPlan is the immediate answer to a batch spawn request; spawning
// proceeds in the background, group by group.
type BatchPlan struct {
	TotalBots        int     `json:"total_bots"`
	TotalGroups      int     `json:"total_groups"`
	EstimatedSeconds float64 `json:"estimated_time_seconds"`
}

// ScalePlan summarizes a reconcile toward a target fleet size.
type ScalePlan struct {
	Target  int `json:"target"`
	Live    int `json:"live"`
	Spawned int `json:"spawned"`
	Stopped int `json:"stopped"`
}

// Manager supervises the fleet: one registry of BotRecords, one uplink,
// one run loop that owns health checks, restarts, broadcasts, and
// persistence.
type Manager struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	uplink   *Uplink
	launcher Launcher
	cron     *cron.Cron

	mu        sync.Mutex
	recs      map[string]*BotRecord
	order     []string
	procs     map[string]Proc
	leases    map[string]string // bot id -> account lease token
	template  *domain.BotSpec
	seq       int
	startedAt time.Time
	dirty     bool

	statusFeed *feed[StatusSnapshot]
	eventFeed  *feed[domain.Event]
	termFeed   *feed[TermFrame]

	stop     chan struct{}
	stopOnce sync.Once
	exits    chan exitMsg
	reapWG   sync.WaitGroup

	now func() time.Time
}

// NewManager builds a manager and adopts any previous state file. The
// adopted records are historical: live entries from a dead manager come
// back as disconnected and are never resurrected, though a surviving
// worker that re-dials the uplink is adopted back to running.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Pool == nil {
		return nil, fmt.Errorf("swarm: account pool is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = normalize(cfg)

	launcher := deps.Launcher
	if launcher == nil {
		l, err := NewExecLauncher()
		if err != nil {
			return nil, err
		}
		launcher = l
	}

	m := &Manager{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger,
		launcher:   launcher,
		recs:       make(map[string]*BotRecord),
		procs:      make(map[string]Proc),
		leases:     make(map[string]string),
		startedAt:  time.Now(),
		statusFeed: newFeed[StatusSnapshot](),
		eventFeed:  newFeed[domain.Event](),
		termFeed:   newFeed[TermFrame](),
		stop:       make(chan struct{}),
		exits:      make(chan exitMsg, 16),
		now:        time.Now,
	}
	m.uplink = newUplink(cfg.UplinkToken, m, m.logger)

	if cfg.ArchiveCron != "" && deps.Archiver != nil {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(cfg.ArchiveCron, m.runArchive); err != nil {
			return nil, fmt.Errorf("swarm: archive cron %q: %w", cfg.ArchiveCron, err)
		}
	}

	if cfg.StateFile != "" {
		st, err := loadState(cfg.StateFile)
		if err != nil {
			m.logger.Warn("swarm: state file unreadable, starting fresh",
				slog.String("path", cfg.StateFile),
				slog.String("error", err.Error()),
			)
		} else {
			for _, rec := range adoptState(st, m.now()) {
				m.recs[rec.ID] = rec
				m.order = append(m.order, rec.ID)
			}
			if n := len(st.Bots); n > 0 {
				m.logger.Info("swarm: adopted previous state",
					slog.Int("bots", n),
					slog.String("path", cfg.StateFile),
				)
			}
		}
	}

	return m, nil
}

// UplinkHandler serves the worker WebSocket endpoint; the HTTP server
// mounts it.
func (m *Manager) UplinkHandler() http.HandlerFunc { return m.uplink.Handler() }

// Pool exposes the account pool for status APIs.
func (m *Manager) Pool() *accounts.Pool { return m.deps.Pool }

// Telemetry exposes the fleet telemetry store, nil when not configured.
func (m *Manager) Telemetry() *telemetry.Store { return m.deps.Telemetry }

// LogPath returns where a bot's worker log lands, "" when logging is off.
func (m *Manager) LogPath(id string) string {
	if m.cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(m.cfg.LogDir, id+".log")
}

// Run drives supervision until the context ends or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("swarm: manager running",
		slog.Int("max_bots", m.cfg.MaxBots),
		slog.String("state_file", m.cfg.StateFile),
	)
	if m.cron != nil {
		m.cron.Start()
	}

	health := time.NewTicker(m.cfg.HealthCheckInterval)
	status := time.NewTicker(m.cfg.StatusInterval)
	persist := time.NewTicker(m.cfg.PersistInterval)
	defer health.Stop()
	defer status.Stop()
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.shutdown(ctx.Err())
		case <-m.stop:
			return m.shutdown(nil)
		case msg := <-m.exits:
			m.finalizeExit(msg)
		case <-health.C:
			m.healthCheck()
			m.fireDueRestarts()
			if reaped := m.deps.Pool.ReapExpired(); len(reaped) > 0 {
				m.logger.Warn("swarm: reaped expired account leases",
					slog.String("bots", strings.Join(reaped, ",")),
				)
			}
		case <-status.C:
			m.broadcastStatus(ctx)
		case <-persist.C:
			m.persistIfDirty()
		}
	}
}

// Stop ends Run from outside.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// shutdown kills every live worker, waits for the reapers, flushes state
// and tears the uplink down.
func (m *Manager) shutdown(cause error) error {
	m.Stop()
	if m.cron != nil {
		m.cron.Stop()
	}

	m.mu.Lock()
	for id, proc := range m.procs {
		if rec := m.recs[id]; rec != nil {
			rec.stopRequested = true
			rec.restartAfter = false
			if rec.ExitReason == "" {
				rec.ExitReason = "manager shutdown"
			}
		}
		proc.Kill()
	}
	n := len(m.procs)
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info("swarm: killing workers for shutdown", slog.Int("count", n))
	}
	m.reapWG.Wait()
	// Reapers racing the stop signal may have buffered their exits
	// instead of finalizing inline; classify the stragglers now.
drain:
	for {
		select {
		case msg := <-m.exits:
			m.finalizeExit(msg)
		default:
			break drain
		}
	}
	m.uplink.closeAll()
	m.persistNow()
	m.logger.Info("swarm: manager stopped")
	return cause
}

// Spawn starts one bot. An empty spec ID gets a minted one. The spawn
// fails user-visibly when no account can be leased.
func (m *Manager) Spawn(ctx context.Context, spec domain.BotSpec) (string, error) {
	now := m.now()

	m.mu.Lock()
	if m.liveCountLocked() >= m.cfg.MaxBots {
		m.mu.Unlock()
		return "", fmt.Errorf("swarm: fleet is full (%d bots)", m.cfg.MaxBots)
	}
	if spec.ID == "" {
		spec.ID = m.mintIDLocked()
	}
	if rec, ok := m.recs[spec.ID]; ok {
		if rec.State.Live() {
			m.mu.Unlock()
			return "", fmt.Errorf("swarm: bot %s: %w", spec.ID, domain.ErrAlreadyExists)
		}
		rec.Spec = spec
		rec.rearm(now)
		rec.Restarts = 0
	} else {
		rec := &BotRecord{
			ID:         spec.ID,
			Spec:       spec,
			State:      StateQueued,
			SpawnedAt:  now,
			LastUpdate: now,
		}
		m.recs[spec.ID] = rec
		m.order = append(m.order, spec.ID)
	}
	tpl := spec
	m.template = &tpl
	m.mu.Unlock()

	m.persistNow()
	if err := m.launch(ctx, spec.ID); err != nil {
		return spec.ID, err
	}
	m.publish(ctx, domain.EventSwarm, spec.ID, map[string]any{
		"action": "spawn",
		"host":   spec.Host,
	})
	return spec.ID, nil
}

// SpawnBatch plans a grouped launch and runs it in the background so a
// big fleet does not thundering-herd the game host.
func (m *Manager) SpawnBatch(ctx context.Context, specs []domain.BotSpec, groupSize int, groupDelay time.Duration) (BatchPlan, error) {
	if len(specs) == 0 {
		return BatchPlan{}, fmt.Errorf("swarm: batch spawn with no specs")
	}
	if groupSize <= 0 {
		groupSize = m.cfg.GroupSize
	}
	if groupDelay <= 0 {
		groupDelay = m.cfg.GroupDelay
	}

	groups := (len(specs) + groupSize - 1) / groupSize
	plan := BatchPlan{
		TotalBots:        len(specs),
		TotalGroups:      groups,
		EstimatedSeconds: (time.Duration(groups-1) * groupDelay).Seconds(),
	}

	go m.spawnGroups(specs, groupSize, groupDelay)
	return plan, nil
}

func (m *Manager) spawnGroups(specs []domain.BotSpec, groupSize int, groupDelay time.Duration) {
	ctx := context.Background()
	for start := 0; start < len(specs); start += groupSize {
		end := start + groupSize
		if end > len(specs) {
			end = len(specs)
		}
		for _, spec := range specs[start:end] {
			if _, err := m.Spawn(ctx, spec); err != nil {
				m.logger.Error("swarm: batch spawn failed",
					slog.String("bot_id", spec.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if end < len(specs) {
			select {
			case <-m.stop:
				return
			case <-time.After(groupDelay):
			}
		}
	}
}

// launch leases an account and starts the worker process for an
// existing queued record.
func (m *Manager) launch(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.recs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("swarm: bot %s: %w", id, domain.ErrBotNotFound)
	}
	spec := rec.Spec
	m.mu.Unlock()

	lease, err := m.deps.Pool.Lease(ctx, id, accounts.Constraints{Host: spec.Host})
	if err != nil {
		m.failSpawn(ctx, id, "account", fmt.Sprintf("no account available: %v", err))
		return fmt.Errorf("swarm: bot %s: %w", id, err)
	}

	ls := LaunchSpec{
		BotID:      id,
		Spec:       spec,
		Account:    lease.Account,
		ManagerURL: m.cfg.ManagerURL,
		Token:      m.cfg.UplinkToken,
		LogPath:    m.LogPath(id),
	}
	proc, err := m.launcher.Start(ctx, ls)
	if err != nil {
		if rerr := m.deps.Pool.Release(lease.Token, domain.DispositionOK); rerr != nil {
			m.logger.Warn("swarm: releasing unused lease",
				slog.String("bot_id", id),
				slog.String("error", rerr.Error()),
			)
		}
		m.failSpawn(ctx, id, "supervision", fmt.Sprintf("spawn failed: %v", err))
		return fmt.Errorf("swarm: bot %s: spawn: %w", id, err)
	}

	m.mu.Lock()
	rec.PID = proc.PID()
	rec.Account = lease.Account.Name
	rec.Source = m.accountSourceLocked(lease.Account.Name)
	m.procs[id] = proc
	m.leases[id] = lease.Token
	m.mu.Unlock()
	m.persistNow()

	m.logger.Info("swarm: worker spawned",
		slog.String("bot_id", id),
		slog.Int("pid", proc.PID()),
		slog.String("account", lease.Account.Name),
		slog.String("host", spec.Host),
	)

	m.reapWG.Add(1)
	go m.reap(id, proc)
	return nil
}

// accountSourceLocked looks up where the leased account came from, for
// the dashboard. Callers hold m.mu; the pool has its own lock.
func (m *Manager) accountSourceLocked(name string) string {
	for _, st := range m.deps.Pool.Snapshot() {
		if st.Name == name {
			return string(st.Source)
		}
	}
	return ""
}

// failSpawn marks a record error before the process ever ran.
func (m *Manager) failSpawn(ctx context.Context, id, errType, reason string) {
	now := m.now()
	m.mu.Lock()
	if rec, ok := m.recs[id]; ok {
		rec.ErrorType = errType
		rec.ErrorMsg = reason
		rec.ExitReason = reason
		rec.transition(StateError, now)
	}
	m.mu.Unlock()
	m.persistNow()

	m.logger.Error("swarm: spawn failed",
		slog.String("bot_id", id),
		slog.String("reason", reason),
	)
	m.publish(ctx, domain.EventBotError, id, map[string]any{"error": reason})
	m.notifyEvent(ctx, "bot_error", "Spawn failed: "+id, reason)
}

// reap waits for one worker process and reports its exit. When the run
// loop is already gone the exit is finalized inline so account leases
// still free.
func (m *Manager) reap(id string, proc Proc) {
	defer m.reapWG.Done()
	err := proc.Wait()
	select {
	case m.exits <- exitMsg{id: id, err: err}:
	case <-m.stop:
		m.finalizeExit(exitMsg{id: id, err: err})
	}
}

// finalizeExit classifies a worker exit, releases the account, and
// schedules a restart when the policy says so.
func (m *Manager) finalizeExit(msg exitMsg) {
	code := exitCode(msg.err)
	now := m.now()
	ctx := context.Background()

	m.mu.Lock()
	rec, ok := m.recs[msg.id]
	if !ok {
		// Cleared while running; nothing to record.
		delete(m.procs, msg.id)
		token := m.leases[msg.id]
		delete(m.leases, msg.id)
		m.mu.Unlock()
		m.releaseLease(msg.id, token, domain.DispositionOK)
		return
	}
	delete(m.procs, msg.id)
	token := m.leases[msg.id]
	delete(m.leases, msg.id)

	disp := domain.DispositionOK
	restartAfter := rec.restartAfter
	rec.restartAfter = false
	scheduled := false

	switch {
	case rec.stopRequested:
		if rec.ExitReason == "" {
			rec.ExitReason = "operator stop"
		}
		rec.transition(StateStopped, now)

	case code == 0:
		if rec.ExitReason == "" {
			rec.ExitReason = "session complete"
		}
		rec.transition(StateCompleted, now)

	case code == 2:
		rec.ErrorType = "config"
		if rec.ErrorMsg == "" {
			rec.ErrorMsg = "worker rejected its configuration"
		}
		rec.ExitReason = fmt.Sprintf("exit code %d", code)
		rec.transition(StateError, now)

	case code == 3:
		if rec.ExitReason == "" {
			rec.ExitReason = "game connection lost"
		}
		disp = domain.DispositionSoftFail
		rec.transition(StateDisconnected, now)
		if m.cfg.RestartOnDisconnect && rec.Restarts < m.cfg.RestartMax {
			scheduled = true
		}

	default:
		rec.ErrorType = "supervision"
		if rec.ErrorMsg == "" {
			rec.ErrorMsg = fmt.Sprintf("process exited with code %d", code)
		}
		rec.ExitReason = fmt.Sprintf("exit code %d", code)
		disp = domain.DispositionSoftFail
		if rec.Restarts < m.cfg.RestartMax {
			scheduled = true
		} else {
			rec.ErrorMsg = fmt.Sprintf("max restarts (%d) exceeded: %s", m.cfg.RestartMax, rec.ErrorMsg)
			rec.transition(StateError, now)
		}
	}

	// A worker that died failing the login gets the long cooldown so the
	// pool stops handing the account straight back.
	if strings.Contains(rec.ErrorMsg, "unauthorized") || strings.Contains(rec.ExitReason, "unauthorized") {
		disp = domain.DispositionAuthFail
	}

	if scheduled {
		wait := restartBackoff(rec.Restarts+1, m.cfg.RestartBase, m.cfg.RestartCap)
		rec.restartAt = now.Add(wait)
		rec.transition(StateRecovering, now)
		m.logger.Warn("swarm: worker crashed, restart scheduled",
			slog.String("bot_id", msg.id),
			slog.Int("exit_code", code),
			slog.Int("restarts", rec.Restarts),
			slog.Duration("backoff", wait),
		)
	}

	state := rec.State
	exitReason := rec.ExitReason
	errMsg := rec.ErrorMsg
	m.mu.Unlock()

	m.releaseLease(msg.id, token, disp)
	m.persistNow()

	m.logger.Info("swarm: worker exited",
		slog.String("bot_id", msg.id),
		slog.Int("exit_code", code),
		slog.String("state", string(state)),
		slog.String("exit_reason", exitReason),
	)
	m.publish(ctx, domain.EventSwarm, msg.id, map[string]any{
		"action":      "exit",
		"state":       string(state),
		"exit_code":   code,
		"exit_reason": exitReason,
	})
	if state == StateError {
		m.publish(ctx, domain.EventBotError, msg.id, map[string]any{"error": errMsg})
		m.notifyEvent(ctx, "bot_error", "Bot "+msg.id+" failed", errMsg)
	}

	if restartAfter {
		m.respawn(ctx, msg.id)
	}
}

func (m *Manager) releaseLease(id, token string, disp domain.Disposition) {
	if token == "" {
		return
	}
	if err := m.deps.Pool.Release(token, disp); err != nil {
		m.logger.Warn("swarm: lease release failed",
			slog.String("bot_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// respawn rearms a dead record and launches a fresh process for it.
func (m *Manager) respawn(ctx context.Context, id string) {
	now := m.now()
	m.mu.Lock()
	rec, ok := m.recs[id]
	if !ok || rec.State.Live() {
		m.mu.Unlock()
		return
	}
	rec.rearm(now)
	rec.Restarts++
	restarts := rec.Restarts
	m.mu.Unlock()
	m.persistNow()

	m.logger.Info("swarm: restarting worker",
		slog.String("bot_id", id),
		slog.Int("restarts", restarts),
	)
	if err := m.launch(ctx, id); err != nil {
		m.logger.Error("swarm: restart failed",
			slog.String("bot_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// StopBot stops one bot. With drain the worker gets a stop request and
// finishes its current step; the kill lands only if it overstays the
// drain grace. Without drain the process is killed outright.
func (m *Manager) StopBot(ctx context.Context, id string, drain bool) error {
	m.mu.Lock()
	rec, ok := m.recs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("swarm: bot %s: %w", id, domain.ErrBotNotFound)
	}
	if !rec.State.Live() {
		m.mu.Unlock()
		return fmt.Errorf("swarm: bot %s already %s", id, rec.State)
	}
	rec.stopRequested = true
	rec.restartAt = time.Time{}
	proc := m.procs[id]
	pid := rec.PID
	m.mu.Unlock()

	if drain && m.uplink.Connected(id) {
		reqCtx, cancel := context.WithTimeout(ctx, uplinkWriteWait)
		_, err := m.uplink.Request(reqCtx, id, OpStop, map[string]string{"drain": "true"})
		cancel()
		if err == nil {
			go m.ensureDead(id, pid)
			return nil
		}
		m.logger.Warn("swarm: drain request failed, killing",
			slog.String("bot_id", id),
			slog.String("error", err.Error()),
		)
	}

	if proc != nil {
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("swarm: bot %s: kill: %w", id, err)
		}
		return nil
	}
	// No process handle (adopted orphan): ask over the uplink; the
	// socket dropping finishes the bookkeeping in workerGone.
	if m.uplink.Connected(id) {
		reqCtx, cancel := context.WithTimeout(ctx, uplinkWriteWait)
		_, _ = m.uplink.Request(reqCtx, id, OpStop, map[string]string{"drain": "false"})
		cancel()
		return nil
	}
	now := m.now()
	m.mu.Lock()
	if rec.ExitReason == "" {
		rec.ExitReason = "operator stop"
	}
	rec.transition(StateStopped, now)
	m.mu.Unlock()
	m.persistNow()
	return nil
}

// ensureDead kills a draining worker that overstays the grace period.
func (m *Manager) ensureDead(id string, pid int) {
	select {
	case <-m.stop:
		return
	case <-time.After(m.cfg.DrainTimeout):
	}

	m.mu.Lock()
	rec := m.recs[id]
	proc := m.procs[id]
	stillLive := rec != nil && rec.State.Live() && rec.PID == pid && proc != nil
	m.mu.Unlock()

	if stillLive {
		m.logger.Warn("swarm: drain overstayed, killing", slog.String("bot_id", id))
		proc.Kill()
	}
}

// Restart stops a bot if needed and spawns a fresh process for the same
// record.
func (m *Manager) Restart(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.recs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("swarm: bot %s: %w", id, domain.ErrBotNotFound)
	}
	if rec.State.Live() {
		rec.stopRequested = true
		rec.restartAfter = true
		if rec.ExitReason == "" {
			rec.ExitReason = "operator restart"
		}
		proc := m.procs[id]
		m.mu.Unlock()
		if proc != nil {
			if err := proc.Kill(); err != nil {
				return fmt.Errorf("swarm: bot %s: kill: %w", id, err)
			}
			return nil
		}
		// Orphan without a handle: ask it to stop; its socket dropping
		// fires the respawn. When even the uplink is gone, force it.
		reqCtx, cancel := context.WithTimeout(ctx, uplinkWriteWait)
		_, err := m.uplink.Request(reqCtx, id, OpStop, map[string]string{"drain": "false"})
		cancel()
		if err != nil {
			now := m.now()
			m.mu.Lock()
			rec.restartAfter = false
			rec.transition(StateDisconnected, now)
			m.mu.Unlock()
			m.respawn(ctx, id)
		}
		return nil
	}
	m.mu.Unlock()

	m.respawn(ctx, id)
	return nil
}

// KillAll hard-stops every live bot. Returns how many kills were issued.
func (m *Manager) KillAll(ctx context.Context) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.recs))
	for id, rec := range m.recs {
		if rec.State.Live() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopBot(ctx, id, false); err != nil {
			m.logger.Warn("swarm: kill failed",
				slog.String("bot_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(ids) > 0 {
		m.publish(ctx, domain.EventSwarm, "", map[string]any{
			"action": "kill_all",
			"count":  len(ids),
		})
	}
	return len(ids)
}

// Clear kills everything and drops the registry. Returns the number of
// dropped records.
func (m *Manager) Clear(ctx context.Context) int {
	m.KillAll(ctx)

	m.mu.Lock()
	dropped := len(m.recs)
	m.recs = make(map[string]*BotRecord)
	m.order = nil
	m.mu.Unlock()
	m.persistNow()

	m.publish(ctx, domain.EventSwarm, "", map[string]any{
		"action": "clear",
		"count":  dropped,
	})
	return dropped
}

// Scale reconciles the live fleet toward n bots, cloning the template
// spec upward and draining the newest bots downward.
func (m *Manager) Scale(ctx context.Context, n int) (ScalePlan, error) {
	if n < 0 {
		return ScalePlan{}, fmt.Errorf("swarm: scale target %d", n)
	}
	if n > m.cfg.MaxBots {
		return ScalePlan{}, fmt.Errorf("swarm: scale target %d exceeds max bots %d", n, m.cfg.MaxBots)
	}

	m.mu.Lock()
	var live []string
	for _, id := range m.order {
		if rec := m.recs[id]; rec != nil && rec.State.Live() {
			live = append(live, id)
		}
	}
	tpl := m.template
	m.mu.Unlock()

	plan := ScalePlan{Target: n, Live: len(live)}
	switch {
	case n > len(live):
		if tpl == nil {
			return plan, fmt.Errorf("swarm: no template spec to scale from")
		}
		var specs []domain.BotSpec
		for i := len(live); i < n; i++ {
			spec := *tpl
			spec.ID = ""
			specs = append(specs, spec)
		}
		plan.Spawned = len(specs)
		if _, err := m.SpawnBatch(ctx, specs, m.cfg.GroupSize, m.cfg.GroupDelay); err != nil {
			return plan, err
		}
	case n < len(live):
		// Newest first, so the veterans keep their sessions.
		for i := len(live) - 1; i >= n; i-- {
			if err := m.StopBot(ctx, live[i], true); err != nil {
				m.logger.Warn("swarm: scale-down stop failed",
					slog.String("bot_id", live[i]),
					slog.String("error", err.Error()),
				)
				continue
			}
			plan.Stopped++
		}
	}

	m.publish(ctx, domain.EventSwarm, "", map[string]any{
		"action":  "scale",
		"target":  n,
		"spawned": plan.Spawned,
		"stopped": plan.Stopped,
	})
	return plan, nil
}

// SetTemplate fixes the spec Scale clones. Spawn also refreshes it.
func (m *Manager) SetTemplate(spec domain.BotSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec.ID = ""
	m.template = &spec
}

// Status composes the fleet snapshot.
func (m *Manager) Status() StatusSnapshot {
	m.mu.Lock()
	views := make([]BotView, 0, len(m.order))
	for _, id := range m.order {
		if rec, ok := m.recs[id]; ok {
			views = append(views, rec.View())
		}
	}
	started := m.startedAt
	m.mu.Unlock()
	return buildSnapshot(views, started, m.now())
}

// Bot returns one record's view.
func (m *Manager) Bot(id string) (BotView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return BotView{}, fmt.Errorf("swarm: bot %s: %w", id, domain.ErrBotNotFound)
	}
	return rec.View(), nil
}

// SubscribeStatus taps the periodic fleet snapshots.
func (m *Manager) SubscribeStatus() (<-chan StatusSnapshot, func()) {
	return m.statusFeed.subscribe(4)
}

// SubscribeEvents taps manager and forwarded worker events.
func (m *Manager) SubscribeEvents() (<-chan domain.Event, func()) {
	return m.eventFeed.subscribe(64)
}

// SubscribeTerm taps screen snapshots from every worker; consumers
// filter by bot.
func (m *Manager) SubscribeTerm() (<-chan TermFrame, func()) {
	return m.termFeed.subscribe(64)
}

// liveCountLocked counts records a process is or will be attached to.
func (m *Manager) liveCountLocked() int {
	n := 0
	for _, rec := range m.recs {
		if rec.State.Live() {
			n++
		}
	}
	return n
}

func (m *Manager) mintIDLocked() string {
	for {
		m.seq++
		id := fmt.Sprintf("bot-%d", m.seq)
		if _, taken := m.recs[id]; !taken {
			return id
		}
	}
}

// healthCheck marks silent-but-alive workers blocked and kills workers
// that never registered.
func (m *Manager) healthCheck() {
	now := m.now()
	var blocked []string
	var neverHello []Proc

	m.mu.Lock()
	for id, rec := range m.recs {
		proc := m.procs[id]
		switch rec.State {
		case StateRunning:
			alive := proc != nil || m.uplink.Connected(id)
			if alive && now.Sub(rec.LastUpdate) > m.cfg.BotTimeout {
				if rec.transition(StateBlocked, now) {
					blocked = append(blocked, id)
					m.dirty = true
				}
			}
		case StateQueued:
			if proc != nil && now.Sub(rec.SpawnedAt) > m.cfg.BotTimeout {
				m.logger.Warn("swarm: worker never registered, killing",
					slog.String("bot_id", id),
					slog.Int("pid", rec.PID),
				)
				neverHello = append(neverHello, proc)
			}
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, id := range blocked {
		m.logger.Warn("swarm: worker blocked, no status updates",
			slog.String("bot_id", id),
			slog.Duration("timeout", m.cfg.BotTimeout),
		)
		m.publish(ctx, domain.EventSwarm, id, map[string]any{"action": "blocked"})
		m.notifyEvent(ctx, "swarm_degraded", "Bot "+id+" blocked",
			fmt.Sprintf("no status updates for %s", m.cfg.BotTimeout))
	}
	for _, proc := range neverHello {
		proc.Kill()
	}
}

// fireDueRestarts respawns records whose backoff has elapsed.
func (m *Manager) fireDueRestarts() {
	now := m.now()
	var due []string

	m.mu.Lock()
	for id, rec := range m.recs {
		if rec.State == StateRecovering && !rec.restartAt.IsZero() && !now.Before(rec.restartAt) {
			rec.restartAt = time.Time{}
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, id := range due {
		m.respawn(ctx, id)
	}
}

// broadcastStatus pushes the snapshot to in-process subscribers and a
// trimmed aggregate onto the bus.
func (m *Manager) broadcastStatus(ctx context.Context) {
	snap := m.Status()
	m.statusFeed.publish(snap)
	if m.deps.Events != nil {
		ev := domain.Event{
			ID:   uuid.NewString(),
			Kind: domain.EventSwarm,
			At:   snap.At,
			Data: map[string]any{
				"action":        "status",
				"running":       snap.Running,
				"total_bots":    snap.TotalBots,
				"completed":     snap.Completed,
				"errors":        snap.Errors,
				"total_credits": snap.TotalCredits,
				"total_turns":   snap.TotalTurns,
			},
		}
		if err := m.deps.Events.PublishEvent(ctx, ev); err != nil {
			m.logger.Warn("swarm: status publish failed", slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) persistIfDirty() {
	m.mu.Lock()
	dirty := m.dirty
	m.mu.Unlock()
	if dirty {
		m.persistNow()
	}
}

// persistNow flushes the registry to the state file, best effort.
func (m *Manager) persistNow() {
	if m.cfg.StateFile == "" {
		return
	}
	m.mu.Lock()
	recs := make([]*BotRecord, 0, len(m.order))
	for _, id := range m.order {
		if rec, ok := m.recs[id]; ok {
			snapshot := *rec
			recs = append(recs, &snapshot)
		}
	}
	m.dirty = false
	m.mu.Unlock()

	if err := saveState(m.cfg.StateFile, recs, m.now()); err != nil {
		m.logger.Error("swarm: state persist failed",
			slog.String("path", m.cfg.StateFile),
			slog.String("error", err.Error()),
		)
	}
}

// publish emits a manager event to the in-process feed and the bus.
func (m *Manager) publish(ctx context.Context, kind domain.EventKind, botID string, data map[string]any) {
	ev := domain.Event{
		ID:    uuid.NewString(),
		Kind:  kind,
		BotID: botID,
		At:    m.now(),
		Data:  data,
	}
	m.eventFeed.publish(ev)
	if m.deps.Events != nil {
		if err := m.deps.Events.PublishEvent(ctx, ev); err != nil {
			m.logger.Warn("swarm: event publish failed",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) notifyEvent(ctx context.Context, event, title, message string) {
	if m.deps.Notifier == nil {
		return
	}
	if err := m.deps.Notifier.Notify(ctx, event, title, message); err != nil {
		m.logger.Warn("swarm: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// runArchive is the cron body for log archiving.
func (m *Manager) runArchive() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	uploaded, pruned, err := m.deps.Archiver.ArchiveClosedLogs(ctx)
	if err != nil {
		m.logger.Error("swarm: log archive failed", slog.String("error", err.Error()))
		m.publish(ctx, domain.EventArchive, "", map[string]any{"error": err.Error()})
		m.notifyEvent(ctx, "archive_failed", "Log archive failed", err.Error())
		return
	}
	m.logger.Info("swarm: logs archived",
		slog.Int("uploaded", uploaded),
		slog.Int("pruned", pruned),
	)
	m.publish(ctx, domain.EventArchive, "", map[string]any{
		"uploaded": uploaded,
		"pruned":   pruned,
	})
}
