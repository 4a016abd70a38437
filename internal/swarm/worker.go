package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telewarp/bbsbot/internal/bot"
	"github.com/telewarp/bbsbot/internal/bus"
	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
	"github.com/telewarp/bbsbot/internal/goals"
	"github.com/telewarp/bbsbot/internal/rules"
	"github.com/telewarp/bbsbot/internal/telemetry"
)

// WorkerConfig tunes the worker's side of the uplink.
type WorkerConfig struct {
	BotID      string
	SessionID  string
	ManagerURL string // ws:// or wss:// uplink endpoint
	Token      string
	Account    string // account name for the hello, never credentials
	Version    string

	StatusInterval time.Duration // self-report cadence
	TermInterval   time.Duration // screen poll cadence; frames only go up on change
	DialBase       time.Duration
	DialCap        time.Duration
}

// DefaultWorkerConfig returns the stock uplink tuning.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		StatusInterval: 5 * time.Second,
		TermInterval:   250 * time.Millisecond,
		DialBase:       time.Second,
		DialCap:        30 * time.Second,
	}
}

func normalizeWorker(cfg WorkerConfig) WorkerConfig {
	def := DefaultWorkerConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.TermInterval <= 0 {
		cfg.TermInterval = def.TermInterval
	}
	if cfg.DialBase <= 0 {
		cfg.DialBase = def.DialBase
	}
	if cfg.DialCap <= 0 {
		cfg.DialCap = def.DialCap
	}
	return cfg
}

// WorkerDeps are the runtime-side collaborators a worker reports on and
// proxies operator requests to. Runtime and Session are required.
type WorkerDeps struct {
	Runtime   *bot.Runtime
	Session   bot.Console
	Tracker   *game.Tracker
	Goals     *goals.Tracker
	Rules     *rules.RuleSet
	Telemetry *telemetry.Store
	Logger    *slog.Logger
}

// Worker is the bot side of the uplink: it dials the manager, streams
// status, turns, events and screen frames up, and answers proxied
// operator requests against the local runtime. The bot keeps playing
// when the uplink is down; the worker redials with backoff and the
// outbox drops frames rather than stall the game loop.
type Worker struct {
	cfg    WorkerConfig
	rt     *bot.Runtime
	sess   bot.Console
	track  *game.Tracker
	goals  *goals.Tracker
	rules  *rules.RuleSet
	telem  *telemetry.Store
	logger *slog.Logger

	outbox chan []byte

	mu   sync.Mutex
	conn *websocket.Conn
	wmu  sync.Mutex // serializes writes between the pump and the bye shortcut

	stop     chan struct{}
	stopOnce sync.Once
}

// Worker doubles as the runtime's event sink and the telemetry store's
// mirror, so everything a bot produces rides the uplink.
var (
	_ bot.EventSink  = (*Worker)(nil)
	_ telemetry.Sink = (*Worker)(nil)
)

// NewWorker assembles a worker around a running bot.
func NewWorker(cfg WorkerConfig, deps WorkerDeps) (*Worker, error) {
	if deps.Runtime == nil || deps.Session == nil {
		return nil, fmt.Errorf("swarm: worker needs a runtime and a session")
	}
	if cfg.BotID == "" {
		return nil, fmt.Errorf("swarm: worker needs a bot id")
	}
	if cfg.ManagerURL == "" {
		return nil, fmt.Errorf("swarm: worker needs a manager url")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:    normalizeWorker(cfg),
		rt:     deps.Runtime,
		sess:   deps.Session,
		track:  deps.Tracker,
		goals:  deps.Goals,
		rules:  deps.Rules,
		telem:  deps.Telemetry,
		logger: logger.With(slog.String("component", "worker"), slog.String("bot_id", cfg.BotID)),
		outbox: make(chan []byte, 256),
		stop:   make(chan struct{}),
	}, nil
}

// Run keeps an uplink connection alive until the context ends or Stop
// is called. Dial failures back off; an established connection that
// drops redials immediately from the base backoff again.
func (w *Worker) Run(ctx context.Context) error {
	go w.reportLoop(ctx)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		default:
		}

		conn, err := w.dial(ctx)
		if err != nil {
			attempt++
			wait := restartBackoff(attempt, w.cfg.DialBase, w.cfg.DialCap)
			w.logger.Warn("uplink dial failed",
				slog.String("url", w.cfg.ManagerURL),
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", wait),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.stop:
				return nil
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		w.logger.Info("uplink connected", slog.String("url", w.cfg.ManagerURL))
		w.serve(ctx, conn)
		w.logger.Warn("uplink lost")
	}
}

// Stop ends Run and closes the live connection.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()
}

// Bye sends the final frame so the manager knows why the process is
// about to exit, then stops the worker. Best effort; the manager also
// classifies by exit code.
func (w *Worker) Bye(reason string, runErr error) {
	body := byeBody{BotID: w.cfg.BotID, Reason: reason}
	if runErr != nil {
		body.Err = runErr.Error()
	}
	if payload, err := encodeFrame(frameBye, body); err == nil {
		w.writeNow(payload)
	}
	w.Stop()
}

func (w *Worker) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, uplinkWriteWait)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.cfg.ManagerURL, header)
	return conn, err
}

// serve owns one connection: hello, an immediate status, then the read
// and write pumps until either side dies.
func (w *Worker) serve(ctx context.Context, conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close()
	}()

	hello := helloBody{
		BotID:     w.cfg.BotID,
		PID:       os.Getpid(),
		SessionID: w.cfg.SessionID,
		Account:   w.cfg.Account,
		Version:   w.cfg.Version,
	}
	payload, err := encodeFrame(frameHello, hello)
	if err != nil {
		w.logger.Error("encoding hello", slog.String("error", err.Error()))
		return
	}
	if err := w.write(conn, websocket.TextMessage, payload); err != nil {
		w.logger.Warn("hello write failed", slog.String("error", err.Error()))
		return
	}
	w.enqueue(frameStatus, w.status())

	done := make(chan struct{})
	go w.writePump(conn, done)
	w.readPump(ctx, conn)
	close(done)
}

// writePump drains the outbox onto one connection. A ping every
// pingPeriod keeps the manager's read deadline fresh.
func (w *Worker) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(uplinkPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case payload := <-w.outbox:
			if err := w.write(conn, websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := w.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles manager requests until the connection dies. Each
// request runs in its own goroutine; a hijack step can hold the floor
// for a minute and must not starve pong handling.
func (w *Worker) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(uplinkMaxMessage)
	conn.SetReadDeadline(time.Now().Add(uplinkPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(uplinkPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(uplinkPongWait))

		f, err := decodeFrame(payload)
		if err != nil {
			w.logger.Warn("bad frame from manager", slog.String("error", err.Error()))
			continue
		}
		if f.Type != frameRequest {
			continue
		}
		var req requestBody
		if err := decodeBody(f, &req); err != nil {
			w.logger.Warn("bad request body", slog.String("error", err.Error()))
			continue
		}
		go w.handleRequest(ctx, req)
	}
}

// handleRequest dispatches one proxied op and answers with the same
// correlation id.
func (w *Worker) handleRequest(ctx context.Context, req requestBody) {
	result, err := w.dispatch(ctx, req.Op, req.Params)
	resp := responseBody{ID: req.ID, OK: err == nil, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	w.enqueue(frameResponse, resp)
}

func (w *Worker) dispatch(ctx context.Context, op string, params map[string]string) ([]byte, error) {
	switch op {
	case OpStatus:
		return marshalResult(w.status())

	case OpStop:
		// Drain or not, the runtime finishes its current step and the
		// process exits through main; a hard kill is the manager's
		// signal to the process, not an op.
		w.logger.Info("stop requested over uplink", slog.String("drain", params["drain"]))
		w.rt.Stop()
		return nil, nil

	case OpHijack:
		lease, err := w.rt.Hijack(params["owner"])
		if err != nil {
			return nil, err
		}
		return marshalResult(leaseToWire(lease))

	case OpStep:
		upd, err := w.rt.Step(ctx, params["token"], params["command"])
		if err != nil {
			return nil, err
		}
		return marshalResult(updateToWire(upd))

	case OpRenew:
		lease, err := w.rt.Renew(params["token"])
		if err != nil {
			return nil, err
		}
		return marshalResult(leaseToWire(lease))

	case OpRelease:
		if err := w.rt.Release(params["token"]); err != nil {
			return nil, err
		}
		return nil, nil

	case OpInput:
		if params["raw"] == "true" {
			return nil, w.sess.Send(ctx, params["text"])
		}
		return nil, w.sess.SendLine(ctx, params["text"])

	case OpScreen:
		return marshalResult(screenToWire(w.sess.Screen()))

	case OpAnalyze:
		return marshalResult(w.analyze())

	case OpSetGoal:
		return nil, w.setGoal(params["goal"], params["reason"])

	default:
		return nil, fmt.Errorf("swarm: unknown op %q", op)
	}
}

func marshalResult(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("swarm: encoding result: %w", err)
	}
	return raw, nil
}

func (w *Worker) setGoal(goal, reason string) error {
	if w.goals == nil {
		return fmt.Errorf("swarm: no goal tracker wired")
	}
	valid := map[goals.GoalID]bool{
		goals.GoalProfit:      true,
		goals.GoalCombat:      true,
		goals.GoalExploration: true,
		goals.GoalBanking:     true,
	}
	id := goals.GoalID(goal)
	if !valid[id] {
		return fmt.Errorf("swarm: unknown goal %q", goal)
	}
	if reason == "" {
		reason = "operator request"
	}
	w.goals.SetGoal(id, goals.TriggerManual, reason)
	return nil
}

// analyzeReport is the OpAnalyze result: the live screen, how the rules
// see it, and what an operator should do about it.
type analyzeReport struct {
	Screen         wireScreen     `json:"screen"`
	Analysis       rules.Analysis `json:"analysis"`
	PromptKind     string         `json:"prompt_kind,omitempty"`
	Recommendation string         `json:"recommendation"`
}

func (w *Worker) analyze() analyzeReport {
	s := w.sess.Screen()
	rep := analyzeReport{Screen: screenToWire(s)}
	if w.rules == nil {
		rep.Recommendation = "no ruleset loaded"
		return rep
	}
	rep.Analysis = w.rules.Analyze(s)

	hit, _ := w.rules.Match(s)
	if hit != nil {
		rep.PromptKind = hit.Kind
	}
	rep.Recommendation = recommend(hit, rep.Analysis)
	return rep
}

// recommend turns an analysis into one line of operator advice, keyed
// by the winning rule's kind.
func recommend(hit *domain.PromptHit, a rules.Analysis) string {
	if len(a.Ambiguous) > 1 {
		return "multiple exclusive rules match this screen; tighten negative_match on one of them"
	}
	if hit == nil {
		if len(a.Partial) > 0 {
			return "a rule almost matched; check the partial reasons before adding a new one"
		}
		if a.CursorAtEnd {
			return "no rule matches but the cursor is parked at end of line; the game is waiting for input this ruleset does not know"
		}
		return "no rule matches and the cursor is mid-screen; output is still drawing, let it settle"
	}
	switch hit.Kind {
	case "command":
		return "at a command prompt; safe to issue game commands"
	case "menu":
		return "at a menu; answer with one of the listed choices"
	case "trade":
		return "mid-trade; answer the price or quantity prompt before doing anything else"
	case "pause":
		return "output is paused; send a space or enter to continue"
	case "auth":
		return "at a login prompt; credentials go here, not game commands"
	case "computer":
		return "inside the ship's computer; Q backs out to the command prompt"
	case "report":
		return "a report is on screen; it has been parsed, advance past it"
	case "disconnect":
		return "the session is ending or ended; expect the connection to drop"
	case "alert":
		return "an alert needs acknowledgement before play continues"
	default:
		return fmt.Sprintf("matched %s (%s); follow that rule's flow", hit.Rule, hit.Kind)
	}
}

// reportLoop feeds the outbox on two clocks: the status cadence, and a
// fast screen poll that only ships frames whose hash moved.
func (w *Worker) reportLoop(ctx context.Context) {
	status := time.NewTicker(w.cfg.StatusInterval)
	term := time.NewTicker(w.cfg.TermInterval)
	defer status.Stop()
	defer term.Stop()

	var lastHash uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-status.C:
			if w.connected() {
				w.enqueue(frameStatus, w.status())
			}
		case <-term.C:
			if !w.connected() {
				continue
			}
			s := w.sess.Screen()
			if s.Hash == lastHash {
				continue
			}
			lastHash = s.Hash
			w.enqueue(frameTerm, TermFrame{
				BotID:     w.cfg.BotID,
				Seq:       s.Seq,
				Hash:      s.Hash,
				Lines:     s.Lines,
				CursorRow: s.Cursor.Row,
				CursorCol: s.Cursor.Col,
				Prompt:    w.rt.Status().LastPrompt,
			})
		}
	}
}

// status composes the self-report from the runtime, the game model, and
// the local telemetry counters.
func (w *Worker) status() statusBody {
	st := w.rt.Status()
	body := statusBody{
		BotID:     w.cfg.BotID,
		State:     string(st.State),
		SessionID: st.SessionID,
		Strategy:  st.Strategy,
		Sector:    st.Sector,
		Credits:   st.Credits,
		TurnsUsed: st.TurnsUsed,
		TurnsLeft: st.TurnsLeft,
		Trades:    st.Trades,
		Prompt:    st.LastPrompt,
		Err:       st.Err,
		At:        time.Now(),
	}
	if w.goals != nil {
		cur := w.goals.Current()
		body.Goal = string(cur.Goal)
		body.Phase = fmt.Sprintf("%d", len(w.goals.Timeline()))
	}
	if w.track != nil {
		player := w.track.Player()
		ship := w.track.Ship()
		body.Username = player.Name
		body.ShipName = ship.Name
		body.Fighters = ship.Fighters
		body.Shields = ship.Shields
		body.CargoFuelOre = ship.Cargo[domain.FuelOre]
		body.CargoOrganics = ship.Cargo[domain.Organics]
		body.CargoEquipment = ship.Cargo[domain.Equipment]
	}
	if w.telem != nil {
		body.Counters = w.telem.Counters(w.cfg.BotID)
	}
	if lease, ok := w.rt.Lease(); ok {
		body.Hijacked = true
		body.HijackedBy = lease.Owner
	}
	return body
}

// PublishEvent forwards a runtime event up the uplink. The manager is
// the bus publisher; workers never talk to redis directly.
func (w *Worker) PublishEvent(_ context.Context, ev domain.Event) error {
	payload, err := bus.EncodeEvent(ev)
	if err != nil {
		return err
	}
	raw, err := encodeFrame(frameEvent, json.RawMessage(payload))
	if err != nil {
		return err
	}
	w.push(raw, frameEvent)
	return nil
}

// TurnRecorded mirrors a finished turn up to the manager's telemetry.
func (w *Worker) TurnRecorded(_ context.Context, rec domain.TurnRecord) error {
	w.enqueue(frameTurn, turnToWire(rec))
	return nil
}

// RollupProduced drops rollups; the manager computes fleet rollups from
// the mirrored turns.
func (w *Worker) RollupProduced(context.Context, domain.Rollup) error { return nil }

func (w *Worker) connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *Worker) enqueue(typ string, body any) {
	payload, err := encodeFrame(typ, body)
	if err != nil {
		w.logger.Warn("frame encode failed",
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)
		return
	}
	w.push(payload, typ)
}

// push offers a frame to the outbox, dropping it when the uplink is
// backed up. Status and term frames regenerate on the next tick; a
// dropped turn only thins the manager's mirror, the worker's own store
// keeps the record.
func (w *Worker) push(payload []byte, typ string) {
	select {
	case w.outbox <- payload:
	default:
		w.logger.Warn("outbox full, dropping frame", slog.String("type", typ))
	}
}

func (w *Worker) write(conn *websocket.Conn, typ int, payload []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(uplinkWriteWait))
	return conn.WriteMessage(typ, payload)
}

// writeNow bypasses the outbox for the bye frame; a backed-up outbox
// must not swallow the exit label.
func (w *Worker) writeNow(payload []byte) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}
	w.write(conn, websocket.TextMessage, payload)
}
