// Package mcptools exposes the board session primitives and swarm
// controls as Model Context Protocol tools over stdio, so an MCP-capable
// agent can drive a BBS directly or steer a running swarm without going
// through the HTTP API.
//
// Tools are grouped into namespaces by name prefix: bbs_ for raw session
// access, tw2002_ for the game model layered on top, and swarm_ for
// proxying a live manager. The serve command passes the operator's prefix
// list through Config.Prefixes; a namespace absent from the list is never
// registered, so an agent handed a swarm-only server cannot open sockets.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/game"
	"github.com/telewarp/bbsbot/internal/rules"
	"github.com/telewarp/bbsbot/internal/session"
)

// Namespace prefixes. Config.Prefixes entries must match one of these
// exactly; unknown prefixes are reported at construction time so a typo
// in --tools fails loud instead of silently registering nothing.
const (
	NamespaceBBS    = "bbs_"
	NamespaceTW2002 = "tw2002_"
	NamespaceSwarm  = "swarm_"
)

// Config tunes the tool server.
type Config struct {
	// Version is reported to the MCP client during initialize.
	Version string
	// Prefixes selects which tool namespaces to register. Empty means
	// every namespace the configuration can support.
	Prefixes []string
	// ManagerURL is the base URL of a running manager. Empty disables
	// the swarm_ namespace even when requested.
	ManagerURL string
	// AuthToken authenticates swarm_ calls against the manager API.
	AuthToken string
	// ReadTimeout bounds each bbs_read when the caller does not pass
	// its own timeout_ms.
	ReadTimeout time.Duration
}

// Server is the MCP stdio tool server. It owns a session registry for
// the bbs_ namespace, a per-session game tracker for tw2002_, and an
// HTTP client for swarm_.
type Server struct {
	cfg      Config
	mcp      *server.MCPServer
	sessions *session.Manager
	mgr      *managerClient
	logger   *slog.Logger

	mu    sync.Mutex
	games map[string]*gameView // keyed by session id

	tools []string
}

// gameView is the per-session state the tw2002_ namespace maintains on
// top of a raw session: the remote address, the rule set that opened
// it, and a tracker fed from every settled prompt.
type gameView struct {
	addr    string
	set     *rules.RuleSet
	tracker *game.Tracker
}

// New builds the tool server. sessions carries the dial/log/rules
// plumbing for the bbs_ namespace and may not be nil.
func New(cfg Config, sessions *session.Manager, logger *slog.Logger) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("mcptools: nil session manager")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	for _, p := range cfg.Prefixes {
		switch p {
		case NamespaceBBS, NamespaceTW2002, NamespaceSwarm:
		default:
			return nil, fmt.Errorf("mcptools: unknown tool namespace %q", p)
		}
	}

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		games:    make(map[string]*gameView),
		logger:   logger.With(slog.String("component", "mcptools")),
	}
	if cfg.ManagerURL != "" {
		s.mgr = newManagerClient(cfg.ManagerURL, cfg.AuthToken)
	}

	s.mcp = server.NewMCPServer(
		"bbsbot",
		cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	if s.enabled(NamespaceBBS) {
		s.registerBBS()
	}
	if s.enabled(NamespaceTW2002) {
		s.registerTW2002()
	}
	if s.enabled(NamespaceSwarm) && s.mgr != nil {
		s.registerSwarm()
	}
	if len(s.tools) == 0 {
		return nil, fmt.Errorf("mcptools: no tools registered for prefixes %v", cfg.Prefixes)
	}

	s.logger.Info("tool server ready",
		slog.Int("tools", len(s.tools)),
		slog.Any("prefixes", cfg.Prefixes),
	)
	return s, nil
}

const instructions = `Tools for driving text BBS games over telnet.
bbs_open connects and returns a session_id; every other bbs_ and tw2002_
tool takes that id. Screens are 80x25 snapshots; bbs_read blocks until
the screen settles on a prompt or goes idle. Send single keys with
line=false; commands that need Enter use line=true. Close sessions when
done, the per-host connection cap is shared.`

// enabled reports whether a namespace should be registered under the
// configured prefix filter.
func (s *Server) enabled(ns string) bool {
	if len(s.cfg.Prefixes) == 0 {
		return true
	}
	for _, p := range s.cfg.Prefixes {
		if p == ns {
			return true
		}
	}
	return false
}

// Tools lists the registered tool names in registration order.
func (s *Server) Tools() []string {
	out := make([]string, len(s.tools))
	copy(out, s.tools)
	return out
}

// Serve runs the stdio transport until the client disconnects.
func (s *Server) Serve() error {
	s.logger.Info("serving MCP over stdio")
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("mcptools: serve: %w", err)
	}
	return nil
}

// Close tears down every open session.
func (s *Server) Close() {
	s.sessions.CloseAll()
}

// add registers one tool and records its name for Tools().
func (s *Server) add(tool mcp.Tool, h server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, h)
	s.tools = append(s.tools, tool.Name)
}

// --- bbs_ namespace ---------------------------------------------------

func (s *Server) registerBBS() {
	s.add(mcp.NewTool("bbs_open",
		mcp.WithDescription("Connect to a BBS host over telnet. Returns a session_id and the banner screen once it settles."),
		mcp.WithString("host", mcp.Required(), mcp.Description("hostname or IP of the board")),
		mcp.WithNumber("port", mcp.DefaultNumber(23), mcp.Description("telnet port")),
		mcp.WithString("rules_file", mcp.Description("path to a prompt rules TOML overlaying the built-in TW2002 set")),
	), s.handleOpen)

	s.add(mcp.NewTool("bbs_read",
		mcp.WithDescription("Wait for the session screen to settle and return it with any matched prompt. Returns settled=false with the partial screen on timeout."),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithNumber("timeout_ms", mcp.Description("read deadline in milliseconds; 0 uses the server default")),
	), s.handleRead)

	s.add(mcp.NewTool("bbs_send",
		mcp.WithDescription("Send text to the session. Single keypresses drive most BBS menus; set line=true to append Enter. With read=true the next settled screen is returned."),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("text", mcp.Required()),
		mcp.WithBoolean("line", mcp.DefaultBool(false), mcp.Description("terminate with CRLF")),
		mcp.WithBoolean("read", mcp.DefaultBool(true), mcp.Description("wait for and return the next settled screen")),
	), s.handleSend)

	s.add(mcp.NewTool("bbs_screen",
		mcp.WithDescription("Return the current screen snapshot without waiting for it to settle."),
		mcp.WithString("session_id", mcp.Required()),
	), s.handleScreen)

	s.add(mcp.NewTool("bbs_analyze",
		mcp.WithDescription("Run every prompt rule against the current screen and report full matches, near misses with rejection reasons, and cursor evidence."),
		mcp.WithString("session_id", mcp.Required()),
	), s.handleAnalyze)

	s.add(mcp.NewTool("bbs_sessions",
		mcp.WithDescription("List open sessions with their host and log path."),
	), s.handleSessions)

	s.add(mcp.NewTool("bbs_close",
		mcp.WithDescription("Close a session and release its per-host connection slot."),
		mcp.WithString("session_id", mcp.Required()),
	), s.handleClose)
}

// screenView and promptView mirror the HTTP API's JSON vocabulary so an
// agent can switch between the two surfaces without relearning shapes.
type screenView struct {
	Lines     []string `json:"lines"`
	CursorRow int      `json:"cursor_row"`
	CursorCol int      `json:"cursor_col"`
	Hash      uint64   `json:"hash"`
	Seq       uint64   `json:"seq"`
}

type promptView struct {
	Rule       string         `json:"rule"`
	Kind       string         `json:"kind"`
	Line       string         `json:"line,omitempty"`
	Row        int            `json:"row"`
	Fields     map[string]any `json:"fields,omitempty"`
	Validation []string       `json:"validation,omitempty"`
}

type updateView struct {
	SessionID string      `json:"session_id"`
	Settled   bool        `json:"settled"`
	Idle      bool        `json:"idle,omitempty"`
	Screen    screenView  `json:"screen"`
	Prompt    *promptView `json:"prompt,omitempty"`
}

func toScreenView(sc domain.Screen) screenView {
	return screenView{
		Lines:     sc.Lines,
		CursorRow: sc.Cursor.Row,
		CursorCol: sc.Cursor.Col,
		Hash:      sc.Hash,
		Seq:       sc.Seq,
	}
}

func toPromptView(p *domain.PromptHit) *promptView {
	if p == nil {
		return nil
	}
	return &promptView{
		Rule:       p.Rule,
		Kind:       p.Kind,
		Line:       p.Line,
		Row:        p.Row,
		Fields:     p.Fields,
		Validation: p.Validation,
	}
}

// result marshals v as an indented JSON tool result. Marshal failures
// surface as tool errors, never as Go errors, so the agent sees them.
func result(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultErrorFromErr("encode result", err), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *Server) handleOpen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host, err := req.RequireString("host")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	port := req.GetInt("port", 23)
	rulesFile := req.GetString("rules_file", "")

	sess, err := s.sessions.Open(ctx, session.OpenSpec{
		Host:      host,
		Port:      port,
		RulesFile: rulesFile,
	})
	if err != nil {
		return mcp.NewToolResultErrorFromErr("open", err), nil
	}

	set, err := rules.Load(rulesFile)
	if err != nil {
		// Manager.Open validated the same file, so this is unreachable
		// short of a racing rewrite; close rather than limp.
		_ = sess.Close()
		return mcp.NewToolResultErrorFromErr("load rules", err), nil
	}
	s.mu.Lock()
	s.games[sess.ID] = &gameView{
		addr:    fmt.Sprintf("%s:%d", host, port),
		set:     set,
		tracker: game.NewTracker(s.logger),
	}
	s.mu.Unlock()

	s.logger.Info("session opened",
		slog.String("session_id", sess.ID),
		slog.String("host", host),
		slog.Int("port", port),
	)
	return s.settle(ctx, sess, s.cfg.ReadTimeout)
}

func (s *Server) handleRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(req)
	if res != nil {
		return res, nil
	}
	timeout := s.cfg.ReadTimeout
	if ms := req.GetInt("timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return s.settle(ctx, sess, timeout)
}

func (s *Server) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(req)
	if res != nil {
		return res, nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if req.GetBool("line", false) {
		err = sess.SendLine(ctx, text)
	} else {
		err = sess.Send(ctx, text)
	}
	if err != nil {
		return mcp.NewToolResultErrorFromErr("send", err), nil
	}
	if !req.GetBool("read", true) {
		return result(map[string]any{"session_id": sess.ID, "sent": len(text)})
	}
	return s.settle(ctx, sess, s.cfg.ReadTimeout)
}

// settle reads until the screen settles and feeds the game tracker. A
// prompt timeout is data, not failure: the agent gets the partial
// screen with settled=false and decides what to poke next.
func (s *Server) settle(ctx context.Context, sess *session.Session, timeout time.Duration) (*mcp.CallToolResult, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	upd, err := sess.Read(rctx)
	view := updateView{
		SessionID: sess.ID,
		Screen:    toScreenView(upd.Screen),
	}
	switch {
	case err == nil:
		view.Settled = true
		view.Idle = upd.Idle
		view.Prompt = toPromptView(upd.Prompt)
		if upd.Prompt != nil {
			s.apply(sess.ID, upd.Prompt)
		}
	case isTimeout(err):
		// partial screen, settled stays false
	default:
		return mcp.NewToolResultErrorFromErr("read", err), nil
	}
	return result(view)
}

func isTimeout(err error) bool {
	return errors.Is(err, domain.ErrPromptTimeout) || errors.Is(err, domain.ErrContextDone)
}

func (s *Server) apply(sessionID string, hit *domain.PromptHit) {
	s.mu.Lock()
	gv := s.games[sessionID]
	s.mu.Unlock()
	if gv == nil {
		return
	}
	if err := gv.tracker.Apply(hit); err != nil {
		s.logger.Debug("tracker apply",
			slog.String("session_id", sessionID),
			slog.String("rule", hit.Rule),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleScreen(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(req)
	if res != nil {
		return res, nil
	}
	return result(updateView{
		SessionID: sess.ID,
		Screen:    toScreenView(sess.Screen()),
	})
}

func (s *Server) handleAnalyze(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(req)
	if res != nil {
		return res, nil
	}
	s.mu.Lock()
	gv := s.games[sess.ID]
	s.mu.Unlock()

	set := gv.ruleSet()
	if set == nil {
		var err error
		if set, err = rules.Default(); err != nil {
			return mcp.NewToolResultErrorFromErr("load rules", err), nil
		}
	}
	return result(set.Analyze(sess.Screen()))
}

func (gv *gameView) ruleSet() *rules.RuleSet {
	if gv == nil {
		return nil
	}
	return gv.set
}

func (s *Server) handleSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type sessionInfo struct {
		SessionID string `json:"session_id"`
		Addr      string `json:"addr,omitempty"`
		LogPath   string `json:"log_path,omitempty"`
	}
	list := s.sessions.List()
	out := make([]sessionInfo, 0, len(list))
	s.mu.Lock()
	for _, sess := range list {
		info := sessionInfo{SessionID: sess.ID, LogPath: sess.LogPath()}
		if gv := s.games[sess.ID]; gv != nil {
			info.Addr = gv.addr
		}
		out = append(out, info)
	}
	s.mu.Unlock()
	return result(out)
}

func (s *Server) handleClose(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.sessions.Close(id); err != nil {
		return mcp.NewToolResultErrorFromErr("close", err), nil
	}
	s.mu.Lock()
	delete(s.games, id)
	s.mu.Unlock()
	return result(map[string]any{"session_id": id, "closed": true})
}

// session resolves the session_id argument. The second return value is
// a ready error result when resolution failed.
func (s *Server) session(req mcp.CallToolRequest) (*session.Session, *mcp.CallToolResult) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, mcp.NewToolResultErrorFromErr("session", err)
	}
	return sess, nil
}

// --- tw2002_ namespace ------------------------------------------------

func (s *Server) registerTW2002() {
	s.add(mcp.NewTool("tw2002_state",
		mcp.WithDescription("Report the game model accumulated from this session's prompts: player, ship, current sector, known sectors, and any navigation desync."),
		mcp.WithString("session_id", mcp.Required()),
	), s.handleState)

	s.add(mcp.NewTool("tw2002_route",
		mcp.WithDescription("Shortest known warp route between two sectors using mapped warps only. Empty when no path is known yet."),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithNumber("from", mcp.Required()),
		mcp.WithNumber("to", mcp.Required()),
	), s.handleRoute)

	s.add(mcp.NewTool("tw2002_ports",
		mcp.WithDescription("List ports discovered so far with class, commodity directions, and last observed prices."),
		mcp.WithString("session_id", mcp.Required()),
	), s.handlePorts)
}

func (s *Server) game(req mcp.CallToolRequest) (*gameView, *mcp.CallToolResult) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	s.mu.Lock()
	gv := s.games[id]
	s.mu.Unlock()
	if gv == nil {
		return nil, mcp.NewToolResultErrorFromErr("session", fmt.Errorf("%q: %w", id, domain.ErrNotFound))
	}
	return gv, nil
}

func (s *Server) handleState(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gv, res := s.game(req)
	if res != nil {
		return res, nil
	}
	t := gv.tracker
	desync, detail := t.Desync()
	return result(map[string]any{
		"player":        t.Player(),
		"ship":          t.Ship(),
		"sector":        t.CurrentSector(),
		"turns_used":    t.TurnsUsed(),
		"known_sectors": t.KnownSectors(),
		"desync":        desync,
		"desync_detail": detail,
	})
}

func (s *Server) handleRoute(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gv, res := s.game(req)
	if res != nil {
		return res, nil
	}
	from := req.GetInt("from", 0)
	to := req.GetInt("to", 0)
	if from <= 0 || to <= 0 {
		return mcp.NewToolResultError("from and to must be positive sector ids"), nil
	}
	route := gv.tracker.Route(from, to)
	return result(map[string]any{"from": from, "to": to, "route": route, "known": route != nil})
}

func (s *Server) handlePorts(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gv, res := s.game(req)
	if res != nil {
		return res, nil
	}
	return result(gv.tracker.Ports())
}
