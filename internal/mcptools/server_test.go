package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/session"
)

// scriptTransport is an in-memory session.Transport the tests feed
// directly.
type scriptTransport struct {
	rx   chan []byte
	mu   sync.Mutex
	sent bytes.Buffer

	closed chan struct{}
	once   sync.Once
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{
		rx:     make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (st *scriptTransport) feed(s string) { st.rx <- []byte(s) }

func (st *scriptTransport) Read(p []byte) (int, error) {
	select {
	case b := <-st.rx:
		return copy(p, b), nil
	case <-st.closed:
		return 0, io.EOF
	}
}

func (st *scriptTransport) Write(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sent.Write(p)
	return len(p), nil
}

func (st *scriptTransport) SendLine(s string) error {
	_, err := st.Write([]byte(s + "\r\n"))
	return err
}

func (st *scriptTransport) Addr() string { return "bbs.test:2323" }

func (st *scriptTransport) Close() error {
	st.once.Do(func() { close(st.closed) })
	return nil
}

func (st *scriptTransport) sentText() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sent.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires a tool server over a session manager whose dialer
// hands out the given transport.
func newTestServer(t *testing.T, st *scriptTransport, cfg Config) *Server {
	t.Helper()
	mgr := session.NewManager(session.ManagerConfig{
		Idle:        30 * time.Millisecond,
		ReadTimeout: 2 * time.Second,
		Dial: func(ctx context.Context, addr string) (session.Transport, error) {
			return st, nil
		},
	}, testLogger())
	t.Cleanup(mgr.CloseAll)

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	srv, err := New(cfg, mgr, testLogger())
	require.NoError(t, err)
	return srv
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func decodeResult(t *testing.T, res *mcp.CallToolResult, into any) {
	t.Helper()
	require.False(t, res.IsError, "tool error: %s", resultText(t, res))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), into))
}

const commandLine = "Command [TL=00:00:00]:[2890] (?=Help)? : "

func TestOpenDriveCloseFlow(t *testing.T) {
	st := newScriptTransport()
	st.feed(commandLine)
	srv := newTestServer(t, st, Config{})
	ctx := context.Background()

	// Open settles on the command prompt and reports the extraction.
	res, err := srv.handleOpen(ctx, callReq("bbs_open", map[string]any{
		"host": "bbs.test",
		"port": 2323,
	}))
	require.NoError(t, err)
	var upd updateView
	decodeResult(t, res, &upd)
	require.NotEmpty(t, upd.SessionID)
	assert.True(t, upd.Settled)
	require.NotNil(t, upd.Prompt)
	assert.Equal(t, "command_prompt", upd.Prompt.Rule)
	assert.Equal(t, "command", upd.Prompt.Kind)

	id := upd.SessionID

	// The prompt fed the game model.
	res, err = srv.handleState(ctx, callReq("tw2002_state", map[string]any{"session_id": id}))
	require.NoError(t, err)
	var state struct {
		Sector int  `json:"sector"`
		Desync bool `json:"desync"`
	}
	decodeResult(t, res, &state)
	assert.Equal(t, 2890, state.Sector)
	assert.False(t, state.Desync)

	// An already-processed screen does not settle again: the read times
	// out and hands back the partial view instead of an error.
	res, err = srv.handleRead(ctx, callReq("bbs_read", map[string]any{
		"session_id": id,
		"timeout_ms": 100,
	}))
	require.NoError(t, err)
	decodeResult(t, res, &upd)
	assert.False(t, upd.Settled)
	assert.Nil(t, upd.Prompt)

	// Fire-and-forget send reaches the transport.
	res, err = srv.handleSend(ctx, callReq("bbs_send", map[string]any{
		"session_id": id,
		"text":       "d",
		"read":       false,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "d", st.sentText())

	// The registry lists the session with its address.
	res, err = srv.handleSessions(ctx, callReq("bbs_sessions", nil))
	require.NoError(t, err)
	var infos []struct {
		SessionID string `json:"session_id"`
		Addr      string `json:"addr"`
	}
	decodeResult(t, res, &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].SessionID)
	assert.Equal(t, "bbs.test:2323", infos[0].Addr)

	// Close releases the session and the game view with it.
	res, err = srv.handleClose(ctx, callReq("bbs_close", map[string]any{"session_id": id}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = srv.handleState(ctx, callReq("tw2002_state", map[string]any{"session_id": id}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestAnalyzeReportsMatches(t *testing.T) {
	st := newScriptTransport()
	st.feed(commandLine)
	srv := newTestServer(t, st, Config{})
	ctx := context.Background()

	res, err := srv.handleOpen(ctx, callReq("bbs_open", map[string]any{"host": "bbs.test"}))
	require.NoError(t, err)
	var upd updateView
	decodeResult(t, res, &upd)

	res, err = srv.handleAnalyze(ctx, callReq("bbs_analyze", map[string]any{
		"session_id": upd.SessionID,
	}))
	require.NoError(t, err)
	var report struct {
		Matched []string `json:"matched"`
	}
	decodeResult(t, res, &report)
	assert.Contains(t, report.Matched, "command_prompt")
}

func TestUnknownSessionIsToolError(t *testing.T) {
	srv := newTestServer(t, newScriptTransport(), Config{})

	res, err := srv.handleScreen(context.Background(),
		callReq("bbs_screen", map[string]any{"session_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")
}

func TestPrefixFilter(t *testing.T) {
	mkManager := func() *session.Manager {
		return session.NewManager(session.ManagerConfig{}, testLogger())
	}

	t.Run("default registers local namespaces", func(t *testing.T) {
		srv, err := New(Config{}, mkManager(), testLogger())
		require.NoError(t, err)
		names := srv.Tools()
		assert.Contains(t, names, "bbs_open")
		assert.Contains(t, names, "tw2002_state")
		assert.NotContains(t, names, "swarm_status") // no manager URL
	})

	t.Run("core tools skipped without bbs prefix", func(t *testing.T) {
		srv, err := New(Config{
			Prefixes:   []string{NamespaceSwarm},
			ManagerURL: "http://127.0.0.1:8080",
		}, mkManager(), testLogger())
		require.NoError(t, err)
		for _, name := range srv.Tools() {
			assert.True(t, strings.HasPrefix(name, "swarm_"), "unexpected tool %s", name)
		}
	})

	t.Run("bbs only", func(t *testing.T) {
		srv, err := New(Config{Prefixes: []string{NamespaceBBS}}, mkManager(), testLogger())
		require.NoError(t, err)
		for _, name := range srv.Tools() {
			assert.True(t, strings.HasPrefix(name, "bbs_"), "unexpected tool %s", name)
		}
	})

	t.Run("unknown prefix rejected", func(t *testing.T) {
		_, err := New(Config{Prefixes: []string{"bogus_"}}, mkManager(), testLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown tool namespace")
	})

	t.Run("empty surface rejected", func(t *testing.T) {
		_, err := New(Config{Prefixes: []string{NamespaceSwarm}}, mkManager(), testLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no tools registered")
	})
}

func TestSwarmToolsProxyManager(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.RequestURI()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		switch {
		case r.URL.Path == "/api/status":
			w.Write([]byte(`{"bots":[],"max_bots":10}`))
		case strings.HasSuffix(r.URL.Path, "/hijack"):
			w.Write([]byte(`{"token":"lease-1"}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer backend.Close()

	srv := newTestServer(t, newScriptTransport(), Config{
		ManagerURL: backend.URL,
		AuthToken:  "secret-token",
	})
	ctx := context.Background()

	res, err := srv.handleSwarmStatus(ctx, callReq("swarm_status", nil))
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "/api/status", gotPath)
	assert.JSONEq(t, `{"bots":[],"max_bots":10}`, resultText(t, res))

	res, err = srv.handleSwarmHijack(ctx, callReq("swarm_hijack", map[string]any{
		"bot_id": "tw-1",
		"owner":  "ops",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "/api/bots/tw-1/hijack", gotPath)
	assert.JSONEq(t, `{"owner":"ops"}`, gotBody)

	res, err = srv.handleSwarmStop(ctx, callReq("swarm_stop", map[string]any{
		"bot_id": "tw-1",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "/api/bots/tw-1?drain=true", gotPath)
}

func TestSwarmToolErrorCarriesManagerStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bot not found"}`, http.StatusNotFound)
	}))
	defer backend.Close()

	srv := newTestServer(t, newScriptTransport(), Config{ManagerURL: backend.URL})

	res, err := srv.handleSwarmBot(context.Background(),
		callReq("swarm_bot", map[string]any{"bot_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "status 404")
	assert.Contains(t, resultText(t, res), "bot not found")
}
