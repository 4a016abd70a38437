package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/swarm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFeeds hands the hub channels the test pushes into directly.
type fakeFeeds struct {
	snap     swarm.StatusSnapshot
	status   chan swarm.StatusSnapshot
	events   chan domain.Event
	terms    chan swarm.TermFrame
	logPaths map[string]string
}

var _ Feeds = (*fakeFeeds)(nil)

func newFakeFeeds() *fakeFeeds {
	return &fakeFeeds{
		snap:   swarm.StatusSnapshot{Running: 2, TotalBots: 3, TotalCredits: 104600},
		status: make(chan swarm.StatusSnapshot, 8),
		events: make(chan domain.Event, 8),
		terms:  make(chan swarm.TermFrame, 8),
	}
}

func (f *fakeFeeds) Status() swarm.StatusSnapshot { return f.snap }
func (f *fakeFeeds) SubscribeStatus() (<-chan swarm.StatusSnapshot, func()) {
	return f.status, func() {}
}
func (f *fakeFeeds) SubscribeEvents() (<-chan domain.Event, func()) {
	return f.events, func() {}
}
func (f *fakeFeeds) SubscribeTerm() (<-chan swarm.TermFrame, func()) {
	return f.terms, func() {}
}
func (f *fakeFeeds) LogPath(botID string) string { return f.logPaths[botID] }

// wireEnvelope mirrors the frame shape for decoding in tests.
type wireEnvelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startHub(t *testing.T, feeds Feeds, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(feeds, testLogger(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server, hdr http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) (wireEnvelope, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return wireEnvelope{}, err
	}
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env, nil
}

// readUntilChannel discards frames until one for the wanted channel
// arrives. Status broadcasts interleave with everything else.
func readUntilChannel(t *testing.T, conn *websocket.Conn, channel string) wireEnvelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env, err := readEnvelope(t, conn, time.Until(deadline))
		require.NoError(t, err)
		if env.Channel == channel {
			return env
		}
	}
	t.Fatalf("no frame for channel %s", channel)
	return wireEnvelope{}
}

func TestHubSendsInitialStatus(t *testing.T) {
	feeds := newFakeFeeds()
	_, srv := startHub(t, feeds, Config{})
	conn := dialHub(t, srv, nil)

	env, err := readEnvelope(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ChannelStatus, env.Channel)
	assert.Equal(t, "status", env.Type)

	var snap swarm.StatusSnapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.Equal(t, 2, snap.Running)
	assert.Equal(t, int64(104600), snap.TotalCredits)
}

func TestHubBroadcastsStatusToDefaultSubscribers(t *testing.T) {
	feeds := newFakeFeeds()
	_, srv := startHub(t, feeds, Config{})
	conn := dialHub(t, srv, nil)

	// Skip the connect snapshot.
	_, err := readEnvelope(t, conn, 2*time.Second)
	require.NoError(t, err)

	feeds.status <- swarm.StatusSnapshot{Running: 5}
	env := readUntilChannel(t, conn, ChannelStatus)
	var snap swarm.StatusSnapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.Equal(t, 5, snap.Running)
}

func TestHubRoutesTermFramesBySubscription(t *testing.T) {
	feeds := newFakeFeeds()
	_, srv := startHub(t, feeds, Config{})
	conn := dialHub(t, srv, nil)

	_, err := readEnvelope(t, conn, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "subscribe",
		"channels": []string{"bot.tw-1.term"},
	}))

	// The subscription lands asynchronously; keep feeding frames until
	// one comes back.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(25 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				feeds.terms <- swarm.TermFrame{
					BotID: "tw-1",
					Seq:   9,
					Lines: []string{"Command [TL=00:00:00]:[610] (?=Help)? :"},
				}
			}
		}
	}()

	env := readUntilChannel(t, conn, "bot.tw-1.term")
	close(stop)
	wg.Wait()

	assert.Equal(t, "term", env.Type)
	var frame swarm.TermFrame
	require.NoError(t, json.Unmarshal(env.Payload, &frame))
	assert.Equal(t, uint64(9), frame.Seq)
	require.Len(t, frame.Lines, 1)
}

func TestHubRoutesBotEvents(t *testing.T) {
	feeds := newFakeFeeds()
	_, srv := startHub(t, feeds, Config{})
	conn := dialHub(t, srv, nil)

	_, err := readEnvelope(t, conn, 2*time.Second)
	require.NoError(t, err)

	// Wildcard covers both term and event channels for every bot.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "subscribe",
		"channels": []string{"bot.*"},
	}))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(25 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				feeds.events <- domain.Event{
					ID:    "ev-1",
					Kind:  domain.EventIntervention,
					BotID: "tw-7",
					At:    time.Now().UTC(),
					Data:  map[string]any{"category": "stuck_loop"},
				}
			}
		}
	}()

	env := readUntilChannel(t, conn, "bot.tw-7.events")
	close(stop)
	wg.Wait()

	var ev eventView
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "intervention", ev.Kind)
	assert.Equal(t, "stuck_loop", ev.Data["category"])
}

func TestHubSwarmEventsAreDefaultSubscribed(t *testing.T) {
	feeds := newFakeFeeds()
	_, srv := startHub(t, feeds, Config{})
	conn := dialHub(t, srv, nil)

	_, err := readEnvelope(t, conn, 2*time.Second)
	require.NoError(t, err)

	feeds.events <- domain.Event{ID: "ev-2", Kind: domain.EventSwarm, At: time.Now().UTC()}
	env := readUntilChannel(t, conn, ChannelSwarmEvents)
	var ev eventView
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "swarm", ev.Kind)
}

func TestHubUnsubscribe(t *testing.T) {
	feeds := newFakeFeeds()
	_, srv := startHub(t, feeds, Config{})
	conn := dialHub(t, srv, nil)

	_, err := readEnvelope(t, conn, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "unsubscribe",
		"channels": []string{ChannelStatus, ChannelSwarmEvents},
	}))
	time.Sleep(100 * time.Millisecond)

	feeds.status <- swarm.StatusSnapshot{Running: 9}
	_, err = readEnvelope(t, conn, 300*time.Millisecond)
	require.Error(t, err) // nothing should arrive
}

func TestHubTailsBotLogs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tw-4.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))

	feeds := newFakeFeeds()
	feeds.logPaths = map[string]string{"tw-4": path}
	_, srv := startHub(t, feeds, Config{})
	conn := dialHub(t, srv, nil)

	_, err := readEnvelope(t, conn, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "subscribe",
		"channels": []string{"bot.tw-4.logs"},
	}))

	var chunk struct {
		Type  string   `json:"type"`
		Lines []string `json:"lines"`
	}
	env := readUntilChannel(t, conn, "bot.tw-4.logs")
	assert.Equal(t, "logs", env.Type)
	require.NoError(t, json.Unmarshal(env.Payload, &chunk))
	assert.Equal(t, "initial", chunk.Type)
	assert.Equal(t, []string{"line one", "line two"}, chunk.Lines)

	// new lines stream as the worker writes them
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("line three\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	env = readUntilChannel(t, conn, "bot.tw-4.logs")
	require.NoError(t, json.Unmarshal(env.Payload, &chunk))
	assert.Equal(t, "append", chunk.Type)
	assert.Equal(t, []string{"line three"}, chunk.Lines)

	// rotation restarts the tail from the top
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	env = readUntilChannel(t, conn, "bot.tw-4.logs")
	require.NoError(t, json.Unmarshal(env.Payload, &chunk))
	assert.Equal(t, "truncated", chunk.Type)
}

func TestLogsBotID(t *testing.T) {
	id, ok := logsBotID("bot.tw-9.logs")
	assert.True(t, ok)
	assert.Equal(t, "tw-9", id)

	for _, ch := range []string{"bot.tw-9.term", "bot.*", "bot..logs", "bot.tw-*.logs", "swarm.status"} {
		_, ok := logsBotID(ch)
		assert.Falsef(t, ok, "channel %s must not arm a tailer", ch)
	}
}

func TestHubClientCount(t *testing.T) {
	feeds := newFakeFeeds()
	hub, srv := startHub(t, feeds, Config{})

	require.Zero(t, hub.ClientCount())
	dialHub(t, srv, nil)
	dialHub(t, srv, nil)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "no Origin header means a non-browser client")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))

	wild := originChecker([]string{"*"})
	assert.True(t, wild(req))
}

func TestIsSubscribedWildcard(t *testing.T) {
	c := &client{subs: map[string]bool{
		"swarm.status": true,
		"bot.alpha-*":  true,
	}}

	assert.True(t, c.isSubscribed("swarm.status"))
	assert.True(t, c.isSubscribed("bot.alpha-3.term"))
	assert.True(t, c.isSubscribed("bot.alpha-12.events"))
	assert.False(t, c.isSubscribed("bot.beta-1.term"))
	assert.False(t, c.isSubscribed("swarm.events"))
}
