package swarm

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/telewarp/bbsbot/internal/bus"
	"github.com/telewarp/bbsbot/internal/domain"
)

const (
	// uplinkWriteWait is the maximum time to wait for a write to complete.
	uplinkWriteWait = 10 * time.Second

	// uplinkPongWait is the maximum time to wait for a pong from a worker.
	uplinkPongWait = 60 * time.Second

	// uplinkPingPeriod sends pings at this interval. Must be less than
	// uplinkPongWait.
	uplinkPingPeriod = (uplinkPongWait * 9) / 10

	// uplinkMaxMessage bounds one inbound frame; a full screen snapshot
	// with headroom.
	uplinkMaxMessage = 64 * 1024

	// uplinkSendBuffer is the per-worker outgoing queue.
	uplinkSendBuffer = 64

	// helloWait is how long a fresh connection gets to identify itself.
	helloWait = 10 * time.Second
)

var uplinkUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Workers are not browsers; the bearer token is the gate.
		return true
	},
}

// uplinkObserver receives worker traffic. The manager implements it.
type uplinkObserver interface {
	workerHello(h helloBody)
	workerStatus(s statusBody)
	workerTurn(rec domain.TurnRecord)
	workerEvent(ev domain.Event)
	workerTerm(t TermFrame)
	workerBye(b byeBody)
	workerGone(botID string)
}

// Uplink is the manager side of the worker control channel: each worker
// process dials in over WebSocket, identifies itself with a hello frame,
// then pushes status/turn/event/term traffic while answering manager
// requests.
type Uplink struct {
	token    string
	observer uplinkObserver
	logger   *slog.Logger

	mu    sync.RWMutex
	links map[string]*workerLink
}

func newUplink(token string, obs uplinkObserver, logger *slog.Logger) *Uplink {
	return &Uplink{
		token:    token,
		observer: obs,
		logger:   logger,
		links:    make(map[string]*workerLink),
	}
}

// workerLink is one connected worker.
type workerLink struct {
	botID string
	conn  *websocket.Conn
	send  chan []byte

	mu      sync.Mutex
	pending map[string]chan responseBody
	closed  bool
	done    chan struct{}
}

// Handler serves the worker uplink endpoint.
func (u *Uplink) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !u.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := uplinkUpgrader.Upgrade(w, r, nil)
		if err != nil {
			u.logger.Error("uplink: upgrade failed", slog.String("error", err.Error()))
			return
		}
		go u.serve(conn)
	}
}

func (u *Uplink) authorized(r *http.Request) bool {
	if u.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(u.token)) == 1
}

// serve owns one connection: waits for hello, registers the link, then
// pumps frames until the socket dies.
func (u *Uplink) serve(conn *websocket.Conn) {
	conn.SetReadLimit(uplinkMaxMessage)
	conn.SetReadDeadline(time.Now().Add(helloWait))

	_, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	f, err := decodeFrame(payload)
	if err != nil || f.Type != frameHello {
		u.logger.Warn("uplink: connection did not say hello")
		conn.Close()
		return
	}
	var hello helloBody
	if err := decodeBody(f, &hello); err != nil || hello.BotID == "" {
		u.logger.Warn("uplink: malformed hello")
		conn.Close()
		return
	}

	link := &workerLink{
		botID:   hello.BotID,
		conn:    conn,
		send:    make(chan []byte, uplinkSendBuffer),
		pending: make(map[string]chan responseBody),
		done:    make(chan struct{}),
	}

	u.mu.Lock()
	if old, ok := u.links[hello.BotID]; ok {
		// A respawned worker replaces its predecessor's dead socket.
		old.close()
	}
	u.links[hello.BotID] = link
	u.mu.Unlock()

	u.logger.Info("uplink: worker connected",
		slog.String("bot_id", hello.BotID),
		slog.Int("pid", hello.PID),
	)
	u.observer.workerHello(hello)

	go link.writePump()
	u.readPump(link)
}

// readPump drains worker frames until the connection breaks, then
// unregisters.
func (u *Uplink) readPump(link *workerLink) {
	defer func() {
		link.close()
		u.mu.Lock()
		current := u.links[link.botID] == link
		if current {
			delete(u.links, link.botID)
		}
		u.mu.Unlock()
		// A superseded link's death says nothing about the worker; only
		// the registered link's loss counts.
		if current {
			u.observer.workerGone(link.botID)
			u.logger.Info("uplink: worker disconnected", slog.String("bot_id", link.botID))
		}
	}()

	link.conn.SetReadDeadline(time.Now().Add(uplinkPongWait))
	link.conn.SetPongHandler(func(string) error {
		link.conn.SetReadDeadline(time.Now().Add(uplinkPongWait))
		return nil
	})

	for {
		_, payload, err := link.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				u.logger.Warn("uplink: unexpected close",
					slog.String("bot_id", link.botID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		link.conn.SetReadDeadline(time.Now().Add(uplinkPongWait))
		u.dispatch(link, payload)
	}
}

func (u *Uplink) dispatch(link *workerLink, payload []byte) {
	f, err := decodeFrame(payload)
	if err != nil {
		u.logger.Warn("uplink: bad frame",
			slog.String("bot_id", link.botID),
			slog.String("error", err.Error()),
		)
		return
	}

	switch f.Type {
	case frameStatus:
		var s statusBody
		if err := decodeBody(f, &s); err == nil {
			if s.BotID == "" {
				s.BotID = link.botID
			}
			u.observer.workerStatus(s)
		}
	case frameTurn:
		var t turnBody
		if err := decodeBody(f, &t); err == nil {
			u.observer.workerTurn(turnFromWire(t))
		}
	case frameEvent:
		if ev, err := bus.DecodeEvent(f.Body); err == nil {
			u.observer.workerEvent(ev)
		}
	case frameTerm:
		var t TermFrame
		if err := decodeBody(f, &t); err == nil {
			if t.BotID == "" {
				t.BotID = link.botID
			}
			u.observer.workerTerm(t)
		}
	case frameBye:
		var b byeBody
		if err := decodeBody(f, &b); err == nil {
			if b.BotID == "" {
				b.BotID = link.botID
			}
			u.observer.workerBye(b)
		}
	case frameResponse:
		var resp responseBody
		if err := decodeBody(f, &resp); err == nil {
			link.resolve(resp)
		}
	default:
		u.logger.Warn("uplink: unknown frame type",
			slog.String("bot_id", link.botID),
			slog.String("type", f.Type),
		)
	}
}

// Connected reports whether a worker currently holds an uplink.
func (u *Uplink) Connected(botID string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.links[botID]
	return ok
}

// Request sends an op to a worker and waits for the matching response.
func (u *Uplink) Request(ctx context.Context, botID, op string, params map[string]string) (json.RawMessage, error) {
	u.mu.RLock()
	link, ok := u.links[botID]
	u.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("swarm: %s: %w", botID, domain.ErrBotNotFound)
	}

	req := requestBody{ID: uuid.NewString(), Op: op, Params: params}
	payload, err := encodeFrame(frameRequest, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan responseBody, 1)
	if err := link.expect(req.ID, ch); err != nil {
		return nil, err
	}
	defer link.forget(req.ID)

	select {
	case link.send <- payload:
	case <-link.done:
		return nil, fmt.Errorf("swarm: %s: uplink closed: %w", botID, domain.ErrConnClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return nil, fmt.Errorf("swarm: %s: %s: %s", botID, op, resp.Error)
		}
		return resp.Result, nil
	case <-link.done:
		return nil, fmt.Errorf("swarm: %s: uplink closed: %w", botID, domain.ErrConnClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// closeAll tears down every link, typically on manager shutdown.
func (u *Uplink) closeAll() {
	u.mu.Lock()
	links := make([]*workerLink, 0, len(u.links))
	for _, l := range u.links {
		links = append(links, l)
	}
	u.links = make(map[string]*workerLink)
	u.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}

func (l *workerLink) expect(id string, ch chan responseBody) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("swarm: %s: uplink closed: %w", l.botID, domain.ErrConnClosed)
	}
	l.pending[id] = ch
	return nil
}

func (l *workerLink) forget(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *workerLink) resolve(resp responseBody) {
	l.mu.Lock()
	ch, ok := l.pending[resp.ID]
	if ok {
		delete(l.pending, resp.ID)
	}
	l.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (l *workerLink) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()
	l.conn.Close()
}

// writePump pushes queued frames and keepalive pings until the link
// closes.
func (l *workerLink) writePump() {
	ticker := time.NewTicker(uplinkPingPeriod)
	defer func() {
		ticker.Stop()
		l.close()
	}()

	for {
		select {
		case <-l.done:
			return
		case payload := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(uplinkWriteWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(uplinkWriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
