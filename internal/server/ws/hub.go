package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telewarp/bbsbot/internal/domain"
	"github.com/telewarp/bbsbot/internal/swarm"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// Channel names clients can subscribe to. Term and event channels embed
// the bot id; a trailing '*' in a subscription matches by prefix, so
// "bot.*" covers every bot.
const (
	ChannelStatus      = "swarm.status"
	ChannelSwarmEvents = "swarm.events"
)

func termChannel(botID string) string  { return "bot." + botID + ".term" }
func eventChannel(botID string) string { return "bot." + botID + ".events" }
func logsChannel(botID string) string  { return "bot." + botID + ".logs" }

// Feeds is the slice of the swarm manager the hub consumes.
// *swarm.Manager satisfies it.
type Feeds interface {
	Status() swarm.StatusSnapshot
	SubscribeStatus() (<-chan swarm.StatusSnapshot, func())
	SubscribeEvents() (<-chan domain.Event, func())
	SubscribeTerm() (<-chan swarm.TermFrame, func())
	LogPath(botID string) string
}

var _ Feeds = (*swarm.Manager)(nil)

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed channels
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to manage its
// channel subscriptions: {"type":"subscribe","channels":["bot.*"]}.
// Action is accepted as an alias for type.
type subscribeMsg struct {
	Type     string   `json:"type"`
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// envelope wraps every frame the hub sends so clients can route by
// channel without guessing at payload shapes.
type envelope struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// eventView is the JSON shape for one swarm or bot event.
type eventView struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	BotID string         `json:"bot_id,omitempty"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// Hub manages a set of connected WebSocket clients and fans the swarm
// manager's status, event, and terminal feeds out to whoever subscribed.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	feeds      Feeds
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger

	tailMu  sync.Mutex
	tailers map[string]bool // log tailers by channel
}

// broadcastMsg carries a marshaled frame along with its channel so the
// hub routes it only to clients subscribed to that channel.
type broadcastMsg struct {
	channel string
	data    []byte
}

// Config controls the WebSocket upgrade policy.
type Config struct {
	// AllowedOrigins whitelists browser origins for the upgrade. "*"
	// allows any; requests without an Origin header always pass.
	AllowedOrigins []string
}

// NewHub creates a hub over the manager's live feeds.
func NewHub(feeds Feeds, logger *slog.Logger, cfg Config) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		feeds:      feeds,
		logger:     logger,
		tailers:    make(map[string]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// originChecker builds the upgrade origin policy. Non-browser clients
// send no Origin header and always pass.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run starts the hub's main event loop. It should be called in a
// goroutine. It taps the manager feeds, handles client registration,
// and broadcasts frames until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	statusCh, cancelStatus := h.feeds.SubscribeStatus()
	defer cancelStatus()
	eventCh, cancelEvents := h.feeds.SubscribeEvents()
	defer cancelEvents()
	termCh, cancelTerm := h.feeds.SubscribeTerm()
	defer cancelTerm()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.Int("total_clients", h.ClientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.ClientCount()),
			)

		case snap, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			h.push(ChannelStatus, "status", snap)

		case ev, ok := <-eventCh:
			if !ok {
				eventCh = nil
				continue
			}
			ch := ChannelSwarmEvents
			if ev.BotID != "" {
				ch = eventChannel(ev.BotID)
			}
			h.push(ch, "event", eventView{
				ID:    ev.ID,
				Kind:  string(ev.Kind),
				BotID: ev.BotID,
				At:    ev.At,
				Data:  ev.Data,
			})

		case frame, ok := <-termCh:
			if !ok {
				termCh = nil
				continue
			}
			h.push(termChannel(frame.BotID), "term", frame)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						// Client's send buffer is full; drop the frame.
						h.logger.Warn("ws: dropping frame for slow client",
							slog.String("channel", msg.channel),
						)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// push marshals an envelope and queues it for broadcast. Frames for
// channels nobody subscribed to still pass through the broadcast loop;
// the per-client check is where filtering happens.
func (h *Hub) push(channel, kind string, payload any) {
	data, err := json.Marshal(envelope{Channel: channel, Type: kind, Payload: payload})
	if err != nil {
		h.logger.Error("ws: marshal frame", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: data}:
	default:
		// Broadcast queue full; drop rather than stall the feed taps.
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and
// registers the client with the hub. Clients start subscribed to
// swarm.status and opt in to bot channels.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{ChannelStatus: true, ChannelSwarmEvents: true},
	}

	h.register <- c
	c.sendInitialStatus()

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// hasSubscriber reports whether any connected client listens on the
// channel, directly or through a wildcard. Tailers use this to shut
// down when their audience is gone.
func (h *Hub) hasSubscriber(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.isSubscribed(channel) {
			return true
		}
	}
	return false
}

// readPump reads messages from the WebSocket connection. It handles
// subscription management requests (JSON text frames) from the client.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription processes subscribe/unsubscribe requests. A
// subscription to a concrete bot.<id>.logs channel arms the file tailer
// for that bot.
func (c *client) handleSubscription(msg subscribeMsg) {
	action := msg.Type
	if action == "" {
		action = msg.Action
	}

	var tails []string
	c.mu.Lock()
	switch action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
			if id, ok := logsBotID(ch); ok {
				tails = append(tails, id)
			}
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
	c.mu.Unlock()

	for _, id := range tails {
		c.hub.ensureTailer(id, c)
	}
}

// sendInitialStatus pushes the current fleet snapshot so clients can
// paint a dashboard before the first periodic broadcast lands.
func (c *client) sendInitialStatus() {
	msg, err := json.Marshal(envelope{
		Channel: ChannelStatus,
		Type:    "status",
		Payload: c.hub.feeds.Status(),
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// isSubscribed checks whether the client is subscribed to the given
// channel, either exactly or through a trailing-'*' prefix pattern.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}

	// Wildcard match: "bot.alpha-*" covers "bot.alpha-3.term".
	for sub := range c.subs {
		if len(sub) > 0 && sub[len(sub)-1] == '*' {
			prefix := sub[:len(sub)-1]
			if len(channel) >= len(prefix) && channel[:len(prefix)] == prefix {
				return true
			}
		}
	}

	return false
}

// writePump pumps frames from the hub to the WebSocket connection and
// sends periodic pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
