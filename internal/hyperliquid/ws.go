package hyperliquid

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE WEBSOCKET - userFills subscriptions for tracked wallets
// ═══════════════════════════════════════════════════════════════════════════════
//
// One reader goroutine, auto-reconnect with a fixed delay. On reconnect the
// current address set is resubscribed and a Reconnected event is emitted so
// downstream consumers can drop their dedup caches (the exchange may replay
// fills after a reconnect).
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
	eventBuffer    = 1024
)

// StreamEvent is one frame handed to the consumer
type StreamEvent struct {
	Reconnected bool
	User        string
	IsSnapshot  bool
	Fills       []Fill
}

type wsRequest struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription,omitempty"`
}

type wsFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsUserFills struct {
	User       string `json:"user"`
	IsSnapshot bool   `json:"isSnapshot"`
	Fills      []Fill `json:"fills"`
}

// WSClient manages the subscription WebSocket
type WSClient struct {
	mu sync.RWMutex

	url       string
	conn      *websocket.Conn
	running   bool
	connected bool
	stopCh    chan struct{}

	users  map[string]struct{}
	events chan StreamEvent
}

// NewWSClient creates a WebSocket client for the given stream URL
func NewWSClient(url string) *WSClient {
	return &WSClient{
		url:    url,
		stopCh: make(chan struct{}),
		users:  make(map[string]struct{}),
		events: make(chan StreamEvent, eventBuffer),
	}
}

// Start connects and begins processing
func (w *WSClient) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.connectionLoop()
	log.Info().Str("url", w.url).Msg("📡 Exchange stream started")
}

// Stop closes the connection and stops reconnecting
func (w *WSClient) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)

	if w.conn != nil {
		w.conn.Close()
	}
	log.Info().Msg("Exchange stream stopped")
}

// Events returns the stream of fill batches and reconnect markers
func (w *WSClient) Events() <-chan StreamEvent {
	return w.events
}

// SubscribeUserFills adds a wallet to the subscription set
func (w *WSClient) SubscribeUserFills(addr string) {
	w.mu.Lock()
	if _, ok := w.users[addr]; ok {
		w.mu.Unlock()
		return
	}
	w.users[addr] = struct{}{}
	conn, connected := w.conn, w.connected
	w.mu.Unlock()

	if connected {
		w.send(conn, wsRequest{Method: "subscribe", Subscription: map[string]any{"type": "userFills", "user": addr}})
	}
}

// UnsubscribeUserFills removes a wallet from the subscription set
func (w *WSClient) UnsubscribeUserFills(addr string) {
	w.mu.Lock()
	if _, ok := w.users[addr]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.users, addr)
	conn, connected := w.conn, w.connected
	w.mu.Unlock()

	if connected {
		w.send(conn, wsRequest{Method: "unsubscribe", Subscription: map[string]any{"type": "userFills", "user": addr}})
	}
}

// SubscribedUsers returns the current subscription set
func (w *WSClient) SubscribedUsers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]string, 0, len(w.users))
	for u := range w.users {
		out = append(out, u)
	}
	return out
}

func (w *WSClient) send(conn *websocket.Conn, req wsRequest) {
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(req); err != nil {
		log.Error().Err(err).Str("method", req.Method).Msg("WS write failed")
	}
}

// connectionLoop maintains the connection, reconnecting after a fixed delay
func (w *WSClient) connectionLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if err := w.connect(); err != nil {
			log.Error().Err(err).Msg("WS connect failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		w.readLoop()

		w.mu.Lock()
		w.connected = false
		w.mu.Unlock()

		time.Sleep(reconnectDelay)
	}
}

func (w *WSClient) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	users := make([]string, 0, len(w.users))
	for u := range w.users {
		users = append(users, u)
	}
	w.mu.Unlock()

	log.Info().Int("subscriptions", len(users)).Msg("🔌 Exchange WebSocket connected")

	// Resubscribe everything and tell downstream to reset dedup state
	for _, u := range users {
		w.send(conn, wsRequest{Method: "subscribe", Subscription: map[string]any{"type": "userFills", "user": u}})
	}
	w.emit(StreamEvent{Reconnected: true})

	go w.pingLoop(conn)
	return nil
}

// pingLoop keeps the connection alive
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.RLock()
			current, connected := w.conn, w.connected
			w.mu.RUnlock()

			if !connected || current != conn {
				return
			}
			w.send(conn, wsRequest{Method: "ping"})
		}
	}
}

// readLoop reads frames until the connection drops
func (w *WSClient) readLoop() {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
			default:
				log.Warn().Err(err).Msg("WS read failed, reconnecting")
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.Error().Err(err).Msg("Malformed WS frame, skipping")
			continue
		}

		switch frame.Channel {
		case "userFills":
			var data wsUserFills
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				log.Error().Err(err).Msg("Malformed userFills frame, skipping")
				continue
			}
			w.emit(StreamEvent{User: data.User, IsSnapshot: data.IsSnapshot, Fills: data.Fills})
		case "subscriptionResponse", "pong":
			// ack, nothing to do
		}
	}
}

// emit hands an event to the consumer without ever stalling the reader
func (w *WSClient) emit(ev StreamEvent) {
	select {
	case w.events <- ev:
	default:
		log.Warn().Str("user", ev.User).Int("fills", len(ev.Fills)).Msg("⚠️ Stream consumer lagging, dropping frame")
	}
}
