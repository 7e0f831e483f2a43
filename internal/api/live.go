package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sensorwatch/internal/auth"
	"sensorwatch/internal/storage"
)

const (
	liveBuffer     = 64
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
)

// Hub fans persisted readings out to websocket subscribers. Slow
// subscribers lose readings instead of stalling ingestion.
type Hub struct {
	mu      sync.RWMutex
	clients map[*liveClient]struct{}
	closed  bool
	logger  zerolog.Logger
}

type liveClient struct {
	userID  string
	send    chan storage.SensorReading
	dropped atomic.Int64
}

// NewHub creates an empty hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*liveClient]struct{}),
		logger:  logger,
	}
}

// Publish hands r to every subscriber interested in its user
func (h *Hub) Publish(r storage.SensorReading) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.userID != "" && c.userID != r.UserID {
			continue
		}
		select {
		case c.send <- r:
		default:
			c.dropped.Add(1)
		}
	}
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) subscribe(userID string) (*liveClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	c := &liveClient{userID: userID, send: make(chan storage.SensorReading, liveBuffer)}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *Hub) unsubscribe(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	if n := c.dropped.Load(); n > 0 {
		h.logger.Debug().Int64("dropped", n).Msg("Live subscriber lagged behind")
	}
}

// LiveHandler upgrades /api/live to a websocket streaming readings
type LiveHandler struct {
	hub      *Hub
	wsTokens *auth.WSTokenStore
	noAuth   bool
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewLiveHandler creates new live handler
func NewLiveHandler(hub *Hub, wsTokens *auth.WSTokenStore, noAuth bool, logger zerolog.Logger) *LiveHandler {
	h := &LiveHandler{
		hub:      hub,
		wsTokens: wsTokens,
		noAuth:   noAuth,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts the upgrade only with a valid one-time token, which
// also protects against cross-site websocket hijacking
func (h *LiveHandler) checkOrigin(r *http.Request) bool {
	if h.noAuth {
		return true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		h.logger.Warn().Msg("Live stream rejected: missing token")
		return false
	}

	username, valid := h.wsTokens.Validate(token)
	if !valid {
		h.logger.Warn().Msg("Live stream rejected: invalid or expired token")
		return false
	}

	h.logger.Info().Str("username", username).Msg("Live stream authorized")
	return true
}

// Connect handles GET /api/live?token=&user=
func (h *LiveHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Debug().Err(err).Msg("Live stream upgrade failed")
		return
	}
	defer ws.Close()

	client, ok := h.hub.subscribe(r.URL.Query().Get("user"))
	if !ok {
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return
	}
	defer h.hub.unsubscribe(client)

	// Reader: handles pongs and notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(512)
		ws.SetReadDeadline(time.Now().Add(livePongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case reading, ok := <-client.send:
			ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := ws.WriteJSON(reading); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
