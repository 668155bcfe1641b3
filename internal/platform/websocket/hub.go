// Package websocket streams panel snapshots to WebSocket clients. Each
// connection follows one encounter topic and receives every published
// snapshot of that encounter in version order.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/livepanels/internal/domain/panel"
)

const (
	EventPanelsUpdated  = "panels.updated"
	EventEncounterEnded = "encounter.ended"
)

// Event is a notification sent to WebSocket clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Version   uint64          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Topic returns the topic name of an encounter.
func Topic(encounterID string) string {
	return "Encounter/" + encounterID
}

// PanelSource is the subscription side of the encounter dispatcher.
type PanelSource interface {
	Subscribe(ctx context.Context, encounterID string) (<-chan panel.PanelState, func(), error)
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single WebSocket connection following one topic. Only the
// stream goroutine sends on or closes Send.
type Client struct {
	ID    string
	Topic string
	Send  chan []byte

	conn Conn
	done chan struct{}
	once sync.Once
}

func newClient(topic string, conn Conn) *Client {
	return &Client{
		ID:    uuid.New().String(),
		Topic: topic,
		Send:  make(chan []byte, 16),
		conn:  conn,
		done:  make(chan struct{}),
	}
}

// Close stops the client and closes its connection. It is safe to call more
// than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Hub tracks the connected clients by topic. All operations are thread-safe
// via sync.RWMutex.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

// NewHub creates a new Hub ready to track WebSocket clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub under its topic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.clients[client.Topic] == nil {
		h.clients[client.Topic] = make(map[*Client]struct{})
	}
	h.clients[client.Topic][client] = struct{}{}
}

// Unregister removes a client from the hub. Unknown clients are ignored.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	if subscribers, ok := h.clients[client.Topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, client.Topic)
		}
	}
	delete(h.all, client)
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients following a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Stream forwards every snapshot from states to the client as a
// panels.updated event, then an encounter.ended event once states closes.
// Delivery blocks on the client rather than dropping snapshots. A snapshot
// that cannot be encoded is logged and skipped. Stream closes Send when it
// returns.
func (h *Hub) Stream(client *Client, states <-chan panel.PanelState) {
	defer close(client.Send)

	for s := range states {
		data, err := json.Marshal(s)
		if err != nil {
			h.logger.Error().Err(err).
				Str("encounter_id", s.EncounterID).
				Str("client_id", client.ID).
				Uint64("version", s.Version).
				Msg("panel snapshot not encodable, skipped")
			continue
		}
		if !h.deliver(client, Event{Type: EventPanelsUpdated, Topic: client.Topic, Version: s.Version, Timestamp: s.GeneratedAt, Data: data}) {
			return
		}
	}
	h.deliver(client, Event{Type: EventEncounterEnded, Topic: client.Topic, Timestamp: time.Now()})
}

func (h *Hub) deliver(client *Client, event Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).
			Str("client_id", client.ID).
			Str("event", event.Type).
			Msg("stream event not encodable, skipped")
		return true
	}
	select {
	case client.Send <- data:
		return true
	case <-client.done:
		return false
	}
}

// ---------------------------------------------------------------------------
// Handler: Echo HTTP handler for panel streams
// ---------------------------------------------------------------------------

// Handler upgrades HTTP requests to panel streams.
type Handler struct {
	hub      *Hub
	source   PanelSource
	logger   zerolog.Logger
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates a handler streaming from source. An empty origins list
// accepts every origin.
func NewHandler(hub *Hub, source PanelSource, logger zerolog.Logger, origins []string) *Handler {
	return &Handler{
		hub:    hub,
		source: source,
		logger: logger,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
	}
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(r *http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		return allowed["*"] || allowed[r.Header.Get("Origin")]
	}
}

// RegisterRoutes registers the stream endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws/panels/:encounterId", h.HandleStream)
}

// HandleStream subscribes to the encounter before upgrading, so unknown
// encounters get a plain 404.
func (h *Handler) HandleStream(c echo.Context) error {
	encounterID := c.Param("encounterId")

	ctx, stop := context.WithCancel(context.Background())
	states, cancel, err := h.source.Subscribe(ctx, encounterID)
	if err != nil {
		stop()
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		cancel()
		stop()
		return err
	}

	client := newClient(Topic(encounterID), &gorillaConnAdapter{ws})
	h.hub.Register(client)
	h.logger.Info().Str("encounter_id", encounterID).Str("client_id", client.ID).Msg("panel stream opened")

	go h.hub.Stream(client, states)
	go h.writePump(client)
	go h.readPump(client, func() {
		cancel()
		stop()
	})

	return nil
}

// readPump discards client messages and tears the stream down once the
// connection fails.
func (h *Handler) readPump(client *Client, release func()) {
	defer func() {
		release()
		h.hub.Unregister(client)
		client.Close()
		h.logger.Info().Str("topic", client.Topic).Str("client_id", client.ID).Msg("panel stream closed")
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump writes queued events to the connection and sends a close frame
// once the stream ends.
func (h *Handler) writePump(client *Client) {
	defer client.Close()

	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				client.conn.WriteMessage(gorillawebsocket.CloseMessage,
					gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, "encounter ended"))
				return
			}
			if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
