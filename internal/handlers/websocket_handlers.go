package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sand/loyalty-escrow/backend/internal/core/ports"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

// StatusEvent is pushed to subscribers after every committed transition.
type StatusEvent struct {
	OrderID   string               `json:"orderId"`
	Status    entities.OrderStatus `json:"status"`
	ErrorMsg  string               `json:"errorMsg,omitempty"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan StatusEvent
}

// Hub fans order status changes out to websocket subscribers of that order.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
}

// NotifyStatus never blocks: a subscriber that is not keeping up misses the event.
func (h *Hub) NotifyStatus(order *entities.Order) {
	event := StatusEvent{OrderID: order.ID, Status: order.Status, UpdatedAt: order.UpdatedAt}
	if order.ErrorMsg != nil {
		event.ErrorMsg = *order.ErrorMsg
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers[order.ID] {
		select {
		case sub.send <- event:
		default:
			h.logger.Warn("Dropping status event for slow subscriber", "order_id", order.ID, "status", order.Status)
		}
	}
}

func (h *Hub) subscribe(orderID string, conn *websocket.Conn) *subscriber {
	sub := &subscriber{conn: conn, send: make(chan StatusEvent, 16)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[orderID] == nil {
		h.subscribers[orderID] = make(map[*subscriber]struct{})
	}
	h.subscribers[orderID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(orderID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subscribers[orderID], sub)
	if len(h.subscribers[orderID]) == 0 {
		delete(h.subscribers, orderID)
	}
}

type WebSocketHandler struct {
	logger *slog.Logger
	orders ports.OrderService
	hub    *Hub

	pingPeriod time.Duration
	pongWait   time.Duration
}

func NewWebSocketHandler(logger *slog.Logger, orders ports.OrderService, hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{
		logger:     logger,
		orders:     orders,
		hub:        hub,
		pingPeriod: ports.WebsocketPingPeriod,
		pongWait:   ports.WebsocketPongWait,
	}
}

func (h *WebSocketHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/orders/{id}", h.HandleConnection)
}

// HandleConnection streams the order's status, starting with the current one.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	order, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conn, err := h.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Error upgrading connection", "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.subscribe(orderID, conn)
	defer h.hub.unsubscribe(orderID, sub)

	h.logger.Info("New WebSocket connection", "order_id", orderID)

	// A peer that stops answering pings is dropped once the read deadline passes.
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	done := make(chan struct{})
	go h.writeLoop(sub, done)

	sub.send <- StatusEvent{OrderID: order.ID, Status: order.Status, UpdatedAt: order.UpdatedAt}

	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			h.logger.Debug("WebSocket connection closed", "order_id", orderID, "error", err)
			close(done)
			return
		}
	}
}

func (h *WebSocketHandler) writeLoop(sub *subscriber, done <-chan struct{}) {
	ping := time.NewTicker(h.pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case event := <-sub.send:
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("Error encoding status event", "error", err)
				continue
			}
			_ = sub.conn.SetWriteDeadline(time.Now().Add(ports.WebsocketWriteWait))
			if err = sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug("Error writing status event", "order_id", event.OrderID, "error", err)
				return
			}
		case <-ping.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(ports.WebsocketWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
