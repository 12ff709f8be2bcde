package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/middleware"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamBuffer     = 32
)

// TransactionEvent is pushed to stream subscribers on every state change.
type TransactionEvent struct {
	Type        string                   `json:"type"`
	Transaction *domain.Transaction      `json:"transaction"`
	Status      domain.TransactionStatus `json:"status"`
	Timestamp   time.Time                `json:"timestamp"`
}

// Terminal reports whether no further events follow.
func (e *TransactionEvent) Terminal() bool {
	return e.Status.IsTerminal()
}

type subscriber struct {
	id   string
	send chan *TransactionEvent
}

// StreamHub fans transaction snapshots out to websocket subscribers. It
// implements gateway.Notifier.
type StreamHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	logger      *logrus.Logger
}

// NewStreamHub creates an empty hub.
func NewStreamHub(logger *logrus.Logger) *StreamHub {
	return &StreamHub{
		subscribers: make(map[string]map[*subscriber]struct{}),
		logger:      logger,
	}
}

// Notify delivers a snapshot to the transaction's subscribers without
// blocking the gateway. A slow subscriber misses intermediate events, but a
// terminal event evicts the oldest buffered one so the final state always
// arrives.
func (h *StreamHub) Notify(tx *domain.Transaction) {
	if tx == nil {
		return
	}
	event := &TransactionEvent{
		Type:        "transaction.updated",
		Transaction: tx,
		Status:      tx.Status,
		Timestamp:   tx.UpdatedAt,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers[tx.ID] {
		if event.Terminal() {
			h.deliverTerminal(sub, event)
			continue
		}
		select {
		case sub.send <- event:
		default:
			h.logger.WithField("transaction_id", tx.ID).Warn("Stream subscriber buffer full, dropping event")
		}
	}
}

func (h *StreamHub) deliverTerminal(sub *subscriber, event *TransactionEvent) {
	for evicted := 0; evicted <= cap(sub.send); evicted++ {
		select {
		case sub.send <- event:
			if evicted > 0 {
				h.logger.WithFields(logrus.Fields{
					"transaction_id": sub.id,
					"evicted":        evicted,
				}).Warn("Stream subscriber lagging, dropped updates before final state")
			}
			return
		default:
		}
		select {
		case <-sub.send:
		default:
		}
	}
	h.logger.WithField("transaction_id", sub.id).Error("Failed to deliver final state to stream subscriber")
}

// SubscriberCount returns the number of subscribers for a transaction.
func (h *StreamHub) SubscriberCount(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[id])
}

func (h *StreamHub) subscribe(id string) *subscriber {
	sub := &subscriber{id: id, send: make(chan *TransactionEvent, streamBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[id] == nil {
		h.subscribers[id] = make(map[*subscriber]struct{})
	}
	h.subscribers[id][sub] = struct{}{}
	return sub
}

func (h *StreamHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[sub.id]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, sub.id)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleTransactionStream upgrades to a websocket, sends the current
// snapshot and then every update until the transaction is terminal.
func (s *Server) handleTransactionStream(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.services.Submissions.Get(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).WithField("transaction_id", id).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe(id)
	defer s.hub.unsubscribe(sub)

	log := s.logger.WithFields(logrus.Fields{
		"transaction_id": id,
		"request_id":     middleware.GetRequestID(c),
	})
	log.Debug("Transaction stream opened")

	// Snapshot after subscribing so no transition falls between the two.
	tx, err := s.services.Submissions.Get(c.Request.Context(), id)
	if err != nil {
		log.WithError(err).Warn("Failed to load transaction for stream")
		return
	}
	initial := &TransactionEvent{Type: "transaction.snapshot", Transaction: tx, Status: tx.Status, Timestamp: tx.UpdatedAt}
	if err := writeEvent(conn, initial); err != nil || initial.Terminal() {
		closeStream(conn)
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-sub.send:
			if err := writeEvent(conn, event); err != nil {
				return
			}
			if event.Terminal() {
				closeStream(conn)
				log.WithField("status", event.Status).Debug("Transaction stream completed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event *TransactionEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(event)
}

func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "transaction complete")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}
