package handlers

import (
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/storage/models"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

// WebSocketHandler streams verdicts to connected dashboards as they
// are persisted. Slow subscribers are dropped rather than allowed to
// back-pressure the pipeline.
type WebSocketHandler struct {
	mu          sync.Mutex
	subscribers map[chan models.DetectionVerdict]struct{}
}

func NewWebSocketHandler() *WebSocketHandler {
	return &WebSocketHandler{
		subscribers: make(map[chan models.DetectionVerdict]struct{}),
	}
}

// Broadcast fans a verdict out to every subscriber. Wired into the
// pipeline's OnVerdict hook.
func (h *WebSocketHandler) Broadcast(v models.DetectionVerdict) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- v:
		default:
			// Subscriber is not keeping up; skip this verdict for it.
		}
	}
}

func (h *WebSocketHandler) subscribe() chan models.DetectionVerdict {
	ch := make(chan models.DetectionVerdict, 64)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *WebSocketHandler) unsubscribe(ch chan models.DetectionVerdict) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	ch := h.subscribe()
	defer func() {
		h.unsubscribe(ch)
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain client frames so pings are answered and closure is
		// noticed.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case v := <-ch:
			if err := c.WriteJSON(verdictJSON(v)); err != nil {
				logger.Debug("Failed to write verdict to websocket", zap.Error(err))
				return
			}
		}
	}
}
