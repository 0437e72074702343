package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/audit"
	"github.com/medgraph/backend/pkg/logger"
)

// AuditStreamHandler streams audit events to operator dashboards over
// WebSocket. Events carry metadata only; no query text flows here.
type AuditStreamHandler struct {
	audit *audit.Logger
}

func NewAuditStreamHandler(auditLogger *audit.Logger) *AuditStreamHandler {
	return &AuditStreamHandler{audit: auditLogger}
}

func (h *AuditStreamHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("Audit stream connection established")

	events, cancel := h.audit.Subscribe()
	defer func() {
		cancel()
		c.Close()
		logger.Info("Audit stream connection closed")
	}()

	// Reads are only used to detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(event); err != nil {
				logger.Debug("Audit stream write failed", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
