package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/fakeos/termbroker/internal/ws"
)

// WebSocketHandler serves the terminal WebSocket endpoints.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Shared handles GET /ws - a connection joining shared sessions by id.
func (h *WebSocketHandler) Shared(c *gin.Context) {
	h.wsHandler.ServeShared(c.Writer, c.Request)
}

// Standalone handles GET /ws/standalone - a connection with its own
// terminal.
func (h *WebSocketHandler) Standalone(c *gin.Context) {
	h.wsHandler.ServeStandalone(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket routes.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Shared)
	r.GET("/ws/standalone", h.Standalone)
}
