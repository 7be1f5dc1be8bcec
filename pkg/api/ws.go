package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// HandleWebSocket upgrades the connection and hands it to the connection
// manager, which owns it until the client disconnects.
func (s *Server) HandleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// The dashboard is served from a separate origin in development.
		InsecureSkipVerify: true,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade failed"})
		return
	}

	s.connManager.HandleConnection(c.Request.Context(), conn)
}
