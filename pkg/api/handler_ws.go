package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// LiveChannel handles GET /soar/live: upgrades to WebSocket and hands
// the connection to the ConnectionManager, which enforces the
// authenticate-first handshake. Blocks until the socket closes.
func (s *Server) LiveChannel(c *gin.Context) {
	if s.connManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live channel not available"})
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		return
	}
	s.connManager.HandleConnection(c.Request.Context(), conn)
}
