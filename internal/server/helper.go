package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ai-gateway/cursor-gateway/internal/provisioner"
)

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"serverRunning": true, "tokenProcess": s.helper.Running()})
}

func (s *Server) startToken(c *gin.Context) {
	// The helper must outlive this request.
	err := s.helper.Start(s.base)
	switch {
	case errors.Is(err, provisioner.ErrAlreadyRunning):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Token process already running"})
	case err != nil:
		s.logger.Error("starting token process", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Token process started successfully"})
	}
}

func (s *Server) stopToken(c *gin.Context) {
	err := s.helper.Stop()
	switch {
	case errors.Is(err, provisioner.ErrNotRunning):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Token process is not running"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Token process stopped successfully"})
	}
}

// tokenOutput relays helper events as named SSE events until the client
// leaves or the helper exits.
func (s *Server) tokenOutput(c *gin.Context) {
	events, cancel := s.helper.Broker().Subscribe()
	defer cancel()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.SSEvent("connected", gin.H{"message": "connected"})
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(e.Kind), eventData(e))
			c.Writer.Flush()
			if e.Kind == provisioner.EventExit {
				return
			}
		}
	}
}

func eventData(e provisioner.Event) gin.H {
	switch e.Kind {
	case provisioner.EventError:
		return gin.H{"error": e.Message}
	case provisioner.EventExit:
		return gin.H{"code": e.Code}
	default:
		return gin.H{"message": e.Message}
	}
}
