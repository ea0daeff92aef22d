package httpserver

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/sift/internal/apperr"
)

// handleToolStream opens a tool protocol session over server-sent events.
// The first event names the endpoint to post requests to; responses and
// notifications follow as "message" events.
func (s *Server) handleToolStream(c *gin.Context) {
	sess := s.push.Open(c.Request.Context())
	defer s.push.Close(sess)

	startStream(c)
	c.SSEvent("endpoint", "/mcp/message?session_id="+sess.ID)
	c.Writer.Flush()
	for {
		select {
		case data := <-sess.Out():
			c.SSEvent("message", string(data))
			c.Writer.Flush()
		case <-sess.Done():
			return
		}
	}
}

// handleToolMessage delivers one request to an open session. The response
// travels over the session's stream.
func (s *Server) handleToolMessage(c *gin.Context) {
	id := c.Query("session_id")
	if id == "" {
		badRequest(c, "session_id is required")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload))
	if err != nil {
		badRequest(c, "read body: "+err.Error())
		return
	}
	if err := s.push.Post(id, body); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			abortWithError(c, err)
			return
		}
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}
