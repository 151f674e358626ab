package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ListDLQ returns the newest dead-letter records of a base stream.
func (s *Server) ListDLQ(c *gin.Context) {
	stream := c.Param("stream")
	count, err := strconv.ParseInt(c.DefaultQuery("count", "50"), 10, 64)
	if err != nil || count < 1 || count > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be between 1 and 1000"})
		return
	}

	depth, err := s.bus.DLQDepth(c.Request.Context(), stream)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	msgs, err := s.bus.ListDLQ(c.Request.Context(), stream, count)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	records := make([]gin.H, 0, len(msgs))
	for _, msg := range msgs {
		records = append(records, gin.H{
			"id":              msg.ID,
			"base_event":      msg.Values["base_event"],
			"error_code":      msg.Values["error_code"],
			"attempts":        msg.Values["attempts"],
			"next_retry_at":   msg.Values["next_retry_at"],
			"payload_snippet": msg.Values["payload_snippet"],
		})
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream, "depth": depth, "records": records})
}

type replayRequest struct {
	ID string `json:"id" binding:"required"`
}

// ReplayDLQ writes one dead-letter record back into its base stream.
func (s *Server) ReplayDLQ(c *gin.Context) {
	stream := c.Param("stream")
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.bus.ReplayDLQ(c.Request.Context(), stream, req.ID); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream, "replayed": req.ID})
}
