package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/ingest"
	"github.com/teleforge/teleforge/pkg/media"
)

// ingestMedia is one media object, carried inline as base64.
type ingestMedia struct {
	Data string `json:"data" binding:"required"`
	MIME string `json:"mime" binding:"required"`
}

type ingestPost struct {
	MessageSeq  int64         `json:"message_seq" binding:"required"`
	Text        string        `json:"text"`
	PostedAt    time.Time     `json:"posted_at" binding:"required"`
	GroupedID   int64         `json:"grouped_id"`
	TelegramURL string        `json:"telegram_post_url"`
	Media       []ingestMedia `json:"media"`
}

type ingestRequest struct {
	ChannelID       int64        `json:"channel_id"`
	ChannelUsername string       `json:"channel_username"`
	UserID          string       `json:"user_id" binding:"required"`
	TenantID        string       `json:"tenant_id"`
	Posts           []ingestPost `json:"posts" binding:"required,min=1"`
}

// Ingest accepts one raw post batch: media objects land in the CAS store
// first, then the batch is saved atomically. It stands in for the upstream
// Telegram client in deployments that push instead of pull.
func (s *Server) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ChannelID == 0 && req.ChannelUsername == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id or channel_username is required"})
		return
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = events.TenantDefault
	}

	batch := ingest.Batch{
		ChannelID:       req.ChannelID,
		ChannelUsername: req.ChannelUsername,
		UserID:          req.UserID,
		TenantID:        tenant,
		TraceID:         uuid.NewString(),
		Posts:           make([]ingest.PostInput, 0, len(req.Posts)),
	}

	for _, post := range req.Posts {
		in := ingest.PostInput{
			MessageSeq:  post.MessageSeq,
			Text:        post.Text,
			PostedAt:    post.PostedAt,
			GroupedID:   post.GroupedID,
			TelegramURL: post.TelegramURL,
		}
		for i, m := range post.Media {
			data, err := base64.StdEncoding.DecodeString(m.Data)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "media data is not valid base64"})
				return
			}
			put, err := s.store.Put(c.Request.Context(), tenant, data, m.MIME)
			if err != nil {
				if errors.Is(err, media.ErrQuotaExceeded) {
					c.JSON(http.StatusTooManyRequests, gin.H{"error": "storage quota exceeded"})
					return
				}
				c.JSON(http.StatusBadGateway, gin.H{"error": "media store unavailable"})
				return
			}
			role := events.MediaRoleAttachment
			if i == 0 {
				role = events.MediaRolePrimary
			}
			in.Media = append(in.Media, ingest.MediaInput{
				SHA256:    put.SHA256,
				Key:       put.Key,
				MIME:      m.MIME,
				SizeBytes: put.Size,
				Position:  i,
				Role:      role,
			})
		}
		batch.Posts = append(batch.Posts, in)
	}

	result, err := s.saver.SaveBatch(c.Request.Context(), batch)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrChannelNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		case errors.Is(err, ingest.ErrUserNotSubscribed), errors.Is(err, ingest.ErrSubscriptionInactive):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save batch"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"channel_id": result.ChannelID,
		"post_ids":   result.PostIDs,
		"inserted":   result.Inserted,
		"albums":     result.Albums,
	})
}
