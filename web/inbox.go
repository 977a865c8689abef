package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/fedtube/activitypub"
	"github.com/deemkeen/fedtube/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ownerLookup finds the local actor a scoped route belongs to.
type ownerLookup func(c *gin.Context) (*domain.Actor, error)

// handleInbox accepts a signed delivery for asynchronous processing. The
// reply only says whether it was queued, never how processing went.
func (s *Server) handleInbox(owner ownerLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		var inboxOwner *domain.Actor
		if owner != nil {
			actor, err := owner(c)
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
				return
			}
			inboxOwner = actor
		}

		body, err := c.GetRawData()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
			return
		}
		if err := activitypub.VerifyDigest(c.GetHeader("Digest"), body); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid digest"})
			return
		}

		_, err = s.deps.Inbox.Receive(body, signatureActor(c), inboxOwner)
		switch {
		case errors.Is(err, activitypub.ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed activity"})
		case errors.Is(err, activitypub.ErrQueueFull):
			s.log.Warn("Inbox queue full, asking peer to retry", zap.String("ip", c.ClientIP()))
			c.Header("Retry-After", "60")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Try again later"})
		case err != nil:
			s.log.Error("Failed to accept delivery", zap.Error(err))
			c.Status(http.StatusInternalServerError)
		default:
			c.Status(http.StatusNoContent)
		}
	}
}
