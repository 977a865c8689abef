package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	itemsPerPage = 20
	maxPage      = 100000
)

type collection int

const (
	followersCollection collection = iota
	followingCollection
)

func (k collection) suffix() string {
	if k == followersCollection {
		return "followers"
	}
	return "following"
}

// handleCollection serves the accepted followers or following of a local
// actor as an OrderedCollection; ?page=n returns one page of it.
func (s *Server) handleCollection(lookup ownerLookup, kind collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := lookup(c)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
			return
		}
		ctx := c.Request.Context()
		collectionURL := actor.URL + "/" + kind.suffix()

		total, err := s.countFollows(ctx, kind, actor.Id)
		if err != nil {
			s.log.Error("Failed to count follows", zap.String("actor", actor.URL), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Header("Content-Type", activityJSON)
		page := ParsePageParam(c.Query("page"))
		if page == 0 {
			c.JSON(http.StatusOK, gin.H{
				"@context":   "https://www.w3.org/ns/activitystreams",
				"id":         collectionURL,
				"type":       "OrderedCollection",
				"totalItems": total,
				"first":      fmt.Sprintf("%s?page=1", collectionURL),
			})
			return
		}

		// one extra row tells whether a next page exists
		items, err := s.readFollowURLs(ctx, kind, actor.Id, itemsPerPage+1, (page-1)*itemsPerPage)
		if err != nil {
			s.log.Error("Failed to read follows page", zap.String("actor", actor.URL), zap.Int("page", page), zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}
		hasMore := len(items) > itemsPerPage
		if hasMore {
			items = items[:itemsPerPage]
		}

		result := gin.H{
			"@context":     "https://www.w3.org/ns/activitystreams",
			"id":           fmt.Sprintf("%s?page=%d", collectionURL, page),
			"type":         "OrderedCollectionPage",
			"partOf":       collectionURL,
			"totalItems":   total,
			"orderedItems": items,
		}
		if hasMore {
			result["next"] = fmt.Sprintf("%s?page=%d", collectionURL, page+1)
		}
		if page > 1 {
			result["prev"] = fmt.Sprintf("%s?page=%d", collectionURL, page-1)
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) countFollows(ctx context.Context, kind collection, actorId uuid.UUID) (int, error) {
	if kind == followersCollection {
		return s.deps.DB.CountFollowers(ctx, actorId)
	}
	return s.deps.DB.CountFollowing(ctx, actorId)
}

func (s *Server) readFollowURLs(ctx context.Context, kind collection, actorId uuid.UUID, limit, offset int) ([]string, error) {
	if kind == followersCollection {
		return s.deps.DB.ReadFollowerURLs(ctx, actorId, limit, offset)
	}
	return s.deps.DB.ReadFollowingURLs(ctx, actorId, limit, offset)
}

// ParsePageParam parses the page query parameter; anything that is not a
// positive number means no page. Pages past maxPage are clamped to it.
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 1 {
		return 0
	}
	return min(page, maxPage)
}
