package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/deemkeen/fedtube/db"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Views of federated content stored by the instance.
type (
	VideoView struct {
		URL             string    `json:"url"`
		UUID            string    `json:"uuid"`
		Name            string    `json:"name"`
		Duration        int       `json:"duration"`
		Views           int       `json:"views"`
		Shares          int       `json:"shares"`
		Sensitive       bool      `json:"sensitive"`
		IsLive          bool      `json:"isLive"`
		CommentsEnabled bool      `json:"commentsEnabled"`
		DownloadEnabled bool      `json:"downloadEnabled"`
		Tags            []string  `json:"tags"`
		PublishedAt     time.Time `json:"publishedAt"`
		UpdatedAt       time.Time `json:"updatedAt"`
	}

	CommentView struct {
		URL         string    `json:"url"`
		Actor       string    `json:"actor"`
		InReplyTo   string    `json:"inReplyTo"`
		Text        string    `json:"text"`
		PublishedAt time.Time `json:"publishedAt"`
	}

	RateView struct {
		Actor     string    `json:"actor"`
		Video     string    `json:"video"`
		Type      string    `json:"type"`
		URI       string    `json:"uri"`
		CreatedAt time.Time `json:"createdAt"`
	}

	AbuseView struct {
		URI       string    `json:"uri"`
		Reporter  string    `json:"reporter"`
		Targets   []string  `json:"targets"`
		Reason    string    `json:"reason"`
		CreatedAt time.Time `json:"createdAt"`
	}
)

// lookupFailed writes the response for a failed read and reports whether
// there was a failure.
func (s *Server) lookupFailed(c *gin.Context, what string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
	default:
		s.log.Error("Lookup failed", zap.String("kind", what), zap.Error(err))
		c.Status(http.StatusInternalServerError)
	}
	return true
}

func requireQuery(c *gin.Context, names ...string) bool {
	for _, name := range names {
		if c.Query(name) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " is required"})
			return false
		}
	}
	return true
}

func (s *Server) handleVideoLookup(c *gin.Context) {
	if !requireQuery(c, "url") {
		return
	}
	ctx := c.Request.Context()
	v, err := s.deps.DB.ReadVideoByURL(ctx, c.Query("url"))
	if s.lookupFailed(c, "Video", err) {
		return
	}
	shares, err := s.deps.DB.CountShares(ctx, v.URL)
	if s.lookupFailed(c, "Shares", err) {
		return
	}
	c.JSON(http.StatusOK, VideoView{
		URL:             v.URL,
		UUID:            v.UUID.String(),
		Name:            v.Name,
		Duration:        v.Duration,
		Views:           v.Views,
		Shares:          shares,
		Sensitive:       v.Sensitive,
		IsLive:          v.IsLive,
		CommentsEnabled: v.CommentsEnabled,
		DownloadEnabled: v.DownloadEnabled,
		Tags:            v.Tags,
		PublishedAt:     v.PublishedAt,
		UpdatedAt:       v.UpdatedAt,
	})
}

func (s *Server) handleCommentLookup(c *gin.Context) {
	if !requireQuery(c, "url") {
		return
	}
	ctx := c.Request.Context()
	comment, err := s.deps.DB.ReadCommentByURL(ctx, c.Query("url"))
	if s.lookupFailed(c, "Comment", err) {
		return
	}
	author, err := s.deps.DB.ReadActorById(ctx, comment.ActorId)
	if s.lookupFailed(c, "Comment author", err) {
		return
	}
	c.JSON(http.StatusOK, CommentView{
		URL:         comment.URL,
		Actor:       author.URL,
		InReplyTo:   comment.InReplyTo,
		Text:        comment.Text,
		PublishedAt: comment.PublishedAt,
	})
}

func (s *Server) handleRateLookup(c *gin.Context) {
	if !requireQuery(c, "actor", "video") {
		return
	}
	ctx := c.Request.Context()
	actor, err := s.deps.DB.ReadActorByURL(ctx, c.Query("actor"))
	if s.lookupFailed(c, "Actor", err) {
		return
	}
	rate, err := s.deps.DB.ReadRate(ctx, actor.Id, c.Query("video"))
	if s.lookupFailed(c, "Rate", err) {
		return
	}
	c.JSON(http.StatusOK, RateView{
		Actor:     actor.URL,
		Video:     rate.VideoURL,
		Type:      string(rate.Type),
		URI:       rate.URI,
		CreatedAt: rate.CreatedAt,
	})
}

func (s *Server) handleAbuseLookup(c *gin.Context) {
	if !requireQuery(c, "uri") {
		return
	}
	ctx := c.Request.Context()
	abuse, err := s.deps.DB.ReadAbuseByURI(ctx, c.Query("uri"))
	if s.lookupFailed(c, "Abuse report", err) {
		return
	}
	reporter, err := s.deps.DB.ReadActorById(ctx, abuse.ReporterId)
	if s.lookupFailed(c, "Reporter", err) {
		return
	}
	c.JSON(http.StatusOK, AbuseView{
		URI:       abuse.URI,
		Reporter:  reporter.URL,
		Targets:   abuse.TargetURLs,
		Reason:    abuse.Reason,
		CreatedAt: abuse.CreatedAt,
	})
}
