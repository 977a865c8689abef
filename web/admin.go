package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/fedtube/activitypub"
	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type listKind int

const (
	listFollowing listKind = iota
	listFollowers
)

// FollowView is one row of the admin follow listings.
type FollowView struct {
	Id        string    `json:"id"`
	Follower  string    `json:"follower"`
	Following string    `json:"following"`
	State     string    `json:"state"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	defaultListCount = 15
	maxListCount     = 100
)

// followRequest names what to follow: hosts stand for the instance actor of
// each host, uris for any remote actor.
type followRequest struct {
	Hosts []string `json:"hosts"`
	URIs  []string `json:"uris"`
}

type followTargetRef struct {
	given    string
	actorURL string
}

// targets returns the actor URLs to follow along with the input naming them.
func (r followRequest) targets() ([]followTargetRef, error) {
	if len(r.Hosts)+len(r.URIs) == 0 {
		return nil, errors.New("hosts or uris must be a non empty list")
	}
	seen := make(map[string]bool, len(r.Hosts))
	var out []followTargetRef
	for _, host := range r.Hosts {
		if !isHost(host) || seen[host] {
			return nil, errors.New("hosts must be a list of unique hosts")
		}
		seen[host] = true
		out = append(out, followTargetRef{host, followTarget(host)})
	}
	for _, uri := range r.URIs {
		out = append(out, followTargetRef{uri, followTarget(uri)})
	}
	return out, nil
}

func isHost(h string) bool {
	if h == "" || strings.ContainsAny(h, "/?#@ ") {
		return false
	}
	u, err := url.Parse("https://" + h)
	return err == nil && u.Host == h
}

func (s *Server) serverActor(c *gin.Context) (*domain.Actor, bool) {
	actor, err := s.deps.DB.ReadLocalActor(c.Request.Context(), domain.ServerActorName, domain.ActorApplication)
	if err != nil {
		s.log.Error("Instance actor missing", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Instance actor missing"})
		return nil, false
	}
	return actor, true
}

// parseFollowPage reads state, start, count and sort from the query string.
func parseFollowPage(c *gin.Context) (db.FollowPage, error) {
	page := db.FollowPage{
		State: domain.FollowState(c.Query("state")),
		Count: defaultListCount,
		Sort:  c.DefaultQuery("sort", "-createdAt"),
	}
	if page.State != "" && page.State != domain.FollowPending && page.State != domain.FollowAccepted {
		return page, errors.New("state must be pending or accepted")
	}
	if v := c.Query("start"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, errors.New("start must be a non negative number")
		}
		page.Start = n
	}
	if v := c.Query("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListCount {
			return page, fmt.Errorf("count must be between 1 and %d", maxListCount)
		}
		page.Count = n
	}
	if !db.IsFollowSort(page.Sort) {
		return page, errors.New("sort must be createdAt or score, optionally prefixed with -")
	}
	return page, nil
}

// handleListFollows lists the instance's follows one page at a time.
func (s *Server) handleListFollows(kind listKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := parseFollowPage(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		server, ok := s.serverActor(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		var items []db.FollowListItem
		var total int
		if kind == listFollowing {
			items, total, err = s.deps.DB.ListFollowing(ctx, server.Id, page)
		} else {
			items, total, err = s.deps.DB.ListFollowers(ctx, server.Id, page)
		}
		if err != nil {
			s.log.Error("Failed to list follows", zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}

		views := make([]FollowView, 0, len(items))
		for _, f := range items {
			views = append(views, FollowView{
				Id:        f.Id.String(),
				Follower:  f.FollowerURL,
				Following: f.FollowingURL,
				State:     string(f.State),
				Score:     f.Score,
				CreatedAt: f.CreatedAt,
				UpdatedAt: f.UpdatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"total": total, "data": views})
	}
}

// handleFollow makes the instance follow remote actors. A bare host stands
// for the instance actor of that host.
func (s *Server) handleFollow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object"})
		return
	}
	targets, err := req.targets()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	server, ok := s.serverActor(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var failed []string
	for _, t := range targets {
		target, err := s.deps.Actors.Resolve(ctx, t.actorURL)
		if err == nil && target.IsLocal() {
			err = errors.New("cannot follow a local actor")
		}
		if err == nil {
			_, err = s.deps.Follows.Follow(ctx, server, target, s.deps.Outbox.NewActivityId())
		}
		if err != nil {
			s.log.Warn("Failed to follow", zap.String("target", t.given), zap.Error(err))
			failed = append(failed, t.given)
		}
	}

	if len(failed) == len(targets) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not follow any of the given targets", "failed": failed})
		return
	}
	if len(failed) > 0 {
		c.JSON(http.StatusOK, gin.H{"failed": failed})
		return
	}
	c.Status(http.StatusNoContent)
}

func followTarget(uri string) string {
	if strings.Contains(uri, "://") {
		return uri
	}
	return fmt.Sprintf("https://%s/accounts/%s", strings.TrimSuffix(uri, "/"), domain.ServerActorName)
}

func (s *Server) handleUnfollow(c *gin.Context) {
	server, ok := s.serverActor(c)
	if !ok {
		return
	}
	err := s.deps.Follows.Unfollow(c.Request.Context(), server, c.Param("host"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not following this host"})
		return
	}
	if err != nil {
		s.log.Error("Failed to unfollow", zap.String("host", c.Param("host")), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleFollowerDecision accepts or rejects a pending follower given as
// name@host.
func (s *Server) handleFollowerDecision(accept bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, host, found := strings.Cut(c.Param("nameWithHost"), "@")
		if !found || name == "" || host == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "follower must be name@host"})
			return
		}
		server, ok := s.serverActor(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		follower, err := s.deps.DB.ReadActorByNameAndHost(ctx, name, host)
		if err == nil {
			if accept {
				err = s.deps.Follows.AcceptFollower(ctx, server, follower)
			} else {
				err = s.deps.Follows.RejectFollower(ctx, server, follower)
			}
		}

		switch {
		case errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Follower not found"})
		case errors.Is(err, activitypub.ErrNotPending):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Follow is not pending"})
		case err != nil:
			s.log.Error("Failed to decide on follower", zap.String("follower", c.Param("nameWithHost")), zap.Error(err))
			c.Status(http.StatusInternalServerError)
		default:
			c.Status(http.StatusNoContent)
		}
	}
}
