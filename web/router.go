package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedtube/activitypub"
	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/deemkeen/fedtube/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	activityJSON    = "application/activity+json; charset=utf-8"
	shutdownTimeout = 10 * time.Second
)

// ActorResolver looks up remote actors for the admin follow API.
type ActorResolver interface {
	Resolve(ctx context.Context, actorURL string) (*domain.Actor, error)
}

// Deps are the federation components the HTTP layer hands requests to.
type Deps struct {
	DB       *db.DB
	Inbox    *activitypub.Inbox
	Auth     RequestAuthenticator
	Follows  *activitypub.FollowService
	Actors   ActorResolver
	Outbox   *activitypub.Outbox
	Cleanup  activitypub.CleanupScheduler
	Gatherer prometheus.Gatherer
}

type Server struct {
	conf *util.AppConfig
	deps Deps
	stop chan struct{}
	log  *zap.Logger
}

func NewServer(conf *util.AppConfig, deps Deps, logger *zap.Logger) *Server {
	return &Server{conf: conf, deps: deps, stop: make(chan struct{}), log: logger.Named("web")}
}

// Router builds the gin engine with every route of the instance.
func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	fed := s.conf.Federation
	inboxLimiter := NewRateLimiter(rate.Limit(fed.InboxRateLimit), fed.InboxBurst)
	go inboxLimiter.cleanupOldLimiters(5*time.Minute, s.stop)

	inbox := g.Group("",
		RateLimitMiddleware(inboxLimiter),
		MaxBytesMiddleware(fed.MaxBodyBytes),
		SignatureMiddleware(s.deps.Auth, s.log),
	)
	inbox.POST("/inbox", s.handleInbox(nil))
	inbox.POST("/accounts/:name/inbox", s.handleInbox(s.localAccount))
	inbox.POST("/video-channels/:name/inbox", s.handleInbox(s.localChannel))

	g.GET("/accounts/:name", s.handleActor(s.localAccount))
	g.GET("/video-channels/:name", s.handleActor(s.localChannel))
	g.GET("/accounts/:name/followers", s.handleCollection(s.localAccount, followersCollection))
	g.GET("/accounts/:name/following", s.handleCollection(s.localAccount, followingCollection))
	g.GET("/video-channels/:name/followers", s.handleCollection(s.localChannel, followersCollection))
	g.GET("/video-channels/:name/following", s.handleCollection(s.localChannel, followingCollection))
	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/health", s.handleHealth)

	// follow listings are public, changes need an admin token
	g.GET("/api/v1/server/following", s.handleListFollows(listFollowing))
	g.GET("/api/v1/server/followers", s.handleListFollows(listFollowers))

	admin := g.Group("/api/v1/server", AdminAuth(s.conf.Admin.JwtSecret))
	admin.POST("/following", s.handleFollow)
	admin.DELETE("/following/:host", s.handleUnfollow)
	admin.POST("/followers/:nameWithHost/accept", s.handleFollowerDecision(true))
	admin.POST("/followers/:nameWithHost/reject", s.handleFollowerDecision(false))
	admin.GET("/redundancy/:host", s.handleServerRedundancy)
	admin.PUT("/redundancy/:host", s.handleUpdateServerRedundancy)
	admin.GET("/videos", s.handleVideoLookup)
	admin.GET("/comments", s.handleCommentLookup)
	admin.GET("/rates", s.handleRateLookup)
	admin.GET("/abuses", s.handleAbuseLookup)

	if s.deps.Gatherer != nil {
		g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	return g
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	defer close(s.stop)

	errc := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
