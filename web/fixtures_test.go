package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/fedtube/activitypub"
	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/deemkeen/fedtube/util"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testDomain = "tube.example"
	testSecret = "admin-secret"
)

type captureEnqueuer struct {
	tasks []activitypub.Task
	err   error
}

func (c *captureEnqueuer) Enqueue(task activitypub.Task) error {
	if c.err != nil {
		return c.err
	}
	c.tasks = append(c.tasks, task)
	return nil
}

type noopScheduler struct{ servers []uuid.UUID }

func (n *noopScheduler) ScheduleRedundancyCleanup(serverId uuid.UUID) {
	n.servers = append(n.servers, serverId)
}

// staticResolver resolves only the actors stored in the database.
type staticResolver struct{ db *db.DB }

func (r staticResolver) Resolve(ctx context.Context, actorURL string) (*domain.Actor, error) {
	return r.db.ReadActorByURL(ctx, actorURL)
}

type serverFixture struct {
	db        *db.DB
	conf      *util.AppConfig
	queue     *captureEnqueuer
	scheduler *noopScheduler
	router    *gin.Engine
	instance  *domain.Actor
	alice     *domain.Actor
	channel   *domain.Actor
	bob       *domain.Actor
}

func newServerFixture(t *testing.T, auth RequestAuthenticator) *serverFixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "web.db"), 3, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conf, err := util.ParseConf(nil)
	require.NoError(t, err)
	conf.Conf.SslDomain = testDomain
	conf.Federation.AutoAcceptFollowers = false
	conf.Federation.InboxBurst = 100
	conf.Admin.JwtSecret = testSecret

	f := &serverFixture{db: database, conf: conf, queue: &captureEnqueuer{}, scheduler: &noopScheduler{}}
	f.instance = f.localActor(t, "accounts", domain.ServerActorName, domain.ActorApplication)
	f.alice = f.localActor(t, "accounts", "alice", domain.ActorPerson)
	f.channel = f.localActor(t, "video-channels", "main", domain.ActorGroup)
	f.bob = f.remoteActor(t, "peer.example", "bob")

	if auth == nil {
		auth = stubAuthenticator{actor: f.bob}
	}
	logger := zap.NewNop()
	metrics := activitypub.NewMetrics(nil)
	outbox := activitypub.NewOutbox(testDomain, logger)
	follows := activitypub.NewFollowService(database, outbox, f.scheduler, activitypub.FollowOptions{}, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "fedtube_test_total", Help: "test"}))

	server := NewServer(conf, Deps{
		DB:       database,
		Inbox:    activitypub.NewInbox(f.queue, metrics, logger),
		Auth:     auth,
		Follows:  follows,
		Actors:   staticResolver{db: database},
		Outbox:   outbox,
		Cleanup:  f.scheduler,
		Gatherer: registry,
	}, logger)
	f.router = server.Router()
	t.Cleanup(func() { close(server.stop) })
	return f
}

func (f *serverFixture) localActor(t *testing.T, kind, name string, actorType domain.ActorType) *domain.Actor {
	t.Helper()
	url := fmt.Sprintf("https://%s/%s/%s", testDomain, kind, name)
	actor := &domain.Actor{
		Id:            uuid.New(),
		Type:          actorType,
		URL:           url,
		Username:      name,
		InboxURL:      url + "/inbox",
		PublicKeyPem:  "public-pem",
		PrivateKeyPem: "private-pem",
		CreatedAt:     time.Now(),
		LastFetchedAt: time.Now(),
	}
	require.NoError(t, f.db.CreateActor(context.Background(), actor))
	return actor
}

func (f *serverFixture) remoteActor(t *testing.T, host, name string) *domain.Actor {
	t.Helper()
	url := fmt.Sprintf("https://%s/accounts/%s", host, name)
	actor, err := f.db.UpsertRemoteActor(context.Background(), &domain.Actor{
		Type:           domain.ActorPerson,
		URL:            url,
		Username:       name,
		InboxURL:       url + "/inbox",
		SharedInboxURL: "https://" + host + "/inbox",
		PublicKeyPem:   "public-pem",
		Host:           host,
	})
	require.NoError(t, err)
	return actor
}

func (f *serverFixture) follow(t *testing.T, follower, target *domain.Actor, state domain.FollowState) {
	t.Helper()
	_, err := f.db.InsertFollowIfAbsent(context.Background(), &domain.Follow{
		ActorId:       follower.Id,
		TargetActorId: target.Id,
		URI:           follower.URL + "/follows/" + uuid.NewString(),
		State:         state,
	})
	require.NoError(t, err)
}

func (f *serverFixture) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	token := signToken(t, testSecret, jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "admin"})
	return map[string]string{"Authorization": "Bearer " + token, "Content-Type": "application/json"}
}

func (f *serverFixture) deliveries(t *testing.T) int {
	t.Helper()
	n, err := f.db.CountDeliveries(context.Background())
	require.NoError(t, err)
	return n
}
