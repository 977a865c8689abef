package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/deemkeen/fedtube/util"
	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const actorFetchTimeout = 10 * time.Second

// ActorResolver returns cached copies of remote actors and refetches them
// when they are older than the refresh interval. An in-memory LRU sits in
// front of the actors table.
type ActorResolver struct {
	db      *db.DB
	client  *resty.Client
	cache   *lru.Cache[string, *domain.Actor]
	refresh time.Duration
	log     *zap.Logger
}

func NewActorResolver(database *db.DB, cacheSize int, refresh time.Duration, logger *zap.Logger) (*ActorResolver, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[string, *domain.Actor](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create actor cache: %w", err)
	}
	client := resty.New().
		SetTimeout(actorFetchTimeout).
		SetHeader("Accept", "application/activity+json").
		SetHeader("User-Agent", util.UserAgent())

	return &ActorResolver{
		db:      database,
		client:  client,
		cache:   cache,
		refresh: refresh,
		log:     logger.Named("actors"),
	}, nil
}

// Resolve returns the actor at actorURL, local or remote.
func (r *ActorResolver) Resolve(ctx context.Context, actorURL string) (*domain.Actor, error) {
	if cached, ok := r.cache.Get(actorURL); ok && r.fresh(cached) {
		return cached, nil
	}

	stored, err := r.db.ReadActorByURL(ctx, actorURL)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if stored != nil && r.fresh(stored) {
		r.cache.Add(actorURL, stored)
		return stored, nil
	}

	fetched, err := r.Refresh(ctx, actorURL)
	if err != nil {
		if stored != nil {
			r.log.Warn("Using stale actor after failed refresh", zap.String("actor", actorURL), zap.Error(err))
			return stored, nil
		}
		return nil, err
	}
	return fetched, nil
}

// Refresh fetches actorURL and stores the result.
func (r *ActorResolver) Refresh(ctx context.Context, actorURL string) (*domain.Actor, error) {
	resp, err := r.client.R().SetContext(ctx).Get(actorURL)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode())
	}

	var raw map[string]any
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	object, err := validateActorObject(raw)
	if err != nil {
		return nil, err
	}
	if object.Id != actorURL {
		return nil, fmt.Errorf("actor %s answered with id %s", actorURL, object.Id)
	}
	return r.Store(ctx, object)
}

// Store saves a remote actor profile received from its owner.
func (r *ActorResolver) Store(ctx context.Context, object *ActorObject) (*domain.Actor, error) {
	host, err := extractDomain(object.Id)
	if err != nil {
		return nil, err
	}
	if existing, err := r.db.ReadActorByURL(ctx, object.Id); err == nil && existing.IsLocal() {
		return nil, fmt.Errorf("refusing to overwrite local actor %s", object.Id)
	}
	actor, err := r.db.UpsertRemoteActor(ctx, &domain.Actor{
		Type:           domain.ActorType(object.Type),
		URL:            object.Id,
		Username:       object.PreferredUsername,
		DisplayName:    object.Name,
		InboxURL:       object.Inbox,
		SharedInboxURL: object.SharedInbox,
		PublicKeyPem:   object.PublicKeyPem,
		Host:           host,
		LastFetchedAt:  time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}
	r.cache.Add(actor.URL, actor)
	return actor, nil
}

// Forget drops actorURL from the cache.
func (r *ActorResolver) Forget(actorURL string) {
	r.cache.Remove(actorURL)
}

func (r *ActorResolver) fresh(a *domain.Actor) bool {
	return a.IsLocal() || time.Since(a.LastFetchedAt) < r.refresh
}

// extractDomain extracts the host from an actor URI
// Example: "https://peertube.example/accounts/alice" -> "peertube.example"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %s has no host", actorURI)
	}
	return parsed.Host, nil
}
