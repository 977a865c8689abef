package activitypub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// Outbox builds the follow related activities and queues them for the
// delivery worker. Callers pass the store they are working in, so a queued
// delivery commits or rolls back with the state change that caused it.
type Outbox struct {
	sslDomain string
	log       *zap.Logger
}

func NewOutbox(sslDomain string, logger *zap.Logger) *Outbox {
	return &Outbox{sslDomain: sslDomain, log: logger.Named("outbox")}
}

// NewActivityId returns a fresh activity URL on this instance.
func (o *Outbox) NewActivityId() string {
	return fmt.Sprintf("https://%s/activities/%s", o.sslDomain, uuid.New().String())
}

func (o *Outbox) SendFollow(ctx context.Context, store *db.DB, follower, target *domain.Actor, followId string) error {
	follow := map[string]any{
		"@context": activityStreamsContext,
		"id":       followId,
		"type":     "Follow",
		"actor":    follower.URL,
		"object":   target.URL,
	}
	return o.enqueue(ctx, store, follower, target, follow)
}

// SendAccept answers followId, sent by follower to the local target.
func (o *Outbox) SendAccept(ctx context.Context, store *db.DB, target, follower *domain.Actor, followId string) error {
	return o.enqueue(ctx, store, target, follower, o.followResponse("Accept", target, follower, followId))
}

func (o *Outbox) SendReject(ctx context.Context, store *db.DB, target, follower *domain.Actor, followId string) error {
	return o.enqueue(ctx, store, target, follower, o.followResponse("Reject", target, follower, followId))
}

func (o *Outbox) SendUndoFollow(ctx context.Context, store *db.DB, follower, target *domain.Actor, followId string) error {
	undo := map[string]any{
		"@context": activityStreamsContext,
		"id":       o.NewActivityId(),
		"type":     "Undo",
		"actor":    follower.URL,
		"object": map[string]any{
			"id":     followId,
			"type":   "Follow",
			"actor":  follower.URL,
			"object": target.URL,
		},
	}
	return o.enqueue(ctx, store, follower, target, undo)
}

func (o *Outbox) followResponse(kind string, target, follower *domain.Actor, followId string) map[string]any {
	return map[string]any{
		"@context": activityStreamsContext,
		"id":       o.NewActivityId(),
		"type":     kind,
		"actor":    target.URL,
		"object": map[string]any{
			"id":     followId,
			"type":   "Follow",
			"actor":  follower.URL,
			"object": target.URL,
		},
	}
}

func (o *Outbox) enqueue(ctx context.Context, store *db.DB, from, to *domain.Actor, activity map[string]any) error {
	if !from.IsLocal() {
		return fmt.Errorf("cannot send as remote actor %s", from.URL)
	}
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	item := &domain.DeliveryQueueItem{
		InboxURI:     to.DeliveryInbox(),
		ActorId:      from.Id,
		ActivityJSON: string(payload),
	}
	if err := store.EnqueueDelivery(ctx, item); err != nil {
		return fmt.Errorf("failed to queue %s to %s: %w", activity["type"], item.InboxURI, err)
	}
	o.log.Debug("Queued activity",
		zap.Any("type", activity["type"]),
		zap.String("inbox", item.InboxURI),
		zap.String("actor", from.URL))
	return nil
}
