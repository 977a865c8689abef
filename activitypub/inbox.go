package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deemkeen/fedtube/domain"
	"go.uber.org/zap"
)

// ErrMalformedPayload is returned for bodies that are not a JSON object.
var ErrMalformedPayload = errors.New("malformed activity payload")

// Enqueuer accepts tasks for asynchronous processing.
type Enqueuer interface {
	Enqueue(task Task) error
}

// Inbox turns an authenticated delivery into a queued task.
type Inbox struct {
	queue   Enqueuer
	metrics *Metrics
	log     *zap.Logger
}

func NewInbox(queue Enqueuer, metrics *Metrics, logger *zap.Logger) *Inbox {
	return &Inbox{queue: queue, metrics: metrics, log: logger.Named("inbox")}
}

// Receive decodes body, unwraps collections and validates every activity.
// Invalid ones are dropped; if any survive they are queued as one task. It
// returns the number of activities queued.
func (i *Inbox) Receive(body []byte, signatureActor, inboxOwner *domain.Actor) (int, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil || root == nil {
		return 0, ErrMalformedPayload
	}

	items := Unwrap(root)
	activities := make([]Activity, 0, len(items))
	for _, item := range items {
		activity, err := Validate(item)
		if err != nil {
			i.metrics.inboxActivities.WithLabelValues("invalid").Inc()
			i.log.Debug("Dropping invalid activity", zap.Error(err))
			continue
		}
		i.metrics.inboxActivities.WithLabelValues("accepted").Inc()
		activities = append(activities, activity)
	}

	if len(activities) == 0 {
		return 0, nil
	}

	fields := []zap.Field{
		zap.Int("activities", len(activities)),
		zap.String("signature_actor", signatureURL(signatureActor)),
	}
	if inboxOwner != nil {
		fields = append(fields, zap.String("inbox_owner", inboxOwner.URL))
	}
	i.log.Info("Receiving inbox delivery", fields...)

	err := i.queue.Enqueue(Task{
		Activities:     activities,
		SignatureActor: signatureActor,
		InboxOwner:     inboxOwner,
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue delivery: %w", err)
	}
	return len(activities), nil
}

// Unwrap flattens a Collection or OrderedCollection (or one of their pages)
// into its items; anything else is a single activity.
func Unwrap(root map[string]any) []any {
	switch root["type"] {
	case "Collection", "CollectionPage":
		items, _ := root["items"].([]any)
		return items
	case "OrderedCollection", "OrderedCollectionPage":
		items, _ := root["orderedItems"].([]any)
		return items
	}
	return []any{root}
}
