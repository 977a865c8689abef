package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"go.uber.org/zap"
)

// ErrSenderMismatch means an activity claims an actor the signer may not speak for.
var ErrSenderMismatch = errors.New("activity actor does not match signature")

// Processor applies validated activities. Each activity is recorded in the
// activities log and marked processed only once its handler succeeded, so a
// replayed id is skipped and a failed one can be retried by redelivery.
type Processor struct {
	db      *db.DB
	actors  Actors
	follows *FollowService
	content ContentHandler
	metrics *Metrics
	log     *zap.Logger
}

func NewProcessor(database *db.DB, actors Actors, follows *FollowService, content ContentHandler, metrics *Metrics, logger *zap.Logger) *Processor {
	return &Processor{
		db:      database,
		actors:  actors,
		follows: follows,
		content: content,
		metrics: metrics,
		log:     logger.Named("processor"),
	}
}

// ProcessTask applies the task's activities in order. A failing activity
// does not stop the ones after it; all failures are returned joined.
func (p *Processor) ProcessTask(ctx context.Context, task Task) error {
	var errs []error
	for _, activity := range task.Activities {
		if err := p.Process(ctx, activity, task.SignatureActor, task.InboxOwner); err != nil {
			env := activity.Base()
			p.log.Error("Failed to process activity",
				zap.String("id", env.Id),
				zap.String("type", env.Type),
				zap.String("actor", env.Actor),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s %s: %w", env.Type, env.Id, err))
		}
	}
	return errors.Join(errs...)
}

// Process applies one activity. Panics in handlers are returned as errors.
func (p *Processor) Process(ctx context.Context, activity Activity, signatureActor, inboxOwner *domain.Actor) (err error) {
	env := activity.Base()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
		result := "ok"
		switch {
		case errors.Is(err, errSkipped):
			result, err = "skipped", nil
		case err != nil:
			result = "failed"
		}
		p.metrics.processed.WithLabelValues(env.Type, result).Inc()
	}()

	if _, ok := activity.(*Unknown); ok {
		p.log.Debug("Ignoring activity of unknown type", zap.String("type", env.Type), zap.String("id", env.Id))
		return errSkipped
	}

	if signatureActor == nil || !senderAllowed(env.Actor, signatureActor) {
		return fmt.Errorf("%w: %s signed by %v", ErrSenderMismatch, env.Actor, signatureURL(signatureActor))
	}

	raw, err := json.Marshal(env.Raw)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	record, err := p.db.RecordActivity(ctx, &domain.Activity{
		ActivityURI:  env.Id,
		ActivityType: env.Type,
		ActorURI:     env.Actor,
		ObjectURI:    objectURL(activity),
		RawJSON:      string(raw),
	})
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	if record.Processed {
		p.log.Debug("Skipping already processed activity", zap.String("id", env.Id))
		return errSkipped
	}

	sender := signatureActor
	if env.Actor != signatureActor.URL {
		if sender, err = p.actors.Resolve(ctx, env.Actor); err != nil {
			return fmt.Errorf("resolve actor: %w", err)
		}
	}

	if err := p.dispatch(ctx, activity, sender, inboxOwner); err != nil {
		return err
	}
	if err := p.db.MarkActivityProcessed(ctx, env.Id); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

var errSkipped = errors.New("skipped")

func (p *Processor) dispatch(ctx context.Context, activity Activity, sender, inboxOwner *domain.Actor) error {
	switch a := activity.(type) {
	case *Follow:
		target, err := p.localActor(ctx, a.Object)
		if err != nil {
			return err
		}
		_, err = p.follows.Follow(ctx, sender, target, a.Id)
		return err

	case *Accept:
		follower, target, err := p.followPair(ctx, a.Follow, sender)
		if err != nil || follower == nil {
			return err
		}
		_, err = p.follows.Accept(ctx, follower, target)
		return err

	case *Reject:
		follower, target, err := p.followPair(ctx, a.Follow, sender)
		if err != nil || follower == nil {
			return err
		}
		_, err = p.follows.Reject(ctx, follower, target)
		return err

	case *Undo:
		follow, ok := a.Object.(*Follow)
		if !ok {
			return p.content.Handle(ctx, a, sender, inboxOwner)
		}
		target, err := p.localActor(ctx, follow.Object)
		if errors.Is(err, ErrUnknownLocalActor) {
			p.log.Debug("Ignoring undo of a follow we never had", zap.String("object", follow.Object))
			return nil
		}
		if err != nil {
			return err
		}
		_, err = p.follows.Undo(ctx, sender, target)
		return err
	}

	return p.content.Handle(ctx, activity, sender, inboxOwner)
}

func (p *Processor) localActor(ctx context.Context, actorURL string) (*domain.Actor, error) {
	actor, err := p.db.ReadActorByURL(ctx, actorURL)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !actor.IsLocal()) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocalActor, actorURL)
	}
	return actor, err
}

// followPair finds the local follower and remote followee an Accept or
// Reject refers to. Only the followee may answer. A nil follower with a nil
// error means there is nothing to answer.
func (p *Processor) followPair(ctx context.Context, ref FollowRef, sender *domain.Actor) (*domain.Actor, *domain.Actor, error) {
	if ref.Embedded() {
		if ref.Object != sender.URL {
			return nil, nil, fmt.Errorf("%w: %s answered a follow of %s", ErrSenderMismatch, sender.URL, ref.Object)
		}
		follower, err := p.localActor(ctx, ref.Actor)
		if err != nil {
			return nil, nil, err
		}
		return follower, sender, nil
	}

	row, err := p.db.ReadFollowByURI(ctx, ref.Id)
	if errors.Is(err, db.ErrNotFound) {
		p.log.Info("Ignoring answer to unknown follow", zap.String("follow", ref.Id))
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if row.TargetActorId != sender.Id {
		return nil, nil, fmt.Errorf("%w: %s answered follow %s", ErrSenderMismatch, sender.URL, ref.Id)
	}
	follower, err := p.db.ReadActorById(ctx, row.ActorId)
	if err != nil {
		return nil, nil, err
	}
	return follower, sender, nil
}

// senderAllowed accepts the signer itself or, for remote signers, any actor
// on the same host.
func senderAllowed(actorURL string, signer *domain.Actor) bool {
	if actorURL == signer.URL {
		return true
	}
	return !signer.IsLocal() && sameHost(actorURL, signer.Host)
}

func sameHost(rawURL, host string) bool {
	h, err := extractDomain(rawURL)
	return err == nil && host != "" && h == host
}

func signatureURL(a *domain.Actor) string {
	if a == nil {
		return "nobody"
	}
	return a.URL
}

func objectURL(activity Activity) string {
	switch a := activity.(type) {
	case *Follow:
		return a.Object
	case *Accept:
		return a.Follow.Id
	case *Reject:
		return a.Follow.Id
	case *Undo:
		return a.Object.Base().Id
	case *Delete:
		return a.Object
	case *Like:
		return a.Object
	case *Dislike:
		return a.Object
	case *Announce:
		return a.Object
	case *View:
		return a.Object
	case *Create:
		if a.Video != nil {
			return a.Video.Id
		}
		return a.Note.Id
	case *Update:
		if a.Video != nil {
			return a.Video.Id
		}
		return a.Profile.Id
	case *Flag:
		return a.Objects[0]
	}
	return ""
}
