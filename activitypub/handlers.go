package activitypub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"go.uber.org/zap"
)

// ContentHandler applies activities that are not part of the follow
// lifecycle. sender is the resolved activity actor and inboxOwner the local
// actor whose inbox received it, nil for the shared inbox.
type ContentHandler interface {
	Handle(ctx context.Context, activity Activity, sender, inboxOwner *domain.Actor) error
}

// Actors is the actor lookup the processor and content handlers rely on.
type Actors interface {
	Resolve(ctx context.Context, actorURL string) (*domain.Actor, error)
	Store(ctx context.Context, object *ActorObject) (*domain.Actor, error)
	Forget(actorURL string)
}

// ContentStore persists videos, comments, rates, shares, abuse reports and
// views. Every write is keyed so that replaying an activity changes nothing.
type ContentStore struct {
	db                *db.DB
	actors            Actors
	redundancyEnabled bool
	log               *zap.Logger
}

func NewContentStore(database *db.DB, actors Actors, redundancyEnabled bool, logger *zap.Logger) *ContentStore {
	return &ContentStore{
		db:                database,
		actors:            actors,
		redundancyEnabled: redundancyEnabled,
		log:               logger.Named("content"),
	}
}

func (h *ContentStore) Handle(ctx context.Context, activity Activity, sender, inboxOwner *domain.Actor) error {
	switch a := activity.(type) {
	case *Create:
		if a.Video != nil {
			return h.upsertVideo(ctx, a.Video, sender)
		}
		return h.upsertComment(ctx, a.Note, sender)
	case *Update:
		if a.Video != nil {
			return h.upsertVideo(ctx, a.Video, sender)
		}
		return h.updateProfile(ctx, a.Profile, sender)
	case *Delete:
		return h.delete(ctx, a, sender)
	case *Like:
		return h.db.UpsertRate(ctx, &domain.Rate{ActorId: sender.Id, VideoURL: a.Object, Type: domain.RateLike, URI: a.Id})
	case *Dislike:
		return h.db.UpsertRate(ctx, &domain.Rate{ActorId: sender.Id, VideoURL: a.Object, Type: domain.RateDislike, URI: a.Id})
	case *Announce:
		_, err := h.db.InsertShareIfAbsent(ctx, &domain.Share{ActorId: sender.Id, VideoURL: a.Object, URI: a.Id})
		return err
	case *Flag:
		_, err := h.db.InsertAbuseIfAbsent(ctx, &domain.Abuse{URI: a.Id, ReporterId: sender.Id, TargetURLs: a.Objects, Reason: a.Content})
		return err
	case *View:
		_, err := h.db.RecordView(ctx, a.Id, a.Object)
		return err
	case *Undo:
		return h.undo(ctx, a, sender)
	}
	return fmt.Errorf("no content handler for %s", activity.Base().Type)
}

func (h *ContentStore) upsertVideo(ctx context.Context, v *VideoObject, sender *domain.Actor) error {
	if !sameHost(v.Id, sender.Host) {
		return fmt.Errorf("%w: video %s is not hosted by %s", ErrSenderMismatch, v.Id, sender.Host)
	}
	channelURL := v.Channel()
	if !sameHost(channelURL, sender.Host) {
		return fmt.Errorf("%w: channel %s is not hosted by %s", ErrSenderMismatch, channelURL, sender.Host)
	}
	channel, err := h.actors.Resolve(ctx, channelURL)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	video := &domain.Video{
		UUID:            v.UUID,
		URL:             v.Id,
		Name:            v.Name,
		Duration:        v.Duration,
		ChannelActorId:  channel.Id,
		Views:           v.Views,
		Sensitive:       v.Sensitive,
		State:           v.State,
		CommentsEnabled: v.CommentsEnabled,
		DownloadEnabled: v.DownloadEnabled,
		IsLive:          v.IsLiveBroadcast,
		Content:         v.Content,
		Tags:            v.Tags,
		RawJSON:         string(raw),
		PublishedAt:     v.Published,
		UpdatedAt:       v.Updated,
	}

	return h.db.WithTx(ctx, func(tx *db.DB) error {
		if err := tx.UpsertVideo(ctx, video); err != nil {
			return fmt.Errorf("upsert video: %w", err)
		}
		if !h.redundancyEnabled || channel.ServerId == nil {
			return nil
		}
		server, err := tx.ReadServerById(ctx, *channel.ServerId)
		if err != nil {
			return err
		}
		if !server.RedundancyAllowed {
			return nil
		}
		_, err = tx.InsertRedundancyIfAbsent(ctx, &domain.VideoRedundancy{VideoURL: video.URL, OriginServerId: server.Id})
		return err
	})
}

func (h *ContentStore) upsertComment(ctx context.Context, n *NoteObject, sender *domain.Actor) error {
	if n.AttributedTo != sender.URL {
		return fmt.Errorf("%w: comment %s is attributed to %s", ErrSenderMismatch, n.AttributedTo, sender.URL)
	}
	return h.db.UpsertComment(ctx, &domain.Comment{
		URL:         n.Id,
		ActorId:     sender.Id,
		InReplyTo:   n.InReplyTo,
		Text:        n.Content,
		PublishedAt: n.Published,
	})
}

func (h *ContentStore) updateProfile(ctx context.Context, profile *ActorObject, sender *domain.Actor) error {
	if profile.Id != sender.URL {
		return fmt.Errorf("%w: %s cannot update %s", ErrSenderMismatch, sender.URL, profile.Id)
	}
	_, err := h.actors.Store(ctx, profile)
	return err
}

func (h *ContentStore) delete(ctx context.Context, a *Delete, sender *domain.Actor) error {
	if a.Object == sender.URL {
		if _, err := h.db.DeleteActor(ctx, sender.Id); err != nil {
			return fmt.Errorf("delete actor: %w", err)
		}
		h.actors.Forget(sender.URL)
		h.log.Info("Remote actor deleted itself", zap.String("actor", sender.URL))
		return nil
	}

	if sender.ServerId != nil {
		deleted, err := h.db.DeleteVideoByURL(ctx, a.Object, *sender.ServerId)
		if err != nil {
			return fmt.Errorf("delete video: %w", err)
		}
		if deleted {
			return h.db.DeleteRedundancyByVideo(ctx, a.Object)
		}
	}

	deleted, err := h.db.DeleteComment(ctx, a.Object, sender.Id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if !deleted {
		h.log.Debug("Nothing to delete", zap.String("object", a.Object), zap.String("actor", sender.URL))
	}
	return nil
}

func (h *ContentStore) undo(ctx context.Context, a *Undo, sender *domain.Actor) error {
	var err error
	switch inner := a.Object.(type) {
	case *Like:
		_, err = h.db.DeleteRate(ctx, sender.Id, inner.Object, domain.RateLike)
	case *Dislike:
		_, err = h.db.DeleteRate(ctx, sender.Id, inner.Object, domain.RateDislike)
	case *Announce:
		_, err = h.db.DeleteShare(ctx, sender.Id, inner.Object)
	default:
		err = fmt.Errorf("cannot undo %s", a.Object.Base().Type)
	}
	return err
}
