package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnknownLocalActor means a follow targets an actor this instance does not host.
	ErrUnknownLocalActor = errors.New("unknown local actor")
	// ErrNotPending is returned by manual approval of a follow that is not pending.
	ErrNotPending = errors.New("follow is not pending")
)

// FollowService owns the lifecycle of follow rows: created pending,
// accepted at most once, and deleted on reject, undo or unfollow.
type FollowService struct {
	db                *db.DB
	outbox            *Outbox
	cleanup           CleanupScheduler
	autoAccept        bool
	redundancyEnabled bool
	log               *zap.Logger
}

type FollowOptions struct {
	AutoAcceptFollowers bool
	RedundancyEnabled   bool
}

func NewFollowService(database *db.DB, outbox *Outbox, cleanup CleanupScheduler, opts FollowOptions, logger *zap.Logger) *FollowService {
	return &FollowService{
		db:                database,
		outbox:            outbox,
		cleanup:           cleanup,
		autoAccept:        opts.AutoAcceptFollowers,
		redundancyEnabled: opts.RedundancyEnabled,
		log:               logger.Named("follow"),
	}
}

// Follow records follower -> target as pending. A second Follow for the same
// pair leaves the row alone. Local followers get a Follow queued for the
// remote target; follows of a local target are accepted right away when
// auto-accept is on, and an already accepted one gets its Accept sent again.
func (s *FollowService) Follow(ctx context.Context, follower, target *domain.Actor, followId string) (*domain.Follow, error) {
	if follower.IsLocal() == target.IsLocal() {
		return nil, fmt.Errorf("follow %s -> %s must cross instances", follower.URL, target.URL)
	}

	var row *domain.Follow
	err := s.db.WithTx(ctx, func(tx *db.DB) error {
		created, err := tx.InsertFollowIfAbsent(ctx, &domain.Follow{
			ActorId:       follower.Id,
			TargetActorId: target.Id,
			URI:           followId,
			State:         domain.FollowPending,
		})
		if err != nil {
			return fmt.Errorf("insert follow: %w", err)
		}
		if row, err = tx.ReadFollow(ctx, follower.Id, target.Id); err != nil {
			return fmt.Errorf("read follow: %w", err)
		}

		if follower.IsLocal() {
			if created {
				return s.outbox.SendFollow(ctx, tx, follower, target, row.URI)
			}
			return nil
		}

		switch {
		case row.State == domain.FollowAccepted && !created:
			s.log.Debug("Follow already accepted, sending Accept again",
				zap.String("follower", follower.URL), zap.String("target", target.URL))
			return s.outbox.SendAccept(ctx, tx, target, follower, followId)
		case row.State == domain.FollowPending && s.autoAccept:
			if _, err := tx.AcceptPendingFollow(ctx, row.Id); err != nil {
				return fmt.Errorf("accept follow: %w", err)
			}
			row.State = domain.FollowAccepted
			return s.outbox.SendAccept(ctx, tx, target, follower, followId)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Follow recorded",
		zap.String("follower", follower.URL),
		zap.String("target", target.URL),
		zap.String("state", string(row.State)))
	return row, nil
}

// Accept moves a pending follow to accepted. It reports false when there was
// no pending row, which is not an error.
func (s *FollowService) Accept(ctx context.Context, follower, target *domain.Actor) (bool, error) {
	var accepted bool
	err := s.db.WithTx(ctx, func(tx *db.DB) error {
		row, err := tx.ReadFollow(ctx, follower.Id, target.Id)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read follow: %w", err)
		}
		if accepted, err = tx.AcceptPendingFollow(ctx, row.Id); err != nil || !accepted {
			return err
		}
		if follower.IsLocal() && s.redundancyEnabled && target.ServerId != nil {
			return tx.SetServerRedundancyAllowed(ctx, *target.ServerId, true)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !accepted {
		s.log.Info("Ignoring accept of a follow that is not pending",
			zap.String("follower", follower.URL), zap.String("target", target.URL))
	}
	return accepted, nil
}

// Reject deletes a pending follow. Accepted follows are left alone.
func (s *FollowService) Reject(ctx context.Context, follower, target *domain.Actor) (bool, error) {
	row, err := s.db.ReadFollow(ctx, follower.Id, target.Id)
	if errors.Is(err, db.ErrNotFound) {
		s.log.Info("Ignoring reject of unknown follow",
			zap.String("follower", follower.URL), zap.String("target", target.URL))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read follow: %w", err)
	}
	rejected, err := s.db.DeletePendingFollow(ctx, row.Id)
	if err != nil {
		return false, fmt.Errorf("delete follow: %w", err)
	}
	if !rejected {
		s.log.Info("Ignoring reject of a follow that is not pending",
			zap.String("follower", follower.URL), zap.String("target", target.URL))
	}
	return rejected, nil
}

// Undo tears down follower -> target whatever its state.
func (s *FollowService) Undo(ctx context.Context, follower, target *domain.Actor) (bool, error) {
	return s.teardown(ctx, follower, target)
}

// Unfollow is the local side of Undo: the local actor stops following the
// instance actor of host.
func (s *FollowService) Unfollow(ctx context.Context, local *domain.Actor, host string) error {
	target, err := s.db.ReadActorByNameAndHost(ctx, domain.ServerActorName, host)
	if err != nil {
		return fmt.Errorf("find instance actor of %s: %w", host, err)
	}
	deleted, err := s.teardown(ctx, local, target)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("follow of %s: %w", target.URL, db.ErrNotFound)
	}
	return nil
}

// teardown deletes the row. When an accepted follow of a local actor ends,
// the Undo for the peer commits in the same transaction as the delete, and so
// does the redundancy switch-off of the followed server once no accepted
// follow to it is left. Removing existing mirrors is scheduled after commit.
func (s *FollowService) teardown(ctx context.Context, follower, target *domain.Actor) (bool, error) {
	var deleted bool
	var disabledServer *uuid.UUID
	err := s.db.WithTx(ctx, func(tx *db.DB) error {
		deleted, disabledServer = false, nil
		row, err := tx.ReadFollow(ctx, follower.Id, target.Id)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read follow: %w", err)
		}
		if deleted, err = tx.DeleteFollow(ctx, row.Id); err != nil {
			return fmt.Errorf("delete follow: %w", err)
		}
		if row.State != domain.FollowAccepted || !follower.IsLocal() {
			return nil
		}

		if err := s.outbox.SendUndoFollow(ctx, tx, follower, target, row.URI); err != nil {
			return err
		}
		if target.ServerId == nil {
			return nil
		}
		remaining, err := tx.CountAcceptedFollowsToServer(ctx, *target.ServerId)
		if err != nil {
			return fmt.Errorf("count follows to server: %w", err)
		}
		if remaining > 0 {
			s.log.Debug("Server still followed, keeping redundancy",
				zap.String("host", target.Host), zap.Int("follows", remaining))
			return nil
		}
		if err := tx.SetServerRedundancyAllowed(ctx, *target.ServerId, false); err != nil {
			return fmt.Errorf("disable redundancy: %w", err)
		}
		disabledServer = target.ServerId
		return nil
	})
	if err != nil {
		return false, err
	}

	if deleted {
		s.log.Info("Follow removed", zap.String("follower", follower.URL), zap.String("target", target.URL))
	}
	if disabledServer != nil {
		s.cleanup.ScheduleRedundancyCleanup(*disabledServer)
	}
	return deleted, nil
}

// AcceptFollower manually approves a pending follow of a local actor.
func (s *FollowService) AcceptFollower(ctx context.Context, local, follower *domain.Actor) error {
	return s.db.WithTx(ctx, func(tx *db.DB) error {
		row, err := tx.ReadFollow(ctx, follower.Id, local.Id)
		if err != nil {
			return fmt.Errorf("read follow: %w", err)
		}
		accepted, err := tx.AcceptPendingFollow(ctx, row.Id)
		if err != nil {
			return fmt.Errorf("accept follow: %w", err)
		}
		if !accepted {
			return ErrNotPending
		}
		return s.outbox.SendAccept(ctx, tx, local, follower, row.URI)
	})
}

// RejectFollower manually refuses a pending follow of a local actor.
func (s *FollowService) RejectFollower(ctx context.Context, local, follower *domain.Actor) error {
	return s.db.WithTx(ctx, func(tx *db.DB) error {
		row, err := tx.ReadFollow(ctx, follower.Id, local.Id)
		if err != nil {
			return fmt.Errorf("read follow: %w", err)
		}
		rejected, err := tx.DeletePendingFollow(ctx, row.Id)
		if err != nil {
			return fmt.Errorf("delete follow: %w", err)
		}
		if !rejected {
			return ErrNotPending
		}
		return s.outbox.SendReject(ctx, tx, local, follower, row.URI)
	})
}
