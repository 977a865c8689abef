package activitypub

import (
	"context"
	"testing"

	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type followFixture struct {
	db        *db.DB
	path      string
	service   *FollowService
	scheduler *recordingScheduler
	local     *domain.Actor
	remote    *domain.Actor
}

func newFollowFixture(t *testing.T, opts FollowOptions) *followFixture {
	t.Helper()
	database, path := setupTestDBAt(t)
	scheduler := &recordingScheduler{}
	return &followFixture{
		db:        database,
		path:      path,
		service:   NewFollowService(database, NewOutbox(testDomain, zap.NewNop()), scheduler, opts, zap.NewNop()),
		scheduler: scheduler,
		local:     createLocalActor(t, database, "peertube", domain.ActorApplication),
		remote:    createRemoteActor(t, database, "peer.example", "/accounts/peertube", domain.ActorApplication),
	}
}

func (f *followFixture) deliveries(t *testing.T) int {
	t.Helper()
	n, err := f.db.CountDeliveries(context.Background())
	require.NoError(t, err)
	return n
}

func (f *followFixture) server(t *testing.T) *domain.Server {
	t.Helper()
	s, err := f.db.ReadServerById(context.Background(), *f.remote.ServerId)
	require.NoError(t, err)
	return s
}

func TestFollowMustCrossInstances(t *testing.T) {
	f := newFollowFixture(t, FollowOptions{})
	other := createRemoteActor(t, f.db, "other.example", "/accounts/carol", domain.ActorPerson)

	_, err := f.service.Follow(context.Background(), f.remote, other, "https://peer.example/f/1")
	assert.Error(t, err)
}

func TestInboundFollowAutoAccept(t *testing.T) {
	ctx := context.Background()
	f := newFollowFixture(t, FollowOptions{AutoAcceptFollowers: true})

	row, err := f.service.Follow(ctx, f.remote, f.local, "https://peer.example/f/1")
	require.NoError(t, err)
	assert.Equal(t, domain.FollowAccepted, row.State)
	assert.Equal(t, 1, f.deliveries(t))

	// a repeated Follow keeps the single row and answers again
	row2, err := f.service.Follow(ctx, f.remote, f.local, "https://peer.example/f/2")
	require.NoError(t, err)
	assert.Equal(t, row.Id, row2.Id)
	assert.Equal(t, "https://peer.example/f/1", row2.URI)
	assert.Equal(t, 2, f.deliveries(t))

	followers, _, err := f.db.ListFollowers(ctx, f.local.Id, db.FollowPage{})
	require.NoError(t, err)
	assert.Len(t, followers, 1)
}

func TestInboundFollowManualApproval(t *testing.T) {
	ctx := context.Background()
	f := newFollowFixture(t, FollowOptions{})

	row, err := f.service.Follow(ctx, f.remote, f.local, "https://peer.example/f/1")
	require.NoError(t, err)
	assert.Equal(t, domain.FollowPending, row.State)
	assert.Equal(t, 0, f.deliveries(t))

	require.NoError(t, f.service.AcceptFollower(ctx, f.local, f.remote))
	assert.Equal(t, 1, f.deliveries(t))
	assert.ErrorIs(t, f.service.AcceptFollower(ctx, f.local, f.remote), ErrNotPending)
	assert.ErrorIs(t, f.service.RejectFollower(ctx, f.local, f.remote), ErrNotPending)

	stored, err := f.db.ReadFollow(ctx, f.remote.Id, f.local.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowAccepted, stored.State)
}

func TestRejectFollower(t *testing.T) {
	ctx := context.Background()
	f := newFollowFixture(t, FollowOptions{})

	_, err := f.service.Follow(ctx, f.remote, f.local, "https://peer.example/f/1")
	require.NoError(t, err)
	require.NoError(t, f.service.RejectFollower(ctx, f.local, f.remote))
	assert.Equal(t, 1, f.deliveries(t))

	_, err = f.db.ReadFollow(ctx, f.remote.Id, f.local.Id)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestOutboundFollowLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFollowFixture(t, FollowOptions{RedundancyEnabled: true})

	row, err := f.service.Follow(ctx, f.local, f.remote, "https://tube.example/activities/1")
	require.NoError(t, err)
	assert.Equal(t, domain.FollowPending, row.State)
	assert.Equal(t, 1, f.deliveries(t))

	// Following again does not queue a second Follow
	_, err = f.service.Follow(ctx, f.local, f.remote, "https://tube.example/activities/2")
	require.NoError(t, err)
	assert.Equal(t, 1, f.deliveries(t))

	accepted, err := f.service.Accept(ctx, f.local, f.remote)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.True(t, f.server(t).RedundancyAllowed)

	accepted, err = f.service.Accept(ctx, f.local, f.remote)
	require.NoError(t, err)
	assert.False(t, accepted, "accept is applied at most once")

	require.NoError(t, f.service.Unfollow(ctx, f.local, "peer.example"))
	_, err = f.db.ReadFollow(ctx, f.local.Id, f.remote.Id)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.False(t, f.server(t).RedundancyAllowed)
	assert.Equal(t, 2, f.deliveries(t), "Undo queued")
	assert.Equal(t, []uuid.UUID{*f.remote.ServerId}, f.scheduler.servers)
}

func TestUnfollowKeepsRedundancyWhileServerFollowed(t *testing.T) {
	ctx := context.Background()
	f := newFollowFixture(t, FollowOptions{RedundancyEnabled: true})
	channel := createRemoteActor(t, f.db, "peer.example", "/video-channels/main", domain.ActorGroup)

	acceptedOutboundFollow(t, f)
	_, err := f.service.Follow(ctx, f.local, channel, "https://tube.example/activities/2")
	require.NoError(t, err)
	accepted, err := f.service.Accept(ctx, f.local, channel)
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, f.service.Unfollow(ctx, f.local, "peer.example"))
	_, err = f.db.ReadFollow(ctx, f.local.Id, f.remote.Id)
	assert.ErrorIs(t, err, db.ErrNotFound, "unfollow by host ends the instance follow")
	stored, err := f.db.ReadFollow(ctx, f.local.Id, channel.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowAccepted, stored.State)
	assert.True(t, f.server(t).RedundancyAllowed, "the channel follow still needs the mirrors")
	assert.Empty(t, f.scheduler.servers)

	undone, err := f.service.Undo(ctx, f.local, channel)
	require.NoError(t, err)
	assert.True(t, undone)
	assert.False(t, f.server(t).RedundancyAllowed)
	assert.Equal(t, []uuid.UUID{*f.remote.ServerId}, f.scheduler.servers)
}

func TestUnfollowUnknownHost(t *testing.T) {
	ctx := context.Background()
	f := newFollowFixture(t, FollowOptions{})

	assert.ErrorIs(t, f.service.Unfollow(ctx, f.local, "gone.example"), db.ErrNotFound)
	assert.ErrorIs(t, f.service.Unfollow(ctx, f.local, "peer.example"), db.ErrNotFound, "known host, no follow")
}

func TestTeardownRollsBackAsOneUnit(t *testing.T) {
	tests := []struct {
		name  string
		event string
		table string
	}{
		{"undo cannot be queued", "INSERT", "delivery_queue"},
		{"redundancy cannot be disabled", "UPDATE", "servers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFollowFixture(t, FollowOptions{RedundancyEnabled: true})
			acceptedOutboundFollow(t, f)
			require.True(t, f.server(t).RedundancyAllowed)
			queued := f.deliveries(t)

			failOn(t, f.path, tt.event, tt.table)
			assert.Error(t, f.service.Unfollow(ctx, f.local, "peer.example"))

			stored, err := f.db.ReadFollow(ctx, f.local.Id, f.remote.Id)
			require.NoError(t, err, "the delete is rolled back")
			assert.Equal(t, domain.FollowAccepted, stored.State)
			assert.True(t, f.server(t).RedundancyAllowed)
			assert.Equal(t, queued, f.deliveries(t), "no Undo left queued")
			assert.Empty(t, f.scheduler.servers, "no cleanup for a follow that still exists")
		})
	}
}

func TestRejectOnlyDeletesPending(t *testing.T) {
	ctx := context.Background()
	f := newFollowFixture(t, FollowOptions{})

	_, err := f.service.Follow(ctx, f.local, f.remote, "https://tube.example/activities/1")
	require.NoError(t, err)
	_, err = f.service.Accept(ctx, f.local, f.remote)
	require.NoError(t, err)

	rejected, err := f.service.Reject(ctx, f.local, f.remote)
	require.NoError(t, err)
	assert.False(t, rejected)

	stored, err := f.db.ReadFollow(ctx, f.local.Id, f.remote.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.FollowAccepted, stored.State)
}

func TestFollowEventOrderings(t *testing.T) {
	type step string
	const (
		follow step = "follow"
		accept step = "accept"
		reject step = "reject"
		undo   step = "undo"
	)

	tests := []struct {
		name  string
		steps []step
		want  domain.FollowState // empty means no row
	}{
		{"follow", []step{follow}, domain.FollowPending},
		{"follow accept", []step{follow, accept}, domain.FollowAccepted},
		{"follow accept undo", []step{follow, accept, undo}, ""},
		{"follow undo accept", []step{follow, undo, accept}, ""},
		{"follow reject accept", []step{follow, reject, accept}, ""},
		{"follow accept reject", []step{follow, accept, reject}, domain.FollowAccepted},
		{"accept before follow", []step{accept, follow}, domain.FollowPending},
		{"follow twice accept", []step{follow, follow, accept, accept}, domain.FollowAccepted},
		{"follow again after undo", []step{follow, accept, undo, follow}, domain.FollowPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFollowFixture(t, FollowOptions{RedundancyEnabled: true})

			for _, s := range tt.steps {
				var err error
				switch s {
				case follow:
					_, err = f.service.Follow(ctx, f.local, f.remote, f.service.outbox.NewActivityId())
				case accept:
					_, err = f.service.Accept(ctx, f.local, f.remote)
				case reject:
					_, err = f.service.Reject(ctx, f.local, f.remote)
				case undo:
					_, err = f.service.Undo(ctx, f.local, f.remote)
				}
				require.NoError(t, err, "step %s", s)
			}

			row, err := f.db.ReadFollow(ctx, f.local.Id, f.remote.Id)
			if tt.want == "" {
				assert.ErrorIs(t, err, db.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, row.State)
		})
	}
}

func TestUndoOfPendingFollowKeepsRedundancy(t *testing.T) {
	ctx := context.Background()
	f := newFollowFixture(t, FollowOptions{RedundancyEnabled: true})
	require.NoError(t, f.db.SetServerRedundancyAllowed(ctx, *f.remote.ServerId, true))

	_, err := f.service.Follow(ctx, f.local, f.remote, "https://tube.example/activities/1")
	require.NoError(t, err)
	deleted, err := f.service.Undo(ctx, f.local, f.remote)
	require.NoError(t, err)
	assert.True(t, deleted)

	assert.True(t, f.server(t).RedundancyAllowed)
	assert.Empty(t, f.scheduler.servers)
	assert.Equal(t, 1, f.deliveries(t), "only the Follow was queued")
}
