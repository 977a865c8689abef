package db

import (
	"context"
	"testing"
	"time"

	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVideo(channel *domain.Actor, url string) *domain.Video {
	now := time.Now().Truncate(time.Second)
	return &domain.Video{
		UUID:            uuid.New(),
		URL:             url,
		Name:            "A video",
		Duration:        93,
		ChannelActorId:  channel.Id,
		State:           1,
		DownloadEnabled: true,
		Tags:            []string{"go", "fediverse"},
		RawJSON:         "{}",
		PublishedAt:     now,
		UpdatedAt:       now,
	}
}

func TestUpsertVideo(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	channel := createTestRemoteActor(t, database, "peer.example", "channel")
	v := testVideo(channel, "https://peer.example/videos/watch/1")
	require.NoError(t, database.UpsertVideo(ctx, v))

	v.Name = "Renamed"
	v.Views = 42
	require.NoError(t, database.UpsertVideo(ctx, v))

	got, err := database.ReadVideoByURL(ctx, v.URL)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, 42, got.Views)
	assert.Equal(t, []string{"go", "fediverse"}, got.Tags)
	assert.True(t, got.DownloadEnabled)

	// another channel cannot take over the row
	intruder := createTestRemoteActor(t, database, "evil.example", "channel")
	hijack := testVideo(intruder, v.URL)
	hijack.Name = "Hijacked"
	require.NoError(t, database.UpsertVideo(ctx, hijack))

	got, err = database.ReadVideoByURL(ctx, v.URL)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, channel.Id, got.ChannelActorId)
}

func TestDeleteVideoByURL_OnlyOwnServer(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	channel := createTestRemoteActor(t, database, "peer.example", "channel")
	other := createTestRemoteActor(t, database, "other.example", "someone")
	v := testVideo(channel, "https://peer.example/videos/watch/2")
	require.NoError(t, database.UpsertVideo(ctx, v))

	deleted, err := database.DeleteVideoByURL(ctx, v.URL, *other.ServerId)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = database.DeleteVideoByURL(ctx, v.URL, *channel.ServerId)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = database.ReadVideoByURL(ctx, v.URL)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordView_CountsOncePerActivity(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	channel := createTestRemoteActor(t, database, "peer.example", "channel")
	v := testVideo(channel, "https://peer.example/videos/watch/3")
	require.NoError(t, database.UpsertVideo(ctx, v))

	for i := 0; i < 3; i++ {
		_, err := database.RecordView(ctx, "https://peer.example/views/1", v.URL)
		require.NoError(t, err)
	}
	counted, err := database.RecordView(ctx, "https://peer.example/views/2", v.URL)
	require.NoError(t, err)
	assert.True(t, counted)

	got, err := database.ReadVideoByURL(ctx, v.URL)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Views)
}

func TestRates(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	actor := createTestRemoteActor(t, database, "peer.example", "alice")
	videoURL := "https://peer.example/videos/watch/4"

	require.NoError(t, database.UpsertRate(ctx, &domain.Rate{ActorId: actor.Id, VideoURL: videoURL, Type: domain.RateLike}))
	require.NoError(t, database.UpsertRate(ctx, &domain.Rate{ActorId: actor.Id, VideoURL: videoURL, Type: domain.RateDislike}))

	rate, err := database.ReadRate(ctx, actor.Id, videoURL)
	require.NoError(t, err)
	assert.Equal(t, domain.RateDislike, rate.Type)

	deleted, err := database.DeleteRate(ctx, actor.Id, videoURL, domain.RateLike)
	require.NoError(t, err)
	assert.False(t, deleted, "undoing a like must not remove a dislike")

	deleted, err = database.DeleteRate(ctx, actor.Id, videoURL, domain.RateDislike)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestSharesAndComments(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	actor := createTestRemoteActor(t, database, "peer.example", "alice")
	videoURL := "https://peer.example/videos/watch/5"

	for i := 0; i < 2; i++ {
		_, err := database.InsertShareIfAbsent(ctx, &domain.Share{ActorId: actor.Id, VideoURL: videoURL, URI: "https://peer.example/announces/1"})
		require.NoError(t, err)
	}
	n, err := database.CountShares(ctx, videoURL)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c := &domain.Comment{URL: "https://peer.example/comments/1", ActorId: actor.Id, InReplyTo: videoURL, Text: "first", PublishedAt: time.Now()}
	require.NoError(t, database.UpsertComment(ctx, c))
	c2 := *c
	c2.Id = uuid.Nil
	c2.Text = "edited"
	require.NoError(t, database.UpsertComment(ctx, &c2))

	got, err := database.ReadCommentByURL(ctx, c.URL)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Text)
	assert.Equal(t, c.Id, got.Id)
}

func TestInsertAbuseIfAbsent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	reporter := createTestRemoteActor(t, database, "peer.example", "alice")
	abuse := &domain.Abuse{URI: "https://peer.example/flags/1", ReporterId: reporter.Id, TargetURLs: []string{"https://local.example/videos/watch/1"}, Reason: "spam"}

	created, err := database.InsertAbuseIfAbsent(ctx, abuse)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = database.InsertAbuseIfAbsent(ctx, &domain.Abuse{URI: abuse.URI, ReporterId: reporter.Id, TargetURLs: abuse.TargetURLs})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := database.ReadAbuseByURI(ctx, abuse.URI)
	require.NoError(t, err)
	assert.Equal(t, abuse.TargetURLs, got.TargetURLs)
	assert.Equal(t, "spam", got.Reason)
}

func TestRedundancies(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	a, err := database.UpsertServer(ctx, "a.example")
	require.NoError(t, err)
	b, err := database.UpsertServer(ctx, "b.example")
	require.NoError(t, err)

	for _, r := range []domain.VideoRedundancy{
		{VideoURL: "https://a.example/v/1", OriginServerId: a.Id},
		{VideoURL: "https://a.example/v/2", OriginServerId: a.Id},
		{VideoURL: "https://b.example/v/1", OriginServerId: b.Id},
	} {
		_, err := database.InsertRedundancyIfAbsent(ctx, &r)
		require.NoError(t, err)
	}

	n, err := database.DeleteRedundanciesOfServer(ctx, a.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := database.ReadRedundanciesByServer(ctx, b.Id)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "pending", left[0].State)
}

func TestActivitiesAndDeliveries(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	stored, err := database.RecordActivity(ctx, &domain.Activity{ActivityURI: "https://peer.example/a/1", ActivityType: "Like", ActorURI: "https://peer.example/accounts/alice", RawJSON: "{}"})
	require.NoError(t, err)
	assert.False(t, stored.Processed)

	require.NoError(t, database.MarkActivityProcessed(ctx, stored.ActivityURI))
	again, err := database.RecordActivity(ctx, &domain.Activity{ActivityURI: "https://peer.example/a/1", ActivityType: "Like", ActorURI: "x", RawJSON: "{}"})
	require.NoError(t, err)
	assert.True(t, again.Processed)
	assert.Equal(t, stored.Id, again.Id)

	item := &domain.DeliveryQueueItem{InboxURI: "https://peer.example/inbox", ActorId: uuid.New(), ActivityJSON: "{}"}
	require.NoError(t, database.EnqueueDelivery(ctx, item))
	pending, err := database.ReadPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, database.UpdateDeliveryAttempt(ctx, item.Id, 1, time.Now().Add(time.Hour)))
	pending, err = database.ReadPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, database.DeleteDelivery(ctx, item.Id))
	count, err := database.CountDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
