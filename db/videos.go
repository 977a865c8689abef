package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
)

// Video queries
const (
	sqlVideoColumns = `id, uuid, url, name, duration, channel_actor_id, views, sensitive, state, comments_enabled, download_enabled, is_live, content, tags, raw_json, published_at, updated_at`

	sqlUpsertVideo = `INSERT INTO videos(` + sqlVideoColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			name = excluded.name,
			duration = excluded.duration,
			views = excluded.views,
			sensitive = excluded.sensitive,
			state = excluded.state,
			comments_enabled = excluded.comments_enabled,
			download_enabled = excluded.download_enabled,
			is_live = excluded.is_live,
			content = excluded.content,
			tags = excluded.tags,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
		WHERE videos.channel_actor_id = excluded.channel_actor_id`
	sqlSelectVideoByURL   = `SELECT ` + sqlVideoColumns + ` FROM videos WHERE url = ?`
	sqlDeleteVideoByURL   = `DELETE FROM videos WHERE url = ? AND channel_actor_id IN (SELECT id FROM actors WHERE server_id = ?)`
	sqlInsertViewIfAbsent = `INSERT INTO video_views(activity_uri, video_url, created_at) VALUES (?, ?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlIncrementViews     = `UPDATE videos SET views = views + 1 WHERE url = ?`
)

// UpsertVideo creates or refreshes a remote video keyed by its URL. A row
// owned by another channel is left untouched.
func (db *DB) UpsertVideo(ctx context.Context, v *domain.Video) error {
	if v.Id == uuid.Nil {
		v.Id = uuid.New()
	}
	tags, err := json.Marshal(v.Tags)
	if err != nil {
		return err
	}
	_, err = db.q.ExecContext(ctx, sqlUpsertVideo,
		v.Id, v.UUID, v.URL, v.Name, v.Duration, v.ChannelActorId, v.Views, v.Sensitive, v.State,
		v.CommentsEnabled, v.DownloadEnabled, v.IsLive, v.Content, string(tags), v.RawJSON,
		v.PublishedAt, v.UpdatedAt,
	)
	return err
}

func (db *DB) ReadVideoByURL(ctx context.Context, url string) (*domain.Video, error) {
	var v domain.Video
	var tags string
	err := db.q.QueryRowContext(ctx, sqlSelectVideoByURL, url).Scan(
		&v.Id, &v.UUID, &v.URL, &v.Name, &v.Duration, &v.ChannelActorId, &v.Views, &v.Sensitive, &v.State,
		&v.CommentsEnabled, &v.DownloadEnabled, &v.IsLive, &v.Content, &tags, &v.RawJSON,
		&v.PublishedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(tags), &v.Tags); err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteVideoByURL removes a video only when it belongs to a channel hosted
// on serverId, so a peer can delete only its own videos.
func (db *DB) DeleteVideoByURL(ctx context.Context, url string, serverId uuid.UUID) (bool, error) {
	res, err := db.q.ExecContext(ctx, sqlDeleteVideoByURL, url, serverId)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// RecordView counts one view per activity URI.
func (db *DB) RecordView(ctx context.Context, activityURI, videoURL string) (bool, error) {
	var counted bool
	err := db.WithTx(ctx, func(tx *DB) error {
		res, err := tx.q.ExecContext(ctx, sqlInsertViewIfAbsent, activityURI, videoURL, time.Now())
		if err != nil {
			return err
		}
		if counted, err = rowsChanged(res); err != nil || !counted {
			return err
		}
		_, err = tx.q.ExecContext(ctx, sqlIncrementViews, videoURL)
		return err
	})
	return counted, err
}

// Comment queries
const (
	sqlUpsertComment = `INSERT INTO video_comments(id, url, actor_id, in_reply_to, text, published_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET text = excluded.text WHERE video_comments.actor_id = excluded.actor_id`
	sqlSelectCommentByURL = `SELECT id, url, actor_id, in_reply_to, text, published_at FROM video_comments WHERE url = ?`
	sqlDeleteComment      = `DELETE FROM video_comments WHERE url = ? AND actor_id = ?`
)

func (db *DB) UpsertComment(ctx context.Context, c *domain.Comment) error {
	if c.Id == uuid.Nil {
		c.Id = uuid.New()
	}
	_, err := db.q.ExecContext(ctx, sqlUpsertComment, c.Id, c.URL, c.ActorId, c.InReplyTo, c.Text, c.PublishedAt)
	return err
}

func (db *DB) ReadCommentByURL(ctx context.Context, url string) (*domain.Comment, error) {
	var c domain.Comment
	err := db.q.QueryRowContext(ctx, sqlSelectCommentByURL, url).Scan(&c.Id, &c.URL, &c.ActorId, &c.InReplyTo, &c.Text, &c.PublishedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (db *DB) DeleteComment(ctx context.Context, url string, actorId uuid.UUID) (bool, error) {
	res, err := db.q.ExecContext(ctx, sqlDeleteComment, url, actorId)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// Rate queries
const (
	sqlUpsertRate = `INSERT INTO video_rates(id, actor_id, video_url, type, uri, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, video_url) DO UPDATE SET type = excluded.type, uri = excluded.uri`
	sqlSelectRate = `SELECT id, actor_id, video_url, type, uri, created_at FROM video_rates WHERE actor_id = ? AND video_url = ?`
	sqlDeleteRate = `DELETE FROM video_rates WHERE actor_id = ? AND video_url = ? AND type = ?`
)

// UpsertRate sets the single rate of an actor on a video.
func (db *DB) UpsertRate(ctx context.Context, r *domain.Rate) error {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := db.q.ExecContext(ctx, sqlUpsertRate, r.Id, r.ActorId, r.VideoURL, string(r.Type), r.URI, r.CreatedAt)
	return err
}

func (db *DB) ReadRate(ctx context.Context, actorId uuid.UUID, videoURL string) (*domain.Rate, error) {
	var r domain.Rate
	var rateType string
	err := db.q.QueryRowContext(ctx, sqlSelectRate, actorId, videoURL).Scan(&r.Id, &r.ActorId, &r.VideoURL, &rateType, &r.URI, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.Type = domain.RateType(rateType)
	return &r, nil
}

func (db *DB) DeleteRate(ctx context.Context, actorId uuid.UUID, videoURL string, rateType domain.RateType) (bool, error) {
	res, err := db.q.ExecContext(ctx, sqlDeleteRate, actorId, videoURL, string(rateType))
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// Share queries
const (
	sqlInsertShareIfAbsent = `INSERT INTO video_shares(id, actor_id, video_url, uri, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, video_url) DO NOTHING`
	sqlCountShares = `SELECT COUNT(*) FROM video_shares WHERE video_url = ?`
	sqlDeleteShare = `DELETE FROM video_shares WHERE actor_id = ? AND video_url = ?`
)

func (db *DB) InsertShareIfAbsent(ctx context.Context, s *domain.Share) (bool, error) {
	if s.Id == uuid.Nil {
		s.Id = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	res, err := db.q.ExecContext(ctx, sqlInsertShareIfAbsent, s.Id, s.ActorId, s.VideoURL, s.URI, s.CreatedAt)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func (db *DB) CountShares(ctx context.Context, videoURL string) (int, error) {
	var n int
	err := db.q.QueryRowContext(ctx, sqlCountShares, videoURL).Scan(&n)
	return n, err
}

func (db *DB) DeleteShare(ctx context.Context, actorId uuid.UUID, videoURL string) (bool, error) {
	res, err := db.q.ExecContext(ctx, sqlDeleteShare, actorId, videoURL)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// Abuse queries
const (
	sqlInsertAbuseIfAbsent = `INSERT INTO abuses(id, uri, reporter_id, target_urls, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO NOTHING`
	sqlSelectAbuseByURI = `SELECT id, uri, reporter_id, target_urls, reason, created_at FROM abuses WHERE uri = ?`
)

func (db *DB) InsertAbuseIfAbsent(ctx context.Context, a *domain.Abuse) (bool, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	targets, err := json.Marshal(a.TargetURLs)
	if err != nil {
		return false, err
	}
	res, err := db.q.ExecContext(ctx, sqlInsertAbuseIfAbsent, a.Id, a.URI, a.ReporterId, string(targets), a.Reason, a.CreatedAt)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func (db *DB) ReadAbuseByURI(ctx context.Context, uri string) (*domain.Abuse, error) {
	var a domain.Abuse
	var targets string
	err := db.q.QueryRowContext(ctx, sqlSelectAbuseByURI, uri).Scan(&a.Id, &a.URI, &a.ReporterId, &targets, &a.Reason, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(targets), &a.TargetURLs); err != nil {
		return nil, err
	}
	return &a, nil
}
