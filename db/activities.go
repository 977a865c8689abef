package db

import (
	"context"
	"time"

	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
)

// Activity queries
const (
	sqlInsertActivityIfAbsent = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectActivityByURI    = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at FROM activities WHERE activity_uri = ?`
	sqlMarkActivityProcessed  = `UPDATE activities SET processed = 1 WHERE activity_uri = ?`
	sqlDeleteActivitiesBefore = `DELETE FROM activities WHERE processed = 1 AND created_at < ?`
)

// RecordActivity logs an inbound activity once and returns the stored row,
// which tells the caller whether the activity was already processed.
func (db *DB) RecordActivity(ctx context.Context, a *domain.Activity) (*domain.Activity, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := db.q.ExecContext(ctx, sqlInsertActivityIfAbsent,
		a.Id, a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI, a.RawJSON, a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return db.ReadActivityByURI(ctx, a.ActivityURI)
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	var a domain.Activity
	err := db.q.QueryRowContext(ctx, sqlSelectActivityByURI, uri).Scan(
		&a.Id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.RawJSON, &a.Processed, &a.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (db *DB) MarkActivityProcessed(ctx context.Context, uri string) error {
	_, err := db.q.ExecContext(ctx, sqlMarkActivityProcessed, uri)
	return err
}

// PruneActivities drops processed log entries older than before.
func (db *DB) PruneActivities(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.q.ExecContext(ctx, sqlDeleteActivitiesBefore, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
