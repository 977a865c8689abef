package db

import (
	"context"
	"time"

	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
)

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, inbox_uri, actor_id, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, actor_id, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountDeliveries         = `SELECT COUNT(*) FROM delivery_queue`
)

func (db *DB) EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
	_, err := db.q.ExecContext(ctx, sqlInsertDeliveryQueue,
		item.Id,
		item.InboxURI,
		item.ActorId,
		item.ActivityJSON,
		item.Attempts,
		item.NextRetryAt,
		item.CreatedAt,
	)
	return err
}

func (db *DB) ReadPendingDeliveries(ctx context.Context, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.q.QueryContext(ctx, sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		if err := rows.Scan(&item.Id, &item.InboxURI, &item.ActorId, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error {
	_, err := db.q.ExecContext(ctx, sqlUpdateDeliveryAttempt, attempts, nextRetry, id)
	return err
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	_, err := db.q.ExecContext(ctx, sqlDeleteDelivery, id)
	return err
}

func (db *DB) CountDeliveries(ctx context.Context) (int, error) {
	var n int
	err := db.q.QueryRowContext(ctx, sqlCountDeliveries).Scan(&n)
	return n, err
}
