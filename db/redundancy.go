package db

import (
	"context"
	"time"

	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
)

// Redundancy queries
const (
	sqlInsertRedundancyIfAbsent = `INSERT INTO video_redundancies(id, video_url, origin_server_id, state, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(video_url) DO NOTHING`
	sqlSelectRedundanciesByServer = `SELECT id, video_url, origin_server_id, state, created_at FROM video_redundancies WHERE origin_server_id = ?`
	sqlDeleteRedundanciesOfServer = `DELETE FROM video_redundancies WHERE origin_server_id = ?`
	sqlDeleteRedundancyByVideo    = `DELETE FROM video_redundancies WHERE video_url = ?`
)

func (db *DB) InsertRedundancyIfAbsent(ctx context.Context, r *domain.VideoRedundancy) (bool, error) {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.State == "" {
		r.State = "pending"
	}
	res, err := db.q.ExecContext(ctx, sqlInsertRedundancyIfAbsent, r.Id, r.VideoURL, r.OriginServerId, r.State, r.CreatedAt)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func (db *DB) ReadRedundanciesByServer(ctx context.Context, serverId uuid.UUID) ([]domain.VideoRedundancy, error) {
	rows, err := db.q.QueryContext(ctx, sqlSelectRedundanciesByServer, serverId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var redundancies []domain.VideoRedundancy
	for rows.Next() {
		var r domain.VideoRedundancy
		if err := rows.Scan(&r.Id, &r.VideoURL, &r.OriginServerId, &r.State, &r.CreatedAt); err != nil {
			return redundancies, err
		}
		redundancies = append(redundancies, r)
	}
	return redundancies, rows.Err()
}

// DeleteRedundanciesOfServer drops every mirror of videos owned by serverId.
func (db *DB) DeleteRedundanciesOfServer(ctx context.Context, serverId uuid.UUID) (int64, error) {
	res, err := db.q.ExecContext(ctx, sqlDeleteRedundanciesOfServer, serverId)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) DeleteRedundancyByVideo(ctx context.Context, videoURL string) error {
	_, err := db.q.ExecContext(ctx, sqlDeleteRedundancyByVideo, videoURL)
	return err
}
