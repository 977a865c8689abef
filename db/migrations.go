package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

const (
	sqlCreateServersTable = `CREATE TABLE IF NOT EXISTS servers (
		id TEXT NOT NULL PRIMARY KEY,
		host TEXT UNIQUE NOT NULL,
		redundancy_allowed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		type TEXT NOT NULL,
		url TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		inbox_url TEXT NOT NULL,
		shared_inbox_url TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL DEFAULT '',
		server_id TEXT REFERENCES servers(id) ON DELETE CASCADE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, host)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_server_id ON actors(server_id);
		CREATE INDEX IF NOT EXISTS idx_actors_inbox_url ON actors(inbox_url);
		CREATE INDEX IF NOT EXISTS idx_actors_shared_inbox_url ON actors(shared_inbox_url);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS actor_follows (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		target_actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		uri TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL CHECK (state IN ('pending', 'accepted')),
		score REAL NOT NULL DEFAULT 1000,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_id, target_actor_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actor_follows_target ON actor_follows(target_actor_id);
		CREATE INDEX IF NOT EXISTS idx_actor_follows_uri ON actor_follows(uri);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`

	sqlCreateVideosTable = `CREATE TABLE IF NOT EXISTS videos (
		id TEXT NOT NULL PRIMARY KEY,
		uuid TEXT UNIQUE NOT NULL,
		url TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		duration INTEGER NOT NULL,
		channel_actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		views INTEGER NOT NULL DEFAULT 0,
		sensitive INTEGER NOT NULL DEFAULT 0,
		state INTEGER NOT NULL DEFAULT 1,
		comments_enabled INTEGER NOT NULL DEFAULT 0,
		download_enabled INTEGER NOT NULL DEFAULT 1,
		is_live INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		raw_json TEXT NOT NULL,
		published_at TIMESTAMP,
		updated_at TIMESTAMP
	)`

	sqlCreateVideoViewsTable = `CREATE TABLE IF NOT EXISTS video_views (
		activity_uri TEXT NOT NULL PRIMARY KEY,
		video_url TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateCommentsTable = `CREATE TABLE IF NOT EXISTS video_comments (
		id TEXT NOT NULL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		in_reply_to TEXT NOT NULL,
		text TEXT NOT NULL,
		published_at TIMESTAMP
	)`

	sqlCreateRatesTable = `CREATE TABLE IF NOT EXISTS video_rates (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		video_url TEXT NOT NULL,
		type TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_id, video_url)
	)`

	sqlCreateSharesTable = `CREATE TABLE IF NOT EXISTS video_shares (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		video_url TEXT NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_id, video_url)
	)`

	sqlCreateAbusesTable = `CREATE TABLE IF NOT EXISTS abuses (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		reporter_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		target_urls TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRedundanciesTable = `CREATE TABLE IF NOT EXISTS video_redundancies (
		id TEXT NOT NULL PRIMARY KEY,
		video_url TEXT UNIQUE NOT NULL,
		origin_server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRedundanciesIndices = `
		CREATE INDEX IF NOT EXISTS idx_video_redundancies_server ON video_redundancies(origin_server_id);
	`
)

type migration struct {
	table   string
	create  string
	indices string
}

var migrations = []migration{
	{table: "servers", create: sqlCreateServersTable},
	{table: "actors", create: sqlCreateActorsTable, indices: sqlCreateActorsIndices},
	{table: "actor_follows", create: sqlCreateFollowsTable, indices: sqlCreateFollowsIndices},
	{table: "activities", create: sqlCreateActivitiesTable, indices: sqlCreateActivitiesIndices},
	{table: "delivery_queue", create: sqlCreateDeliveryQueueTable, indices: sqlCreateDeliveryQueueIndices},
	{table: "videos", create: sqlCreateVideosTable},
	{table: "video_views", create: sqlCreateVideoViewsTable},
	{table: "video_comments", create: sqlCreateCommentsTable},
	{table: "video_rates", create: sqlCreateRatesTable},
	{table: "video_shares", create: sqlCreateSharesTable},
	{table: "abuses", create: sqlCreateAbusesTable},
	{table: "video_redundancies", create: sqlCreateRedundanciesTable, indices: sqlCreateRedundanciesIndices},
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *DB) error {
		for _, m := range migrations {
			if err := tx.createTableIfNotExists(ctx, m.create, m.table); err != nil {
				return err
			}
			if m.indices == "" {
				continue
			}
			if _, err := tx.q.ExecContext(ctx, m.indices); err != nil {
				tx.log.Warn("Failed to create indices", zap.String("table", m.table), zap.Error(err))
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(ctx context.Context, createSQL string, tableName string) error {
	if _, err := db.q.ExecContext(ctx, createSQL); err != nil {
		db.log.Error("Error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.log.Debug("Table created or already exists", zap.String("table", tableName))
	return nil
}

var _ queryer = (*sql.Tx)(nil)
