package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
)

// Server queries
const (
	sqlInsertServerIfAbsent      = `INSERT INTO servers(id, host, redundancy_allowed, created_at) VALUES (?, ?, 0, ?) ON CONFLICT(host) DO NOTHING`
	sqlSelectServerByHost        = `SELECT id, host, redundancy_allowed, created_at FROM servers WHERE host = ?`
	sqlSelectServerById          = `SELECT id, host, redundancy_allowed, created_at FROM servers WHERE id = ?`
	sqlUpdateServerRedundancy    = `UPDATE servers SET redundancy_allowed = ? WHERE id = ?`
	sqlSelectServersNoRedundancy = `SELECT id, host, redundancy_allowed, created_at FROM servers WHERE redundancy_allowed = 0`
)

// UpsertServer returns the server row for host, creating it when missing.
func (db *DB) UpsertServer(ctx context.Context, host string) (*domain.Server, error) {
	if _, err := db.q.ExecContext(ctx, sqlInsertServerIfAbsent, uuid.New(), host, time.Now()); err != nil {
		return nil, err
	}
	return db.ReadServerByHost(ctx, host)
}

func (db *DB) ReadServerByHost(ctx context.Context, host string) (*domain.Server, error) {
	return scanServer(db.q.QueryRowContext(ctx, sqlSelectServerByHost, host))
}

func (db *DB) ReadServerById(ctx context.Context, id uuid.UUID) (*domain.Server, error) {
	return scanServer(db.q.QueryRowContext(ctx, sqlSelectServerById, id))
}

func (db *DB) SetServerRedundancyAllowed(ctx context.Context, id uuid.UUID, allowed bool) error {
	_, err := db.q.ExecContext(ctx, sqlUpdateServerRedundancy, allowed, id)
	return err
}

// ReadServersWithoutRedundancy lists servers whose mirrors must not exist.
func (db *DB) ReadServersWithoutRedundancy(ctx context.Context) ([]domain.Server, error) {
	rows, err := db.q.QueryContext(ctx, sqlSelectServersNoRedundancy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []domain.Server
	for rows.Next() {
		var s domain.Server
		if err := rows.Scan(&s.Id, &s.Host, &s.RedundancyAllowed, &s.CreatedAt); err != nil {
			return servers, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func scanServer(row *sql.Row) (*domain.Server, error) {
	var s domain.Server
	if err := row.Scan(&s.Id, &s.Host, &s.RedundancyAllowed, &s.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// Actor queries
const (
	sqlActorColumns = `id, type, url, username, display_name, inbox_url, shared_inbox_url, public_key_pem, private_key_pem, host, server_id, created_at, last_fetched_at`

	sqlInsertActor       = `INSERT INTO actors(` + sqlActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpsertRemoteActor = `INSERT INTO actors(` + sqlActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			type = excluded.type,
			display_name = excluded.display_name,
			inbox_url = excluded.inbox_url,
			shared_inbox_url = excluded.shared_inbox_url,
			public_key_pem = excluded.public_key_pem,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectActorByURL         = `SELECT ` + sqlActorColumns + ` FROM actors WHERE url = ?`
	sqlSelectActorById          = `SELECT ` + sqlActorColumns + ` FROM actors WHERE id = ?`
	sqlSelectLocalActorByName   = `SELECT ` + sqlActorColumns + ` FROM actors WHERE host = '' AND username = ? AND type = ?`
	sqlSelectActorByNameAndHost = `SELECT ` + sqlActorColumns + ` FROM actors WHERE username = ? AND host = ?`
	sqlSelectActorsByServer     = `SELECT ` + sqlActorColumns + ` FROM actors WHERE server_id = ?`
	sqlDeleteActor              = `DELETE FROM actors WHERE id = ?`
)

func (db *DB) CreateActor(ctx context.Context, a *domain.Actor) error {
	var serverId uuid.NullUUID
	if a.ServerId != nil {
		serverId = uuid.NullUUID{UUID: *a.ServerId, Valid: true}
	}
	_, err := db.q.ExecContext(ctx, sqlInsertActor,
		a.Id, string(a.Type), a.URL, a.Username, a.DisplayName, a.InboxURL, a.SharedInboxURL,
		a.PublicKeyPem, a.PrivateKeyPem, a.Host, serverId, a.CreatedAt, a.LastFetchedAt,
	)
	return err
}

// UpsertRemoteActor inserts a remote actor or refreshes the mutable profile
// fields of the cached copy. The identity (id, url, username, host) of an
// existing row never changes. The stored row is returned.
func (db *DB) UpsertRemoteActor(ctx context.Context, a *domain.Actor) (*domain.Actor, error) {
	if a.Host == "" {
		return nil, errors.New("remote actor requires a host")
	}
	var result *domain.Actor
	err := db.WithTx(ctx, func(tx *DB) error {
		server, err := tx.UpsertServer(ctx, a.Host)
		if err != nil {
			return err
		}
		if a.Id == uuid.Nil {
			a.Id = uuid.New()
		}
		now := time.Now()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.LastFetchedAt.IsZero() {
			a.LastFetchedAt = now
		}
		_, err = tx.q.ExecContext(ctx, sqlUpsertRemoteActor,
			a.Id, string(a.Type), a.URL, a.Username, a.DisplayName, a.InboxURL, a.SharedInboxURL,
			a.PublicKeyPem, a.Host, server.Id, a.CreatedAt, a.LastFetchedAt,
		)
		if err != nil {
			return err
		}
		result, err = tx.ReadActorByURL(ctx, a.URL)
		return err
	})
	return result, err
}

func (db *DB) ReadActorByURL(ctx context.Context, url string) (*domain.Actor, error) {
	return scanActor(db.q.QueryRowContext(ctx, sqlSelectActorByURL, url))
}

func (db *DB) ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	return scanActor(db.q.QueryRowContext(ctx, sqlSelectActorById, id))
}

// ReadLocalActor finds a local account (Person), channel (Group) or the
// server actor (Application) by name.
func (db *DB) ReadLocalActor(ctx context.Context, username string, actorType domain.ActorType) (*domain.Actor, error) {
	return scanActor(db.q.QueryRowContext(ctx, sqlSelectLocalActorByName, username, string(actorType)))
}

func (db *DB) ReadActorByNameAndHost(ctx context.Context, username, host string) (*domain.Actor, error) {
	return scanActor(db.q.QueryRowContext(ctx, sqlSelectActorByNameAndHost, username, host))
}

// DeleteActor removes an actor; its follows, videos, comments, rates and
// shares go with it through ON DELETE CASCADE.
func (db *DB) DeleteActor(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := db.q.ExecContext(ctx, sqlDeleteActor, id)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActor(row *sql.Row) (*domain.Actor, error) {
	a, err := scanActorRow(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func scanActorRow(row scanner) (*domain.Actor, error) {
	var a domain.Actor
	var actorType string
	var serverId uuid.NullUUID
	err := row.Scan(
		&a.Id,
		&actorType,
		&a.URL,
		&a.Username,
		&a.DisplayName,
		&a.InboxURL,
		&a.SharedInboxURL,
		&a.PublicKeyPem,
		&a.PrivateKeyPem,
		&a.Host,
		&serverId,
		&a.CreatedAt,
		&a.LastFetchedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Type = domain.ActorType(actorType)
	if serverId.Valid {
		id := serverId.UUID
		a.ServerId = &id
	}
	return &a, nil
}
