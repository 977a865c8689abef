package db

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
)

// Follow queries
const (
	sqlFollowColumns = `id, actor_id, target_actor_id, uri, state, score, created_at, updated_at`

	sqlInsertFollowIfAbsent = `INSERT INTO actor_follows(` + sqlFollowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, target_actor_id) DO NOTHING`
	sqlSelectFollowByPair           = `SELECT ` + sqlFollowColumns + ` FROM actor_follows WHERE actor_id = ? AND target_actor_id = ?`
	sqlSelectFollowByURI            = `SELECT ` + sqlFollowColumns + ` FROM actor_follows WHERE uri = ?`
	sqlUpdateFollowAccepted         = `UPDATE actor_follows SET state = 'accepted', updated_at = ? WHERE id = ? AND state = 'pending'`
	sqlDeletePendingFollow          = `DELETE FROM actor_follows WHERE id = ? AND state = 'pending'`
	sqlDeleteFollow                 = `DELETE FROM actor_follows WHERE id = ?`
	sqlCountAcceptedFollowsToServer = `SELECT COUNT(*) FROM actor_follows f INNER JOIN actors a ON a.id = f.target_actor_id
		WHERE a.server_id = ? AND f.state = 'accepted'`
	sqlSelectFollowerURLs = `SELECT a.url FROM actor_follows f INNER JOIN actors a ON a.id = f.actor_id
		WHERE f.target_actor_id = ? AND f.state = 'accepted' ORDER BY f.created_at ASC LIMIT ? OFFSET ?`
	sqlSelectFollowingURLs = `SELECT a.url FROM actor_follows f INNER JOIN actors a ON a.id = f.target_actor_id
		WHERE f.actor_id = ? AND f.state = 'accepted' ORDER BY f.created_at ASC LIMIT ? OFFSET ?`
	sqlCountFollowers           = `SELECT COUNT(*) FROM actor_follows WHERE target_actor_id = ? AND state = 'accepted'`
	sqlCountFollowing           = `SELECT COUNT(*) FROM actor_follows WHERE actor_id = ? AND state = 'accepted'`
	sqlAdjustFollowScoreByInbox = `UPDATE actor_follows SET score = MIN(?, MAX(?, score + ?)), updated_at = ?
		WHERE target_actor_id IN (SELECT id FROM actors WHERE inbox_url = ? OR shared_inbox_url = ?)`
)

// Follow listings join both actors so one query yields a whole page.
const (
	sqlListFollows = `SELECT f.id, f.actor_id, f.target_actor_id, f.uri, f.state, f.score, f.created_at, f.updated_at, fa.url, ta.url
		FROM actor_follows f
		INNER JOIN actors fa ON fa.id = f.actor_id
		INNER JOIN actors ta ON ta.id = f.target_actor_id
		WHERE f.%s = ? AND (? = '' OR f.state = ?)
		ORDER BY %s LIMIT ? OFFSET ?`
	sqlCountFollows = `SELECT COUNT(*) FROM actor_follows WHERE %s = ? AND (? = '' OR state = ?)`
)

var followSorts = map[string]string{
	"createdAt":  "f.created_at ASC",
	"-createdAt": "f.created_at DESC",
	"score":      "f.score ASC",
	"-score":     "f.score DESC",
}

// IsFollowSort reports whether sort names a supported listing order.
func IsFollowSort(sort string) bool {
	_, ok := followSorts[sort]
	return ok
}

// FollowPage selects a window of a follow listing. An empty State matches
// every state, a Count below one means no limit and an empty Sort means
// newest first.
type FollowPage struct {
	State domain.FollowState
	Start int
	Count int
	Sort  string
}

// FollowListItem is a follow together with the URLs of both actors.
type FollowListItem struct {
	domain.Follow
	FollowerURL  string
	FollowingURL string
}

// InsertFollowIfAbsent stores f unless a row already exists for the ordered
// pair. It reports whether a new row was created.
func (db *DB) InsertFollowIfAbsent(ctx context.Context, f *domain.Follow) (bool, error) {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Score == 0 {
		f.Score = domain.FollowScoreBase
	}
	res, err := db.q.ExecContext(ctx, sqlInsertFollowIfAbsent,
		f.Id, f.ActorId, f.TargetActorId, f.URI, string(f.State), f.Score, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func (db *DB) ReadFollow(ctx context.Context, actorId, targetActorId uuid.UUID) (*domain.Follow, error) {
	f, err := scanFollowRow(db.q.QueryRowContext(ctx, sqlSelectFollowByPair, actorId, targetActorId))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	f, err := scanFollowRow(db.q.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

// AcceptPendingFollow moves a pending row to accepted. It reports false when
// the row is missing or not pending.
func (db *DB) AcceptPendingFollow(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := db.q.ExecContext(ctx, sqlUpdateFollowAccepted, time.Now(), id)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// DeletePendingFollow removes the row only while it is still pending.
func (db *DB) DeletePendingFollow(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := db.q.ExecContext(ctx, sqlDeletePendingFollow, id)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func (db *DB) DeleteFollow(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := db.q.ExecContext(ctx, sqlDeleteFollow, id)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// ListFollowing pages through the follows where actorId is the follower and
// returns the number of rows matching page.State.
func (db *DB) ListFollowing(ctx context.Context, actorId uuid.UUID, page FollowPage) ([]FollowListItem, int, error) {
	return db.listFollows(ctx, "actor_id", actorId, page)
}

// ListFollowers pages through the follows where actorId is the target.
func (db *DB) ListFollowers(ctx context.Context, actorId uuid.UUID, page FollowPage) ([]FollowListItem, int, error) {
	return db.listFollows(ctx, "target_actor_id", actorId, page)
}

// CountAcceptedFollowsToServer counts accepted follows targeting actors of serverId.
func (db *DB) CountAcceptedFollowsToServer(ctx context.Context, serverId uuid.UUID) (int, error) {
	var n int
	err := db.q.QueryRowContext(ctx, sqlCountAcceptedFollowsToServer, serverId).Scan(&n)
	return n, err
}

// AdjustFollowScoreByInbox adds delta to the score of every follow whose
// target is reached through inbox, clamped to the score bounds.
func (db *DB) AdjustFollowScoreByInbox(ctx context.Context, inbox string, delta float64) error {
	_, err := db.q.ExecContext(ctx, sqlAdjustFollowScoreByInbox,
		float64(domain.FollowScoreMax), float64(domain.FollowScoreMin), delta, time.Now(), inbox, inbox,
	)
	return err
}

// ReadFollowerURLs pages through the actor URLs of accepted followers.
func (db *DB) ReadFollowerURLs(ctx context.Context, actorId uuid.UUID, limit, offset int) ([]string, error) {
	return db.readURLs(ctx, sqlSelectFollowerURLs, actorId, limit, offset)
}

// ReadFollowingURLs pages through the actor URLs actorId follows.
func (db *DB) ReadFollowingURLs(ctx context.Context, actorId uuid.UUID, limit, offset int) ([]string, error) {
	return db.readURLs(ctx, sqlSelectFollowingURLs, actorId, limit, offset)
}

func (db *DB) CountFollowers(ctx context.Context, actorId uuid.UUID) (int, error) {
	var n int
	err := db.q.QueryRowContext(ctx, sqlCountFollowers, actorId).Scan(&n)
	return n, err
}

func (db *DB) CountFollowing(ctx context.Context, actorId uuid.UUID) (int, error) {
	var n int
	err := db.q.QueryRowContext(ctx, sqlCountFollowing, actorId).Scan(&n)
	return n, err
}

func (db *DB) readURLs(ctx context.Context, query string, actorId uuid.UUID, limit, offset int) ([]string, error) {
	rows, err := db.q.QueryContext(ctx, query, actorId, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	urls := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return urls, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func (db *DB) listFollows(ctx context.Context, column string, actorId uuid.UUID, page FollowPage) ([]FollowListItem, int, error) {
	if page.Sort == "" {
		page.Sort = "-createdAt"
	}
	order, ok := followSorts[page.Sort]
	if !ok {
		return nil, 0, fmt.Errorf("unknown follow sort %q", page.Sort)
	}
	limit := page.Count
	if limit < 1 {
		limit = -1
	}
	state := string(page.State)

	var total int
	if err := db.q.QueryRowContext(ctx, fmt.Sprintf(sqlCountFollows, column), actorId, state, state).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.q.QueryContext(ctx, fmt.Sprintf(sqlListFollows, column, order), actorId, state, state, limit, max(page.Start, 0))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []FollowListItem{}
	for rows.Next() {
		var item FollowListItem
		var st string
		f := &item.Follow
		if err := rows.Scan(&f.Id, &f.ActorId, &f.TargetActorId, &f.URI, &st, &f.Score, &f.CreatedAt, &f.UpdatedAt,
			&item.FollowerURL, &item.FollowingURL); err != nil {
			return items, total, err
		}
		f.State = domain.FollowState(st)
		items = append(items, item)
	}
	return items, total, rows.Err()
}

func scanFollowRow(row scanner) (*domain.Follow, error) {
	var f domain.Follow
	var state string
	if err := row.Scan(&f.Id, &f.ActorId, &f.TargetActorId, &f.URI, &state, &f.Score, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.State = domain.FollowState(state)
	return &f, nil
}
