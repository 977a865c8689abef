package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by Read* methods when no row matches.
var ErrNotFound = errors.New("not found")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the database struct. A DB handed to a WithTx callback is bound to
// that transaction and runs every query inside it.
type DB struct {
	db         *sql.DB
	q          queryer
	inTx       bool
	maxRetries int
	log        *zap.Logger
}

const txRetryBackoff = 20 * time.Millisecond

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string, maxRetries int, logger *zap.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := New(sqlDB, maxRetries, logger)
	if err := database.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("Database initialized", zap.String("path", path))
	return database, nil
}

// New wraps an already opened *sql.DB.
func New(sqlDB *sql.DB, maxRetries int, logger *zap.Logger) *DB {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &DB{
		db:         sqlDB,
		q:          sqlDB,
		maxRetries: maxRetries,
		log:        logger.Named("db"),
	}
}

// Pragmas are set through the DSN so every pooled connection gets them.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
		"_time_format=sqlite",
	}, "&")
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// WithTx runs f inside one transaction. Busy or locked conflicts restart the
// whole transaction, at most maxRetries times; any other error rolls back and
// is returned as is. Nested calls join the outer transaction.
func (db *DB) WithTx(ctx context.Context, f func(tx *DB) error) error {
	if db.inTx {
		return f(db)
	}

	var err error
	for attempt := 1; attempt <= db.maxRetries; attempt++ {
		err = db.runTx(ctx, f)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		db.log.Warn("Retrying transaction", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryBackoff):
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", db.maxRetries, err)
}

func (db *DB) runTx(ctx context.Context, f func(tx *DB) error) (err error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	txDB := &DB{db: db.db, q: tx, inTx: true, maxRetries: db.maxRetries, log: db.log}
	if err = f(txDB); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.log.Error("Rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type sqliteCoder interface {
	Code() int
}

// IsRetryable reports whether err is a SQLite busy/locked conflict.
func IsRetryable(err error) bool {
	var coder sqliteCoder
	if !errors.As(err, &coder) {
		return false
	}
	switch coder.Code() & 0xff {
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
		return true
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
