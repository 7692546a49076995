// Package store owns the relational schema and the write path that feeds the live queue.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"username" TEXT NOT NULL UNIQUE,
	"avatar" TEXT NOT NULL DEFAULT '',
	"super" INTEGER NOT NULL DEFAULT 0,
	"createDate" TEXT NOT NULL,
	"deleted" INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS content (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"name" TEXT NOT NULL,
	"contentType" TEXT NOT NULL DEFAULT 'page',
	"parentId" INTEGER NOT NULL DEFAULT 0,
	"text" TEXT NOT NULL DEFAULT '',
	"createUserId" INTEGER NOT NULL,
	"createDate" TEXT NOT NULL,
	"editDate" TEXT NOT NULL,
	"deleted" INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS content_permissions (
	"contentId" INTEGER NOT NULL REFERENCES content("id"),
	"userId" INTEGER NOT NULL,
	"perms" TEXT NOT NULL,
	PRIMARY KEY ("contentId", "userId")
);

CREATE TABLE IF NOT EXISTS messages (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"contentId" INTEGER NOT NULL REFERENCES content("id"),
	"createUserId" INTEGER NOT NULL,
	"receiveUserId" INTEGER NOT NULL DEFAULT 0,
	"text" TEXT NOT NULL,
	"createDate" TEXT NOT NULL,
	"editDate" TEXT NOT NULL,
	"edited" INTEGER NOT NULL DEFAULT 0,
	"deleted" INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_content ON messages ("contentId");

CREATE TABLE IF NOT EXISTS activity (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"contentId" INTEGER NOT NULL,
	"userId" INTEGER NOT NULL,
	"action" TEXT NOT NULL,
	"date" TEXT NOT NULL,
	"message" TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS activity_content ON activity ("contentId");

CREATE TABLE IF NOT EXISTS watches (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"userId" INTEGER NOT NULL,
	"contentId" INTEGER NOT NULL,
	"lastActivityId" INTEGER NOT NULL DEFAULT 0,
	"createDate" TEXT NOT NULL,
	UNIQUE ("userId", "contentId")
);

CREATE TABLE IF NOT EXISTS user_variables (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"userId" INTEGER NOT NULL,
	"name" TEXT NOT NULL,
	"value" TEXT NOT NULL,
	"createDate" TEXT NOT NULL,
	"editDate" TEXT NOT NULL,
	UNIQUE ("userId", "name")
);
`

// Store is the relational store behind both the write path and the search engine.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// PrepareDSN turns a file path or sqlite URI into a DSN with WAL journaling, a busy timeout,
// foreign keys and immediate write transactions, unless the caller already set them.
func PrepareDSN(path string) (string, error) {
	uri := path
	if !strings.HasPrefix(uri, "file:") {
		uri = "file:" + uri
	}

	query := url.Values{}
	if i := strings.Index(uri, "?"); i != -1 {
		var err error
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return "", fmt.Errorf("parsing dsn: %w", err)
		}
		uri = uri[:i]
	}

	set := map[string]bool{}
	for _, val := range query["_pragma"] {
		name, _, _ := strings.Cut(val, "(")
		set[name] = true
	}
	for _, p := range []string{"journal_mode(WAL)", "busy_timeout(5000)", "foreign_keys(1)"} {
		name, _, _ := strings.Cut(p, "(")
		if !set[name] {
			query.Add("_pragma", p)
		}
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}
	return uri + "?" + query.Encode(), nil
}

// Open connects to the database at path and bootstraps the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn, err := PrepareDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Database ready", zap.String("path", path))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// DB exposes the pool for read-side components.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func exec(ctx context.Context, tx *sqlx.Tx, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building statement: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func get(ctx context.Context, tx *sqlx.Tx, dest any, b sq.SelectBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	return tx.GetContext(ctx, dest, query, args...)
}
