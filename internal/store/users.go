package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// CreateUser registers a public profile and returns its id.
func (s *Store) CreateUser(ctx context.Context, username string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, fmt.Errorf("%w: username is required", ErrInvalid)
	}

	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing int64
		err := get(ctx, tx, &existing, sq.Select(`"id"`).From("users").Where(sq.Eq{`"username"`: username}))
		if err == nil {
			return fmt.Errorf("%w: username %q is taken", ErrInvalid, username)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking username: %w", err)
		}

		id, err = exec(ctx, tx, sq.Insert("users").
			Columns(`"username"`, `"createDate"`).
			Values(username, s.timestamp()))
		if err != nil {
			return fmt.Errorf("inserting user: %w", err)
		}
		return nil
	})
	return id, err
}

func (s *Store) UpdateAvatar(ctx context.Context, userID int64, avatar string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := userExists(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, sq.Update("users").Set(`"avatar"`, avatar).Where(sq.Eq{`"id"`: userID})); err != nil {
			return fmt.Errorf("updating avatar: %w", err)
		}
		return nil
	})
}

func userExists(ctx context.Context, tx *sqlx.Tx, userID int64) error {
	var id int64
	err := get(ctx, tx, &id, sq.Select(`"id"`).From("users").Where(sq.Eq{`"id"`: userID, `"deleted"`: 0}))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	if err != nil {
		return fmt.Errorf("loading user %d: %w", userID, err)
	}
	return nil
}

// SetVariable upserts a private key/value pair for userID. created reports whether the row is new.
func (s *Store) SetVariable(ctx context.Context, userID int64, name, value string) (id int64, created bool, err error) {
	if userID == 0 {
		return 0, false, fmt.Errorf("%w: anonymous users have no variables", ErrForbidden)
	}
	if strings.TrimSpace(name) == "" {
		return 0, false, fmt.Errorf("%w: variable name is required", ErrInvalid)
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.timestamp()
		lookup := get(ctx, tx, &id, sq.Select(`"id"`).From("user_variables").
			Where(sq.Eq{`"userId"`: userID, `"name"`: name}))
		switch {
		case errors.Is(lookup, sql.ErrNoRows):
			created = true
			id, lookup = exec(ctx, tx, sq.Insert("user_variables").
				Columns(`"userId"`, `"name"`, `"value"`, `"createDate"`, `"editDate"`).
				Values(userID, name, value, now, now))
		case lookup == nil:
			_, lookup = exec(ctx, tx, sq.Update("user_variables").
				Set(`"value"`, value).
				Set(`"editDate"`, now).
				Where(sq.Eq{`"id"`: id}))
		}
		if lookup != nil {
			return fmt.Errorf("writing variable %q: %w", name, lookup)
		}
		return nil
	})
	return id, created, err
}

// DeleteVariable removes a variable and returns the id it had.
func (s *Store) DeleteVariable(ctx context.Context, userID int64, name string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := get(ctx, tx, &id, sq.Select(`"id"`).From("user_variables").
			Where(sq.Eq{`"userId"`: userID, `"name"`: name}))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: variable %q", ErrNotFound, name)
		}
		if err != nil {
			return fmt.Errorf("loading variable %q: %w", name, err)
		}
		if _, err := exec(ctx, tx, sq.Delete("user_variables").Where(sq.Eq{`"id"`: id})); err != nil {
			return fmt.Errorf("deleting variable %q: %w", name, err)
		}
		return nil
	})
	return id, err
}

// AddWatch subscribes userID to a readable piece of content.
func (s *Store) AddWatch(ctx context.Context, userID, contentID int64) (int64, error) {
	if userID == 0 {
		return 0, fmt.Errorf("%w: anonymous users cannot watch", ErrForbidden)
	}

	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		c, err := s.loadContent(ctx, tx, contentID)
		if err != nil {
			return err
		}
		if c.CreateUserID != userID {
			perms, err := s.permsFor(ctx, tx, contentID, userID)
			if err != nil {
				return err
			}
			if !strings.Contains(perms, "R") {
				return fmt.Errorf("%w: user %d cannot read content %d", ErrForbidden, userID, contentID)
			}
		}

		var existing int64
		err = get(ctx, tx, &existing, sq.Select(`"id"`).From("watches").
			Where(sq.Eq{`"userId"`: userID, `"contentId"`: contentID}))
		if err == nil {
			return fmt.Errorf("%w: already watching content %d", ErrInvalid, contentID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking watch: %w", err)
		}

		var lastActivity int64
		if err := get(ctx, tx, &lastActivity, sq.Select(`COALESCE(MAX("id"), 0)`).From("activity").
			Where(sq.Eq{`"contentId"`: contentID})); err != nil {
			return fmt.Errorf("loading last activity: %w", err)
		}

		id, err = exec(ctx, tx, sq.Insert("watches").
			Columns(`"userId"`, `"contentId"`, `"lastActivityId"`, `"createDate"`).
			Values(userID, contentID, lastActivity, s.timestamp()))
		if err != nil {
			return fmt.Errorf("inserting watch: %w", err)
		}
		return nil
	})
	return id, err
}

// RemoveWatch unsubscribes userID and returns the removed watch id.
func (s *Store) RemoveWatch(ctx context.Context, userID, contentID int64) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := get(ctx, tx, &id, sq.Select(`"id"`).From("watches").
			Where(sq.Eq{`"userId"`: userID, `"contentId"`: contentID}))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: watch on content %d", ErrNotFound, contentID)
		}
		if err != nil {
			return fmt.Errorf("loading watch: %w", err)
		}
		if _, err := exec(ctx, tx, sq.Delete("watches").Where(sq.Eq{`"id"`: id})); err != nil {
			return fmt.Errorf("deleting watch: %w", err)
		}
		return nil
	})
	return id, err
}
