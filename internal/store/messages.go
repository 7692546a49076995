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

// MessageInput is a new message in a content room. ReceiveUserID addresses a single private recipient.
type MessageInput struct {
	ContentID     int64  `json:"contentId"`
	Text          string `json:"text"`
	ReceiveUserID int64  `json:"receiveUserId"`
}

type messageRow struct {
	ID           int64 `db:"id"`
	CreateUserID int64 `db:"createUserId"`
	Deleted      bool  `db:"deleted"`
}

// PostMessage requires create permission on the room for the user or the public.
func (s *Store) PostMessage(ctx context.Context, userID int64, in MessageInput) (int64, error) {
	if strings.TrimSpace(in.Text) == "" {
		return 0, fmt.Errorf("%w: message text is required", ErrInvalid)
	}
	if in.ReceiveUserID < 0 {
		return 0, fmt.Errorf("%w: receiveUserId %d", ErrInvalid, in.ReceiveUserID)
	}

	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		c, err := s.loadContent(ctx, tx, in.ContentID)
		if err != nil {
			return err
		}
		if c.CreateUserID != userID || userID == 0 {
			perms, err := s.permsFor(ctx, tx, in.ContentID, userID)
			if err != nil {
				return err
			}
			if !strings.Contains(perms, "C") {
				return fmt.Errorf("%w: user %d cannot post in content %d", ErrForbidden, userID, in.ContentID)
			}
		}

		now := s.timestamp()
		id, err = exec(ctx, tx, sq.Insert("messages").
			Columns(`"contentId"`, `"createUserId"`, `"receiveUserId"`, `"text"`, `"createDate"`, `"editDate"`).
			Values(in.ContentID, userID, in.ReceiveUserID, in.Text, now, now))
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
	return id, err
}

// EditMessage replaces the text of a message. Only the sender may edit.
func (s *Store) EditMessage(ctx context.Context, userID, messageID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is required", ErrInvalid)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ownMessage(ctx, tx, userID, messageID); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, sq.Update("messages").
			Set(`"text"`, text).
			Set(`"edited"`, 1).
			Set(`"editDate"`, s.timestamp()).
			Where(sq.Eq{`"id"`: messageID})); err != nil {
			return fmt.Errorf("editing message: %w", err)
		}
		return nil
	})
}

// DeleteMessage soft-deletes a message. Only the sender may delete.
func (s *Store) DeleteMessage(ctx context.Context, userID, messageID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ownMessage(ctx, tx, userID, messageID); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, sq.Update("messages").
			Set(`"deleted"`, 1).
			Set(`"editDate"`, s.timestamp()).
			Where(sq.Eq{`"id"`: messageID})); err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
		return nil
	})
}

func (s *Store) ownMessage(ctx context.Context, tx *sqlx.Tx, userID, messageID int64) error {
	var m messageRow
	err := get(ctx, tx, &m, sq.Select(`"id"`, `"createUserId"`, `"deleted"`).From("messages").Where(sq.Eq{`"id"`: messageID}))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && m.Deleted) {
		return fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	if err != nil {
		return fmt.Errorf("loading message %d: %w", messageID, err)
	}
	if m.CreateUserID != userID {
		return fmt.Errorf("%w: message %d belongs to another user", ErrForbidden, messageID)
	}
	return nil
}
