package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Activity actions recorded for content changes.
const (
	ActionCreate = "c"
	ActionUpdate = "u"
	ActionDelete = "d"
)

// ownerPerms is granted to the creator of every piece of content.
const ownerPerms = "CRUD"

// ContentInput creates content when ID is zero and updates it otherwise.
type ContentInput struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	ContentType string           `json:"contentType"`
	ParentID    int64            `json:"parentId"`
	Text        string           `json:"text"`
	Permissions map[int64]string `json:"permissions"`
}

// WriteResult identifies the content written and the activity row recorded for it.
type WriteResult struct {
	ID         int64
	ActivityID int64
	Created    bool
}

type contentRow struct {
	ID           int64 `db:"id"`
	CreateUserID int64 `db:"createUserId"`
	Deleted      bool  `db:"deleted"`
}

func validPerms(p string) bool {
	for _, r := range p {
		if !strings.ContainsRune(ownerPerms, r) {
			return false
		}
	}
	return true
}

// WriteContent creates or updates content and its permission map on behalf of userID.
func (s *Store) WriteContent(ctx context.Context, userID int64, in ContentInput) (WriteResult, error) {
	if userID == 0 {
		return WriteResult{}, fmt.Errorf("%w: anonymous users cannot write content", ErrForbidden)
	}
	if strings.TrimSpace(in.Name) == "" {
		return WriteResult{}, fmt.Errorf("%w: content name is required", ErrInvalid)
	}
	for uid, p := range in.Permissions {
		if !validPerms(p) {
			return WriteResult{}, fmt.Errorf("%w: permission %q for user %d", ErrInvalid, p, uid)
		}
	}
	if in.ContentType == "" {
		in.ContentType = "page"
	}

	var res WriteResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.timestamp()
		action := ActionUpdate

		if in.ID == 0 {
			id, err := exec(ctx, tx, sq.Insert("content").
				Columns(`"name"`, `"contentType"`, `"parentId"`, `"text"`, `"createUserId"`, `"createDate"`, `"editDate"`).
				Values(in.Name, in.ContentType, in.ParentID, in.Text, userID, now, now))
			if err != nil {
				return fmt.Errorf("inserting content: %w", err)
			}
			in.ID = id
			res.Created = true
			action = ActionCreate
		} else {
			c, err := s.loadContent(ctx, tx, in.ID)
			if err != nil {
				return err
			}
			if c.CreateUserID != userID {
				perms, err := s.permsFor(ctx, tx, in.ID, userID)
				if err != nil {
					return err
				}
				if !strings.Contains(perms, "U") {
					return fmt.Errorf("%w: user %d cannot update content %d", ErrForbidden, userID, in.ID)
				}
			}
			if _, err := exec(ctx, tx, sq.Update("content").
				Set(`"name"`, in.Name).
				Set(`"contentType"`, in.ContentType).
				Set(`"parentId"`, in.ParentID).
				Set(`"text"`, in.Text).
				Set(`"editDate"`, now).
				Where(sq.Eq{`"id"`: in.ID})); err != nil {
				return fmt.Errorf("updating content: %w", err)
			}
			in.Permissions = withOwner(in.Permissions, c.CreateUserID)
		}

		if res.Created {
			in.Permissions = withOwner(in.Permissions, userID)
		}
		if err := replacePermissions(ctx, tx, in.ID, in.Permissions); err != nil {
			return err
		}

		activityID, err := s.recordActivity(ctx, tx, in.ID, userID, action)
		if err != nil {
			return err
		}
		res.ID = in.ID
		res.ActivityID = activityID
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}

	s.logger.Debug("Content written",
		zap.Int64("content_id", res.ID),
		zap.Int64("user_id", userID),
		zap.Bool("created", res.Created))
	return res, nil
}

// DeleteContent soft-deletes content and returns the activity id recorded for it.
func (s *Store) DeleteContent(ctx context.Context, userID, contentID int64) (int64, error) {
	var activityID int64
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
			if !strings.Contains(perms, "D") {
				return fmt.Errorf("%w: user %d cannot delete content %d", ErrForbidden, userID, contentID)
			}
		}
		if _, err := exec(ctx, tx, sq.Update("content").
			Set(`"deleted"`, 1).
			Set(`"editDate"`, s.timestamp()).
			Where(sq.Eq{`"id"`: contentID})); err != nil {
			return fmt.Errorf("deleting content: %w", err)
		}
		activityID, err = s.recordActivity(ctx, tx, contentID, userID, ActionDelete)
		return err
	})
	return activityID, err
}

func withOwner(perms map[int64]string, owner int64) map[int64]string {
	out := make(map[int64]string, len(perms)+1)
	for uid, p := range perms {
		out[uid] = p
	}
	out[owner] = ownerPerms
	return out
}

func replacePermissions(ctx context.Context, tx *sqlx.Tx, contentID int64, perms map[int64]string) error {
	if _, err := exec(ctx, tx, sq.Delete("content_permissions").Where(sq.Eq{`"contentId"`: contentID})); err != nil {
		return fmt.Errorf("clearing permissions: %w", err)
	}
	if len(perms) == 0 {
		return nil
	}
	ins := sq.Insert("content_permissions").Columns(`"contentId"`, `"userId"`, `"perms"`)
	for uid, p := range perms {
		if p == "" {
			continue
		}
		ins = ins.Values(contentID, uid, p)
	}
	if _, err := exec(ctx, tx, ins); err != nil {
		return fmt.Errorf("writing permissions: %w", err)
	}
	return nil
}

func (s *Store) loadContent(ctx context.Context, tx *sqlx.Tx, id int64) (contentRow, error) {
	var c contentRow
	err := get(ctx, tx, &c, sq.Select(`"id"`, `"createUserId"`, `"deleted"`).From("content").Where(sq.Eq{`"id"`: id}))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && c.Deleted) {
		return contentRow{}, fmt.Errorf("%w: content %d", ErrNotFound, id)
	}
	if err != nil {
		return contentRow{}, fmt.Errorf("loading content %d: %w", id, err)
	}
	return c, nil
}

// permsFor merges the public and per-user permission letters on a piece of content.
func (s *Store) permsFor(ctx context.Context, tx *sqlx.Tx, contentID, userID int64) (string, error) {
	query, args, err := sq.Select(`"perms"`).
		From("content_permissions").
		Where(sq.Eq{`"contentId"`: contentID, `"userId"`: []int64{0, userID}}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("building permission query: %w", err)
	}
	var rows []string
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return "", fmt.Errorf("loading permissions: %w", err)
	}
	return strings.Join(rows, ""), nil
}

func (s *Store) recordActivity(ctx context.Context, tx *sqlx.Tx, contentID, userID int64, action string) (int64, error) {
	id, err := exec(ctx, tx, sq.Insert("activity").
		Columns(`"contentId"`, `"userId"`, `"action"`, `"date"`).
		Values(contentID, userID, action, s.timestamp()))
	if err != nil {
		return 0, fmt.Errorf("recording activity: %w", err)
	}
	return id, nil
}
