package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := PrepareDSN("/tmp/x.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "file:/tmp/x.db?")
	assert.Contains(t, dsn, "journal_mode%28WAL%29")
	assert.Contains(t, dsn, "foreign_keys%281%29")
	assert.Contains(t, dsn, "_txlock=immediate")

	dsn, err = PrepareDSN("file:/tmp/x.db?_pragma=busy_timeout(10)&_txlock=deferred")
	require.NoError(t, err)
	assert.Contains(t, dsn, "busy_timeout%2810%29")
	assert.NotContains(t, dsn, "busy_timeout%285000%29")
	assert.Contains(t, dsn, "_txlock=deferred")
}

func TestCreateUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "alice")
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = s.CreateUser(ctx, "alice")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.CreateUser(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, s.UpdateAvatar(ctx, id, "cat.png"))
	assert.ErrorIs(t, s.UpdateAvatar(ctx, 999, "x"), ErrNotFound)
}

func TestWriteContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner, err := s.CreateUser(ctx, "owner")
	require.NoError(t, err)
	other, err := s.CreateUser(ctx, "other")
	require.NoError(t, err)

	res, err := s.WriteContent(ctx, owner, ContentInput{Name: "room", Permissions: map[int64]string{0: "CR"}})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Positive(t, res.ActivityID)

	var perms []struct {
		UserID int64  `db:"userId"`
		Perms  string `db:"perms"`
	}
	require.NoError(t, s.DB().Select(&perms, `SELECT "userId", "perms" FROM content_permissions WHERE "contentId" = ? ORDER BY "userId"`, res.ID))
	require.Len(t, perms, 2)
	assert.Equal(t, "CR", perms[0].Perms)
	assert.Equal(t, owner, perms[1].UserID)
	assert.Equal(t, "CRUD", perms[1].Perms)

	_, err = s.WriteContent(ctx, other, ContentInput{ID: res.ID, Name: "hijack"})
	assert.ErrorIs(t, err, ErrForbidden)

	upd, err := s.WriteContent(ctx, owner, ContentInput{ID: res.ID, Name: "room", Permissions: map[int64]string{other: "RU"}})
	require.NoError(t, err)
	assert.False(t, upd.Created)
	assert.Greater(t, upd.ActivityID, res.ActivityID)

	_, err = s.WriteContent(ctx, other, ContentInput{ID: res.ID, Name: "renamed"})
	assert.NoError(t, err)

	_, err = s.WriteContent(ctx, owner, ContentInput{Name: "bad", Permissions: map[int64]string{0: "RX"}})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.WriteContent(ctx, 0, ContentInput{Name: "anon"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = s.WriteContent(ctx, owner, ContentInput{ID: 12345, Name: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner, _ := s.CreateUser(ctx, "owner")
	other, _ := s.CreateUser(ctx, "other")

	res, err := s.WriteContent(ctx, owner, ContentInput{Name: "room", Permissions: map[int64]string{0: "R"}})
	require.NoError(t, err)

	_, err = s.DeleteContent(ctx, other, res.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	activity, err := s.DeleteContent(ctx, owner, res.ID)
	require.NoError(t, err)
	assert.Positive(t, activity)

	_, err = s.DeleteContent(ctx, owner, res.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner, _ := s.CreateUser(ctx, "owner")
	reader, _ := s.CreateUser(ctx, "reader")

	readOnly, err := s.WriteContent(ctx, owner, ContentInput{Name: "announcements", Permissions: map[int64]string{0: "R"}})
	require.NoError(t, err)
	chat, err := s.WriteContent(ctx, owner, ContentInput{Name: "chat", Permissions: map[int64]string{0: "CR"}})
	require.NoError(t, err)

	_, err = s.PostMessage(ctx, reader, MessageInput{ContentID: readOnly.ID, Text: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)

	id, err := s.PostMessage(ctx, reader, MessageInput{ContentID: chat.ID, Text: "hello", ReceiveUserID: owner})
	require.NoError(t, err)

	_, err = s.PostMessage(ctx, reader, MessageInput{ContentID: chat.ID, Text: ""})
	assert.ErrorIs(t, err, ErrInvalid)

	assert.ErrorIs(t, s.EditMessage(ctx, owner, id, "changed"), ErrForbidden)
	require.NoError(t, s.EditMessage(ctx, reader, id, "changed"))

	var text string
	var edited bool
	row := s.DB().QueryRow(`SELECT "text", "edited" FROM messages WHERE "id" = ?`, id)
	require.NoError(t, row.Scan(&text, &edited))
	assert.Equal(t, "changed", text)
	assert.True(t, edited)

	require.NoError(t, s.DeleteMessage(ctx, reader, id))
	assert.ErrorIs(t, s.DeleteMessage(ctx, reader, id), ErrNotFound)
}

func TestVariables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	uid, _ := s.CreateUser(ctx, "vars")

	id, created, err := s.SetVariable(ctx, uid, "theme", "dark")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.SetVariable(ctx, uid, "theme", "light")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	deleted, err := s.DeleteVariable(ctx, uid, "theme")
	require.NoError(t, err)
	assert.Equal(t, id, deleted)

	_, err = s.DeleteVariable(ctx, uid, "theme")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.SetVariable(ctx, 0, "x", "y")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestWatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner, _ := s.CreateUser(ctx, "owner")
	watcher, _ := s.CreateUser(ctx, "watcher")

	public, err := s.WriteContent(ctx, owner, ContentInput{Name: "public", Permissions: map[int64]string{0: "R"}})
	require.NoError(t, err)
	private, err := s.WriteContent(ctx, owner, ContentInput{Name: "private"})
	require.NoError(t, err)

	_, err = s.AddWatch(ctx, watcher, private.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	id, err := s.AddWatch(ctx, watcher, public.ID)
	require.NoError(t, err)

	var last int64
	require.NoError(t, s.DB().Get(&last, `SELECT "lastActivityId" FROM watches WHERE "id" = ?`, id))
	assert.Equal(t, public.ActivityID, last)

	_, err = s.AddWatch(ctx, watcher, public.ID)
	assert.ErrorIs(t, err, ErrInvalid)

	removed, err := s.RemoveWatch(ctx, watcher, public.ID)
	require.NoError(t, err)
	assert.Equal(t, id, removed)

	_, err = s.RemoveWatch(ctx, watcher, public.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
