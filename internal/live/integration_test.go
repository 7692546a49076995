package live_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/forumlive/internal/checkpoint"
	"github.com/dgnsrekt/forumlive/internal/live"
	"github.com/dgnsrekt/forumlive/internal/search"
	"github.com/dgnsrekt/forumlive/internal/store"
)

func openQueue(t *testing.T, cfg live.Config) (*live.Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "live.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr := checkpoint.NewTracker[*live.Event](checkpoint.Config{CleanFrequency: 100, CleanAge: time.Minute, IDIncrement: 1}, zap.NewNop())
	return live.NewQueue(tr, search.NewEngine(st.DB(), zap.NewNop()), cfg, zap.NewNop()), st
}

func TestQueue_ContentWriteThenListen(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		name      string
		expire    time.Duration
		optimized bool
	}{
		{"cached", 10 * time.Second, true},
		{"cache expired", 0, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			q, st := openQueue(t, live.Config{DataCacheExpire: tt.expire, MaxEventListen: 50})

			owner, err := st.CreateUser(ctx, "owner")
			require.NoError(t, err)
			res, err := st.WriteContent(ctx, owner, store.ContentInput{Name: "lobby", Permissions: map[int64]string{0: "CR"}})
			require.NoError(t, err)
			require.NoError(t, q.AddEvent(ctx, &live.Event{Type: live.EventActivity, Action: live.ActionCreate, UserID: owner, RefID: res.ActivityID}))

			d, err := q.Listen(ctx, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.optimized, d.Optimized)
			require.Len(t, d.Events, 1)
			assert.Equal(t, res.ActivityID, d.Events[0].RefID)

			objects := d.Objects[live.EventActivity]
			require.Len(t, objects["activity"], 1)
			require.Len(t, objects["content"], 1)
			require.Len(t, objects["user"], 1)
			assert.Equal(t, "lobby", objects["content"][0]["name"])
			assert.Equal(t, "owner", objects["user"][0]["username"])
		})
	}
}

func TestQueue_PrivateMessageVisibility(t *testing.T) {
	ctx := context.Background()
	q, st := openQueue(t, live.Config{DataCacheExpire: 10 * time.Second, MaxEventListen: 50})

	alice, _ := st.CreateUser(ctx, "alice")
	bob, _ := st.CreateUser(ctx, "bob")
	carol, _ := st.CreateUser(ctx, "carol")
	room, err := st.WriteContent(ctx, alice, store.ContentInput{Name: "public", Permissions: map[int64]string{0: "CR"}})
	require.NoError(t, err)

	start := q.CurrentLastID()
	msg, err := st.PostMessage(ctx, alice, store.MessageInput{ContentID: room.ID, Text: "for <@2> only", ReceiveUserID: bob})
	require.NoError(t, err)
	require.NoError(t, q.AddEvent(ctx, &live.Event{Type: live.EventMessage, Action: live.ActionCreate, UserID: alice, RefID: msg}))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Listen(short, carol, start)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d, err := q.Listen(ctx, bob, start)
	require.NoError(t, err)
	require.Len(t, d.Events, 1)
	users := d.Objects[live.EventMessage]["user"]
	assert.Len(t, users, 2)
}
