package live

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/dgnsrekt/forumlive/internal/checkpoint"
	"github.com/dgnsrekt/forumlive/internal/search"
)

// fakeWorld resolves batches from in-memory rows. Activity ids double as content ids.
type fakeWorld struct {
	mu       sync.Mutex
	perms    map[int64]map[int64]string
	messages map[int64]search.Row
	err      error
	gate     *resolveGate

	searches atomic.Int32
}

// resolveGate holds one unrestricted search after it has read its rows.
type resolveGate struct {
	reached chan struct{}
	release chan struct{}
}

func (w *fakeWorld) holdNextResolve() *resolveGate {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gate = &resolveGate{reached: make(chan struct{}), release: make(chan struct{})}
	return w.gate
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		perms:    make(map[int64]map[int64]string),
		messages: make(map[int64]search.Row),
	}
}

func (w *fakeWorld) setPerms(contentID int64, perms map[int64]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.perms[contentID] = perms
}

func (w *fakeWorld) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *fakeWorld) Searcher(context.Context) (search.Searcher, error) {
	return fakeSearcher{w}, nil
}

type fakeSearcher struct{ w *fakeWorld }

func (s fakeSearcher) SearchUnrestricted(_ context.Context, b search.Batch) (search.Result, error) {
	res, err := s.w.resolve(b)

	s.w.mu.Lock()
	gate := s.w.gate
	s.w.gate = nil
	s.w.mu.Unlock()
	if gate != nil {
		close(gate.reached)
		<-gate.release
	}
	return res, err
}

func (s fakeSearcher) Search(_ context.Context, b search.Batch, _ int64) (search.Result, error) {
	s.w.searches.Add(1)
	return s.w.resolve(b)
}

func (fakeSearcher) Close() error { return nil }

func (w *fakeWorld) content(id int64) search.Row {
	return search.Row{"id": id, "permissions": maps.Clone(w.perms[id])}
}

func (w *fakeWorld) resolve(b search.Batch) (search.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return search.Result{}, w.err
	}

	ids := b.Values["ids"].([]int64)
	objects := make(map[string][]search.Row)
	for _, id := range ids {
		switch b.Requests[0].Type {
		case search.TypeActivity:
			objects["activity"] = append(objects["activity"], search.Row{"id": id, "contentId": id, "userId": int64(1)})
			objects["content"] = append(objects["content"], w.content(id))
			objects["user"] = append(objects["user"], search.Row{"id": int64(1)})
		case search.TypeMessage:
			m := w.messages[id]
			objects["message"] = append(objects["message"], m)
			objects["content"] = append(objects["content"], w.content(m["contentId"].(int64)))
		default:
			objects[b.Requests[0].Type] = append(objects[b.Requests[0].Type], search.Row{"id": id})
		}
	}
	return search.Result{Objects: objects}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(w *fakeWorld, cfg Config, ccfg checkpoint.Config) (*Queue, *clock) {
	tr := checkpoint.NewTracker[*Event](ccfg, zap.NewNop())
	q := NewQueue(tr, w, cfg, zap.NewNop())
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q.now = c.Now
	return q, c
}

var defaultConfig = Config{DataCacheExpire: 10 * time.Second, MaxEventListen: 50}

type listenResult struct {
	data LiveData
	err  error
}

func listenAsync(ctx context.Context, q *Queue, userID, lastID int64) <-chan listenResult {
	ch := make(chan listenResult, 1)
	go func() {
		d, err := q.Listen(ctx, userID, lastID)
		ch <- listenResult{d, err}
	}()
	return ch
}

// requireNothingVisible listens with a brief deadline and fails if anything is delivered.
func requireNothingVisible(t *testing.T, q *Queue, userID, lastID int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Listen(ctx, userID, lastID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListen_NoInstantCompletion(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := listenAsync(ctx, q, 0, 0)

	select {
	case r := <-ch:
		t.Fatalf("listen completed without data: %+v", r)
	case <-time.After(10 * time.Millisecond):
	}

	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventUser, Action: ActionCreate, RefID: 9}))

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.Len(t, r.data.Events, 1)
		assert.Equal(t, int64(9), r.data.Events[0].RefID)
		assert.NotZero(t, r.data.Events[0].ID)
	case <-time.After(time.Second):
		t.Fatal("listener not woken")
	}
}

func TestListen_PrivateEventsOnlyForOwner(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})
	ctx := context.Background()

	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventUserVariable, UserID: 5, RefID: 1}))
	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventWatch, UserID: 5, RefID: 2}))

	requireNothingVisible(t, q, 6, 0)
	requireNothingVisible(t, q, 0, 0)

	d, err := q.Listen(ctx, 5, 0)
	require.NoError(t, err)
	assert.Len(t, d.Events, 2)
	assert.Equal(t, q.CurrentLastID(), d.LastID)
}

func TestListen_PrivateMessage(t *testing.T) {
	w := newFakeWorld()
	w.setPerms(1, map[int64]string{0: "CR"})
	w.messages[10] = search.Row{"id": int64(10), "contentId": int64(1), "createUserId": int64(2), "receiveUserId": int64(3)}
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})
	ctx := context.Background()

	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventMessage, UserID: 2, RefID: 10}))

	requireNothingVisible(t, q, 4, 0)
	requireNothingVisible(t, q, 0, 0)

	for _, uid := range []int64{2, 3} {
		d, err := q.Listen(ctx, uid, 0)
		require.NoError(t, err)
		require.Len(t, d.Events, 1)
		assert.True(t, d.Optimized)
	}

	// The room's shared permissions were still refreshed.
	pcd, ok := q.PermissionCache(1)
	require.True(t, ok)
	assert.Equal(t, map[int64]string{0: "CR"}, pcd.Permissions.Snapshot())
	assert.Equal(t, q.CurrentLastID(), pcd.MaxLinkID)
}

func TestListen_OptimizedThenExpiredCache(t *testing.T) {
	w := newFakeWorld()
	w.setPerms(1, map[int64]string{0: "R"})
	q, c := newTestQueue(w, defaultConfig, checkpoint.Config{})
	ctx := context.Background()

	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventActivity, Action: ActionCreate, UserID: 1, RefID: 1}))

	fast, err := q.Listen(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, fast.Optimized)
	require.Len(t, fast.Events, 1)
	assert.Contains(t, fast.Objects[EventActivity], "activity")
	assert.Contains(t, fast.Objects[EventActivity], "content")
	assert.Contains(t, fast.Objects[EventActivity], "user")
	assert.Zero(t, w.searches.Load())

	c.Advance(11 * time.Second)

	slow, err := q.Listen(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, slow.Optimized)
	assert.Equal(t, int32(1), w.searches.Load())
	assert.Equal(t, fast.LastID, slow.LastID)
	assert.Equal(t, fast.Events, slow.Events)
	assert.Equal(t, fast.Objects, slow.Objects)
}

func TestListen_ZeroCacheExpireUsesSearch(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, Config{DataCacheExpire: 0, MaxEventListen: 50}, checkpoint.Config{})
	ctx := context.Background()

	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventUser, RefID: 3}))
	d, err := q.Listen(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, d.Optimized)
	assert.Equal(t, []search.Row{{"id": int64(3)}}, d.Objects[EventUser]["user"])
}

func TestListen_MissingCacheEntryIsInvariant(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})
	ctx := context.Background()

	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventUser, RefID: 3}))
	q.cache.mu.Lock()
	q.cache.items = nil
	q.cache.mu.Unlock()

	_, err := q.Listen(ctx, 0, 0)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestListen_BatchCapping(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, Config{DataCacheExpire: time.Minute, MaxEventListen: 2}, checkpoint.Config{})
	ctx := context.Background()

	for i := range 10 {
		require.NoError(t, q.AddEvent(ctx, &Event{Type: EventUser, RefID: int64(i + 1)}))
	}

	var last int64
	for call := range 5 {
		d, err := q.Listen(ctx, 0, last)
		require.NoError(t, err)
		require.Len(t, d.Events, 2, "call %d", call)
		assert.Equal(t, int64(call*2+1), d.Events[0].RefID)
		assert.Less(t, d.Events[0].ID, d.Events[1].ID)
		assert.Equal(t, d.Events[1].ID, d.LastID)
		last = d.LastID
	}
	assert.Equal(t, q.CurrentLastID(), last)
}

func TestListen_PermissionPropagation(t *testing.T) {
	w := newFakeWorld()
	w.setPerms(1, map[int64]string{0: "R"})
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})
	ctx := context.Background()

	first := &Event{Type: EventActivity, RefID: 1, UserID: 1}
	require.NoError(t, q.AddEvent(ctx, first))

	w.setPerms(1, map[int64]string{7: "R"})
	second := &Event{Type: EventActivity, RefID: 1, UserID: 1}
	require.NoError(t, q.AddEvent(ctx, second))

	assert.Same(t, first.Permissions, second.Permissions)
	assert.Equal(t, map[int64]string{7: "R"}, first.Permissions.Snapshot())

	requireNothingVisible(t, q, 8, 0)

	d, err := q.Listen(ctx, 7, 0)
	require.NoError(t, err)
	assert.Len(t, d.Events, 2)
	assert.False(t, d.Optimized)
}

func TestAddEvent_StaleResolveKeepsNewerPermissions(t *testing.T) {
	w := newFakeWorld()
	w.setPerms(1, map[int64]string{0: "R"})
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})
	ctx := context.Background()

	// The first write reads the public room, then stalls before publishing.
	gate := w.holdNextResolve()
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- q.AddEvent(ctx, &Event{Type: EventActivity, RefID: 1, UserID: 1})
	}()
	<-gate.reached

	w.setPerms(1, map[int64]string{7: "R"})
	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventActivity, RefID: 1, UserID: 1}))

	close(gate.release)
	require.NoError(t, <-firstErr)

	pcd, ok := q.PermissionCache(1)
	require.True(t, ok)
	assert.Equal(t, map[int64]string{7: "R"}, pcd.Permissions.Snapshot())
	assert.Equal(t, q.CurrentLastID(), pcd.MaxLinkID)

	requireNothingVisible(t, q, 0, 0)

	d, err := q.Listen(ctx, 7, 0)
	require.NoError(t, err)
	assert.Len(t, d.Events, 2)
}

func TestListen_LastIDAdvancesPastInvisible(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})
	ctx := context.Background()

	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventWatch, UserID: 1, RefID: 1}))
	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventWatch, UserID: 2, RefID: 2}))

	d, err := q.Listen(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, d.Events, 1)
	assert.Equal(t, int64(2), d.Events[0].RefID)
	assert.Equal(t, q.CurrentLastID(), d.LastID)
}

func TestListen_DeadlineReportsProgress(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})

	require.NoError(t, q.AddEvent(context.Background(), &Event{Type: EventWatch, UserID: 1, RefID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d, err := q.Listen(ctx, 2, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, d.Events)
	assert.Equal(t, q.CurrentLastID(), d.LastID)
}

func TestAddEvent_Errors(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})
	ctx := context.Background()

	err := q.AddEvent(ctx, &Event{Type: "planet"})
	assert.ErrorIs(t, err, ErrUnknownEventType)

	// A room without permission rows publishes with an empty permission set.
	w.messages[4] = search.Row{"id": int64(4), "contentId": int64(9), "createUserId": int64(1), "receiveUserId": int64(0)}
	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventMessage, RefID: 4}))

	boom := errors.New("search down")
	w.fail(boom)
	err = q.AddEvent(ctx, &Event{Type: EventUser, RefID: 1})
	assert.ErrorIs(t, err, boom)

	published := &Event{Type: EventUser, RefID: 1, ID: 5}
	w.fail(nil)
	assert.ErrorIs(t, q.AddEvent(ctx, published), ErrInvariant)

	assert.Equal(t, int64(1), q.CurrentLastID())
	assert.Equal(t, 1, q.QueueSize())
}

func TestContentPermissions_Malformed(t *testing.T) {
	_, _, err := contentPermissions(map[string][]search.Row{"content": {{"id": int64(1), "permissions": "R"}}})
	assert.ErrorIs(t, err, ErrInvariant)

	_, _, err = contentPermissions(map[string][]search.Row{})
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestListen_SearchErrorPropagates(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})
	ctx := context.Background()

	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventUser, RefID: 1}))
	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventUserVariable, UserID: 0, RefID: 2}))

	boom := errors.New("search down")
	w.fail(boom)
	_, err := q.Listen(ctx, 0, 0)
	assert.ErrorIs(t, err, boom)
}

func TestListen_Expired(t *testing.T) {
	w := newFakeWorld()
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{CleanFrequency: 1, CleanAge: 0})
	ctx := context.Background()

	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventUser, RefID: 1}))
	require.NoError(t, q.AddEvent(ctx, &Event{Type: EventUser, RefID: 2}))

	_, err := q.Listen(ctx, 0, 0)
	assert.True(t, IsExpired(err))
}

func TestListen_CancelLeavesNoGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := newFakeWorld()
	q, _ := newTestQueue(w, defaultConfig, checkpoint.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	ch := listenAsync(ctx, q, 0, 0)
	time.Sleep(10 * time.Millisecond)
	cancel()

	r := <-ch
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.False(t, IsExpired(r.err))
}
