package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/forumlive/internal/checkpoint"
	"github.com/dgnsrekt/forumlive/internal/search"
)

const mainStream = "main"

// Config tunes delivery.
type Config struct {
	// DataCacheExpire is how long resolved rows stay available for the optimized path.
	DataCacheExpire time.Duration
	// MaxEventListen caps the events returned by one Listen call.
	MaxEventListen int
}

// Recorder observes queue activity. Implementations must be safe for concurrent use.
type Recorder interface {
	EventPublished(eventType string)
	Delivered(optimized bool)
	ListenerAdded()
	ListenerRemoved()
}

type nopRecorder struct{}

func (nopRecorder) EventPublished(string) {}
func (nopRecorder) Delivered(bool)        {}
func (nopRecorder) ListenerAdded()        {}
func (nopRecorder) ListenerRemoved()      {}

type Option func(*Queue)

func WithRecorder(r Recorder) Option {
	return func(q *Queue) {
		q.recorder = r
	}
}

// Queue publishes events on a checkpoint tracker and serves them to listeners.
type Queue struct {
	tracker  *checkpoint.Tracker[*Event]
	provider search.Provider
	cfg      Config
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	permMu      sync.Mutex
	permissions map[int64]*PermissionCacheData

	cache     dataCache
	listeners atomic.Int64

	// resolveSeq orders permission snapshots; a later value read the database later.
	resolveSeq atomic.Int64
}

func NewQueue(tracker *checkpoint.Tracker[*Event], provider search.Provider, cfg Config, logger *zap.Logger, opts ...Option) *Queue {
	if cfg.MaxEventListen < 1 {
		cfg.MaxEventListen = 1
	}
	q := &Queue{
		tracker:     tracker,
		provider:    provider,
		cfg:         cfg,
		logger:      logger,
		recorder:    nopRecorder{},
		now:         time.Now,
		permissions: make(map[int64]*PermissionCacheData),
		cache:       dataCache{expire: cfg.DataCacheExpire},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddEvent resolves, permission-tags, caches and publishes e. It is called after the
// write e describes has committed; any error means the event was not published.
func (q *Queue) AddEvent(ctx context.Context, e *Event) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.ID != 0 {
		return fmt.Errorf("%w: event %d already published", ErrInvariant, e.ID)
	}
	if e.Date.IsZero() {
		e.Date = q.now()
	}

	seq := q.resolveSeq.Add(1)
	objects, err := q.resolve(ctx, e)
	if err != nil {
		return err
	}

	contentID, err := q.assignPermissions(e, objects, seq)
	if err != nil {
		q.logger.Error("Cannot compute event permissions",
			zap.String("type", string(e.Type)),
			zap.Int64("ref_id", e.RefID),
			zap.Error(err))
		return err
	}

	e.published = q.now()
	q.cache.add(&CachedData{Event: e, Objects: objects, Created: e.published}, e.published)

	id := q.tracker.UpdateCheckpoint(mainStream, e)

	if contentID != 0 {
		q.permMu.Lock()
		if pcd := q.permissions[contentID]; pcd != nil && id > pcd.MaxLinkID {
			pcd.MaxLinkID = id
		}
		q.permMu.Unlock()
	}

	q.recorder.EventPublished(string(e.Type))
	q.logger.Debug("Event published",
		zap.Int64("id", id),
		zap.String("type", string(e.Type)),
		zap.String("action", string(e.Action)),
		zap.Int64("ref_id", e.RefID))
	return nil
}

func (q *Queue) resolve(ctx context.Context, e *Event) (map[string][]search.Row, error) {
	batch, err := requestsFor(e.Type, []int64{e.RefID})
	if err != nil {
		return nil, err
	}

	s, err := q.provider.Searcher(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	res, err := s.SearchUnrestricted(ctx, batch)
	if err != nil {
		return nil, err
	}
	return res.Objects, nil
}

// assignPermissions sets e.Permissions and returns the content room it is tied to, if any.
// The room's shared permissions are refilled only from a snapshot newer than the one they
// hold; seq is the resolve order of objects.
func (q *Queue) assignPermissions(e *Event, objects map[string][]search.Row, seq int64) (int64, error) {
	switch e.Type {
	case EventUser:
		e.Permissions = NewPermissions(map[int64]string{0: "R"})
		return 0, nil
	case EventUserVariable, EventWatch:
		e.Permissions = NewPermissions(map[int64]string{e.UserID: "R"})
		return 0, nil
	}

	contentID, perms, err := contentPermissions(objects)
	if err != nil {
		return 0, fmt.Errorf("event %s/%d: %w", e.Type, e.RefID, err)
	}

	q.permMu.Lock()
	pcd, ok := q.permissions[contentID]
	if !ok {
		pcd = &PermissionCacheData{Permissions: NewPermissions(nil)}
		q.permissions[contentID] = pcd
	}
	if seq > pcd.resolvedSeq {
		pcd.Permissions.Replace(perms)
		pcd.resolvedSeq = seq
	}
	shared := pcd.Permissions
	q.permMu.Unlock()

	if e.Type == EventMessage {
		sender, receiver, err := messageParties(objects)
		if err != nil {
			return 0, fmt.Errorf("event %s/%d: %w", e.Type, e.RefID, err)
		}
		if receiver != 0 {
			e.Permissions = NewPermissions(map[int64]string{receiver: "R", sender: "R"})
			return contentID, nil
		}
	}

	e.Permissions = shared
	return contentID, nil
}

func contentPermissions(objects map[string][]search.Row) (int64, map[int64]string, error) {
	rows := objects["content"]
	if len(rows) != 1 {
		return 0, nil, fmt.Errorf("%w: expected one content row, got %d", ErrInvariant, len(rows))
	}
	id, ok := search.Int64(rows[0]["id"])
	if !ok {
		return 0, nil, fmt.Errorf("%w: content row without id", ErrInvariant)
	}
	perms, ok := rows[0]["permissions"].(map[int64]string)
	if !ok {
		return 0, nil, fmt.Errorf("%w: content %d permissions have type %T", ErrInvariant, id, rows[0]["permissions"])
	}
	return id, perms, nil
}

func messageParties(objects map[string][]search.Row) (sender, receiver int64, err error) {
	rows := objects["message"]
	if len(rows) != 1 {
		return 0, 0, fmt.Errorf("%w: expected one message row, got %d", ErrInvariant, len(rows))
	}
	sender, ok := search.Int64(rows[0]["createUserId"])
	if !ok {
		return 0, 0, fmt.Errorf("%w: message without sender", ErrInvariant)
	}
	receiver, ok = search.Int64(rows[0]["receiveUserId"])
	if !ok {
		return 0, 0, fmt.Errorf("%w: message without receiver field", ErrInvariant)
	}
	return sender, receiver, nil
}

// Listen blocks until events after lastID that userID may read exist, then returns at
// most MaxEventListen of them, oldest first. Events userID cannot read are skipped
// silently; LastID still advances past them. When ctx ends first, the returned
// LiveData carries that advanced LastID alongside ctx's error.
func (q *Queue) Listen(ctx context.Context, userID, lastID int64) (LiveData, error) {
	q.listeners.Add(1)
	q.recorder.ListenerAdded()
	defer func() {
		q.listeners.Add(-1)
		q.recorder.ListenerRemoved()
	}()

	for {
		cp, err := q.tracker.WaitForCheckpoint(ctx, mainStream, lastID)
		if err != nil {
			if ctx.Err() != nil && !IsExpired(err) {
				return LiveData{LastID: lastID}, err
			}
			return LiveData{}, err
		}
		lastID = cp.LastID

		var visible []*Event
		for _, entry := range cp.Data {
			if entry.Data.Permissions.CanRead(userID) {
				visible = append(visible, entry.Data)
			}
		}
		if len(visible) == 0 {
			continue
		}
		if len(visible) > q.cfg.MaxEventListen {
			visible = visible[:q.cfg.MaxEventListen]
			lastID = visible[len(visible)-1].ID
		}

		if len(visible) == 1 {
			cached, ok, err := q.cache.lookup(visible[0], q.now())
			if err != nil {
				q.logger.Error("Optimized delivery failed",
					zap.Int64("id", visible[0].ID),
					zap.String("type", string(visible[0].Type)),
					zap.Error(err))
				return LiveData{}, err
			}
			if ok {
				q.recorder.Delivered(true)
				return LiveData{
					LastID:    lastID,
					Events:    []EventView{visible[0].View()},
					Objects:   map[EventType]map[string][]search.Row{visible[0].Type: cached.Objects},
					Optimized: true,
				}, nil
			}
		}

		objects, err := q.searchVisible(ctx, userID, visible)
		if err != nil {
			return LiveData{}, err
		}

		views := make([]EventView, len(visible))
		for i, e := range visible {
			views[i] = e.View()
		}
		q.recorder.Delivered(false)
		return LiveData{LastID: lastID, Events: views, Objects: objects}, nil
	}
}

// searchVisible runs one scoped search per event type, concurrently.
func (q *Queue) searchVisible(ctx context.Context, userID int64, events []*Event) (map[EventType]map[string][]search.Row, error) {
	var types []EventType
	ids := make(map[EventType][]int64)
	for _, e := range events {
		if _, ok := ids[e.Type]; !ok {
			types = append(types, e.Type)
		}
		ids[e.Type] = append(ids[e.Type], e.RefID)
	}

	results := make([]search.Result, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range types {
		batch, err := requestsFor(t, ids[t])
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			s, err := q.provider.Searcher(gctx)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.Search(gctx, batch, userID)
			if err != nil {
				return fmt.Errorf("searching %s events: %w", t, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	objects := make(map[EventType]map[string][]search.Row, len(types))
	for i, t := range types {
		objects[t] = results[i].Objects
	}
	return objects, nil
}

// CurrentLastID returns the newest published event id without blocking.
func (q *Queue) CurrentLastID() int64 {
	return q.tracker.MaximumCacheCheckpoint(mainStream)
}

// QueueSize returns the number of retained events.
func (q *Queue) QueueSize() int {
	return q.tracker.CacheCount()
}

// Listeners returns the number of Listen calls in progress.
func (q *Queue) Listeners() int {
	return int(q.listeners.Load())
}

// PermissionCache returns a copy of the shared permission state for contentID.
func (q *Queue) PermissionCache(contentID int64) (PermissionCacheData, bool) {
	q.permMu.Lock()
	defer q.permMu.Unlock()
	pcd, ok := q.permissions[contentID]
	if !ok {
		return PermissionCacheData{}, false
	}
	return *pcd, true
}

// IsExpired reports whether err means the listener must resynchronize.
func IsExpired(err error) bool {
	return errors.Is(err, checkpoint.ErrExpiredCheckpoint)
}
