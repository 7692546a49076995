package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Linked is implemented by payloads that want the id assigned to them on insertion.
type Linked interface {
	SetAssignedID(id int64)
}

// Entry is one retained item of a stream.
type Entry[T any] struct {
	ID   int64 `json:"id"`
	Data T     `json:"data"`
}

// Result is returned by WaitForCheckpoint. Data is ordered by id and LastID is the id
// of its final entry.
type Result[T any] struct {
	LastID int64
	Data   []Entry[T]
}

// Config controls id assignment and eviction.
type Config struct {
	// CleanFrequency prunes every Nth write across all streams. Zero disables pruning.
	CleanFrequency int
	// CleanAge is the maximum age of a retained entry at prune time.
	CleanAge time.Duration
	// IDIncrement is the step between consecutive ids of one stream.
	IDIncrement int64
	// SessionBase offsets every id; instances sharing an id space use distinct bases.
	SessionBase int64
}

type retained[T any] struct {
	entry   Entry[T]
	created time.Time
}

type stream[T any] struct {
	mu      sync.Mutex
	entries []retained[T]
	writes  int64
	lastID  int64
	evicted int64         // highest id removed by pruning
	wake    chan struct{} // closed and replaced on every append
}

// Tracker is a named, append-only log per stream with blocking reads.
type Tracker[T any] struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	streams map[string]*stream[T]

	writes atomic.Int64

	// wakeHook runs in a woken waiter before it re-reads the stream. Tests only.
	wakeHook func()
}

// NewTracker creates a tracker. An IDIncrement below one is treated as one.
func NewTracker[T any](cfg Config, logger *zap.Logger) *Tracker[T] {
	if cfg.IDIncrement < 1 {
		cfg.IDIncrement = 1
	}
	return &Tracker[T]{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		streams: make(map[string]*stream[T]),
	}
}

func (t *Tracker[T]) stream(name string) *stream[T] {
	t.mu.RLock()
	s, ok := t.streams[name]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.streams[name]; ok {
		return s
	}
	s = &stream[T]{wake: make(chan struct{})}
	t.streams[name] = s
	return s
}

// UpdateCheckpoint appends data to the named stream, assigns and returns its id and
// wakes every waiter blocked on that stream.
func (t *Tracker[T]) UpdateCheckpoint(name string, data T) int64 {
	if n := t.writes.Add(1); t.cfg.CleanFrequency > 0 && n%int64(t.cfg.CleanFrequency) == 0 {
		t.prune(t.now())
	}

	s := t.stream(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	id := t.cfg.SessionBase + s.writes*t.cfg.IDIncrement
	if linked, ok := any(data).(Linked); ok {
		linked.SetAssignedID(id)
	}

	s.entries = append(s.entries, retained[T]{
		entry:   Entry[T]{ID: id, Data: data},
		created: t.now(),
	})
	s.lastID = id

	close(s.wake)
	s.wake = make(chan struct{})

	return id
}

// WaitForCheckpoint returns every retained entry of the stream with an id above lastSeen.
// When there are none it blocks until the stream is written or ctx is done. A lastSeen
// that has fallen out of the retention window fails with ErrExpiredCheckpoint.
func (t *Tracker[T]) WaitForCheckpoint(ctx context.Context, name string, lastSeen int64) (Result[T], error) {
	s := t.stream(name)

	s.mu.Lock()
	if s.behindWindow(lastSeen) {
		s.mu.Unlock()
		return Result[T]{}, fmt.Errorf("%w: stream %q at %d", ErrExpiredCheckpoint, name, lastSeen)
	}

	for {
		if data := s.after(lastSeen); len(data) > 0 {
			s.mu.Unlock()
			return Result[T]{LastID: data[len(data)-1].ID, Data: data}, nil
		}

		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Result[T]{}, ctx.Err()
		case <-wake:
		}
		if t.wakeHook != nil {
			t.wakeHook()
		}

		s.mu.Lock()
		// Entries appended while we slept were pruned before we could read them.
		if s.evicted > lastSeen {
			s.mu.Unlock()
			return Result[T]{}, fmt.Errorf("%w: stream %q at %d", ErrExpiredCheckpoint, name, lastSeen)
		}
	}
}

// MaximumCacheCheckpoint returns the last id written to the stream, or 0.
func (t *Tracker[T]) MaximumCacheCheckpoint(name string) int64 {
	t.mu.RLock()
	s, ok := t.streams[name]
	t.mu.RUnlock()
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// CacheCount returns the number of retained entries across all streams.
func (t *Tracker[T]) CacheCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, s := range t.streams {
		s.mu.Lock()
		count += len(s.entries)
		s.mu.Unlock()
	}
	return count
}

func (t *Tracker[T]) prune(now time.Time) {
	cutoff := now.Add(-t.cfg.CleanAge)

	t.mu.RLock()
	defer t.mu.RUnlock()

	removed := 0
	for _, s := range t.streams {
		s.mu.Lock()
		keep := sort.Search(len(s.entries), func(i int) bool {
			return s.entries[i].created.After(cutoff)
		})
		if keep > 0 {
			s.evicted = s.entries[keep-1].entry.ID
			s.entries = append([]retained[T](nil), s.entries[keep:]...)
			removed += keep
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		t.logger.Debug("pruned checkpoint entries",
			zap.Int("removed", removed),
			zap.Duration("maxAge", t.cfg.CleanAge),
		)
	}
}

// behindWindow reports whether lastSeen predates the oldest retained entry. Streams that
// never lost an entry accept any position.
func (s *stream[T]) behindWindow(lastSeen int64) bool {
	if s.evicted == 0 {
		return false
	}
	if len(s.entries) == 0 {
		return lastSeen < s.evicted
	}
	return lastSeen < s.entries[0].entry.ID
}

func (s *stream[T]) after(lastSeen int64) []Entry[T] {
	start := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].entry.ID > lastSeen
	})
	if start == len(s.entries) {
		return nil
	}

	out := make([]Entry[T], 0, len(s.entries)-start)
	for _, r := range s.entries[start:] {
		out = append(out, r.entry)
	}
	return out
}
