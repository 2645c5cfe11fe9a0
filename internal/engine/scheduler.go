package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"eldersign/api/internal/roster"
)

// Scheduler persists roster snapshots for one identity. Every Save
// writes the local cache synchronously and schedules a debounced remote
// write; only the latest snapshot within the debounce window reaches
// the remote store. FlushNow bypasses the debounce.
type Scheduler struct {
	cache  LocalCache
	remote RemoteStore
	delay  time.Duration
	status Status

	// onFlush observes successful remote writes (search indexing,
	// snapshot history). Best effort, never blocks a save result.
	onFlush func(uid string, st roster.Store)

	mu      sync.Mutex
	uid     string
	hasUID  bool
	gen     int
	timer   *time.Timer
	pending bool
}

func NewScheduler(cache LocalCache, remote RemoteStore, delay time.Duration, status Status) *Scheduler {
	if status == nil {
		status = func(string) {}
	}
	return &Scheduler{cache: cache, remote: remote, delay: delay, status: status}
}

// SetOnFlush installs the post-flush hook. Call before the first Save.
func (s *Scheduler) SetOnFlush(hook func(uid string, st roster.Store)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFlush = hook
}

// Reset binds the scheduler to a new identity, discarding any pending
// remote write for the previous one. An empty uid with hasIdentity
// false means remote writes are skipped until the next Reset.
func (s *Scheduler) Reset(uid string, hasIdentity bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.uid = uid
	s.hasUID = hasIdentity
	s.gen++
}

// Save writes the snapshot to the local cache immediately and
// reschedules the debounced remote write with this snapshot.
func (s *Scheduler) Save(ctx context.Context, st roster.Store) {
	snapshot := roster.Clone(st)
	s.writeLocal(ctx, snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasUID {
		return
	}
	uid, gen := s.uid, s.gen
	s.cancelLocked()
	s.pending = true
	s.timer = time.AfterFunc(s.delay, func() {
		s.fire(uid, gen, snapshot)
	})
}

// FlushNow writes the snapshot to both tiers immediately, cancelling
// any pending debounced write.
func (s *Scheduler) FlushNow(ctx context.Context, st roster.Store) {
	snapshot := roster.Clone(st)
	s.writeLocal(ctx, snapshot)

	s.mu.Lock()
	s.cancelLocked()
	if !s.hasUID {
		s.mu.Unlock()
		return
	}
	uid := s.uid
	s.mu.Unlock()

	s.writeRemote(ctx, uid, snapshot)
}

// Cancel drops any pending remote write without performing it.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Pending reports whether a debounced remote write is waiting.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = false
}

func (s *Scheduler) fire(uid string, gen int, snapshot roster.Store) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.timer = nil
	s.mu.Unlock()

	s.writeRemote(context.Background(), uid, snapshot)
}

func (s *Scheduler) writeLocal(ctx context.Context, snapshot roster.Store) {
	if err := s.cache.Write(ctx, s.cacheUID(), snapshot); err != nil {
		// Cache failures never interrupt editing.
		log.Printf("roster cache write failed: %v", err)
	}
}

func (s *Scheduler) cacheUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *Scheduler) writeRemote(ctx context.Context, uid string, snapshot roster.Store) {
	if err := s.remote.Save(ctx, uid, snapshot); err != nil {
		log.Printf("remote roster save failed for %s: %v", uid, err)
		s.status("remote save failed")
		return
	}
	s.mu.Lock()
	hook := s.onFlush
	s.mu.Unlock()
	if hook != nil {
		hook(uid, snapshot)
	}
}
