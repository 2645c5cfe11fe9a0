package engine

import (
	"context"
	"testing"
	"time"

	"eldersign/api/internal/roster"
)

func storeWithName(name string) roster.Store {
	st := roster.DefaultStore()
	st.EnsureParty(1)
	st.Parties[1][0].Name = name
	return st
}

func TestSaveWritesLocalImmediately(t *testing.T) {
	cache := newFakeCache()
	remote := newFakeRemote()
	scheduler := NewScheduler(cache, remote, time.Hour, nil)
	scheduler.Reset("user-1", true)

	scheduler.Save(context.Background(), storeWithName("Dagon"))

	cached, ok := cache.get("user-1")
	if !ok || cached.Parties[1][0].Name != "Dagon" {
		t.Fatalf("cache = %+v, ok=%v", cached, ok)
	}
	if remote.saveCount() != 0 {
		t.Error("remote write should still be pending")
	}
	if !scheduler.Pending() {
		t.Error("expected a pending debounced write")
	}
}

func TestDebounceCoalescesRapidSaves(t *testing.T) {
	cache := newFakeCache()
	remote := newFakeRemote()
	scheduler := NewScheduler(cache, remote, 30*time.Millisecond, nil)
	scheduler.Reset("user-1", true)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		scheduler.Save(ctx, storeWithName("edit-"+string(rune('a'+i))))
	}

	time.Sleep(150 * time.Millisecond)

	if got := remote.saveCount(); got != 1 {
		t.Fatalf("remote saves = %d, want 1", got)
	}
	saved, _ := remote.get("user-1")
	if saved.Parties[1][0].Name != "edit-e" {
		t.Errorf("remote got %q, want the latest snapshot", saved.Parties[1][0].Name)
	}
}

func TestFlushNowBypassesDebounce(t *testing.T) {
	cache := newFakeCache()
	remote := newFakeRemote()
	scheduler := NewScheduler(cache, remote, time.Hour, nil)
	scheduler.Reset("user-1", true)

	scheduler.FlushNow(context.Background(), storeWithName("Hastur"))

	if remote.saveCount() != 1 {
		t.Fatalf("remote saves = %d, want 1", remote.saveCount())
	}
	if scheduler.Pending() {
		t.Error("no write should remain pending after FlushNow")
	}
}

func TestFlushNowCancelsPendingWrite(t *testing.T) {
	cache := newFakeCache()
	remote := newFakeRemote()
	scheduler := NewScheduler(cache, remote, 30*time.Millisecond, nil)
	scheduler.Reset("user-1", true)

	ctx := context.Background()
	scheduler.Save(ctx, storeWithName("stale"))
	scheduler.FlushNow(ctx, storeWithName("fresh"))

	time.Sleep(100 * time.Millisecond)

	if got := remote.saveCount(); got != 1 {
		t.Fatalf("remote saves = %d, want 1", got)
	}
	saved, _ := remote.get("user-1")
	if saved.Parties[1][0].Name != "fresh" {
		t.Errorf("remote got %q, want the flushed snapshot", saved.Parties[1][0].Name)
	}
}

func TestResetDropsPendingWrite(t *testing.T) {
	cache := newFakeCache()
	remote := newFakeRemote()
	scheduler := NewScheduler(cache, remote, 30*time.Millisecond, nil)
	scheduler.Reset("user-1", true)

	scheduler.Save(context.Background(), storeWithName("doomed"))
	scheduler.Reset("user-2", true)

	time.Sleep(100 * time.Millisecond)

	if remote.saveCount() != 0 {
		t.Error("pending write for the previous identity should be dropped")
	}
}

func TestNoIdentitySkipsRemote(t *testing.T) {
	cache := newFakeCache()
	remote := newFakeRemote()
	scheduler := NewScheduler(cache, remote, time.Millisecond, nil)
	scheduler.Reset("", false)

	ctx := context.Background()
	scheduler.Save(ctx, storeWithName("local-only"))
	scheduler.FlushNow(ctx, storeWithName("local-only"))

	time.Sleep(50 * time.Millisecond)

	if remote.saveCount() != 0 {
		t.Error("remote writes must be skipped without an identity")
	}
	if _, ok := cache.get(""); !ok {
		t.Error("local cache write should still happen")
	}
}

func TestRemoteFailureIsNonFatal(t *testing.T) {
	cache := newFakeCache()
	remote := newFakeRemote()
	remote.saveErr = errBoom
	var status statusLog
	scheduler := NewScheduler(cache, remote, time.Millisecond, status.record)
	scheduler.Reset("user-1", true)

	scheduler.FlushNow(context.Background(), storeWithName("Yig"))

	if !status.contains("remote save failed") {
		t.Errorf("status = %v, want a remote-failure notice", status.snapshot())
	}
	if _, ok := cache.get("user-1"); !ok {
		t.Error("local cache should be written despite the remote failure")
	}
}

func TestCacheFailureIsSwallowed(t *testing.T) {
	cache := newFakeCache()
	cache.writeErr = errBoom
	remote := newFakeRemote()
	scheduler := NewScheduler(cache, remote, time.Millisecond, nil)
	scheduler.Reset("user-1", true)

	scheduler.FlushNow(context.Background(), storeWithName("Ithaqua"))

	if remote.saveCount() != 1 {
		t.Error("remote write should proceed despite the cache failure")
	}
}

func TestOnFlushHookObservesRemoteWrites(t *testing.T) {
	cache := newFakeCache()
	remote := newFakeRemote()
	scheduler := NewScheduler(cache, remote, time.Millisecond, nil)
	scheduler.Reset("user-1", true)

	var gotUID string
	var gotName string
	scheduler.SetOnFlush(func(uid string, st roster.Store) {
		gotUID = uid
		gotName = st.Parties[1][0].Name
	})

	scheduler.FlushNow(context.Background(), storeWithName("Nodens"))

	if gotUID != "user-1" || gotName != "Nodens" {
		t.Errorf("hook saw uid=%q name=%q", gotUID, gotName)
	}
}
