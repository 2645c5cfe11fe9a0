package engine

import (
	"context"
	"errors"
	"sync"

	"eldersign/api/internal/roster"
	"eldersign/api/internal/store"
)

// fakeCache is an in-memory LocalCache.
type fakeCache struct {
	mu       sync.Mutex
	data     map[string]roster.Store
	writeErr error
	writes   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]roster.Store{}}
}

func (f *fakeCache) Read(_ context.Context, uid string) (roster.Store, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.data[uid]
	if !ok {
		return roster.Store{}, false
	}
	return roster.Clone(st), true
}

func (f *fakeCache) Write(_ context.Context, uid string, st roster.Store) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.data[uid] = roster.Clone(st)
	f.writes++
	return nil
}

func (f *fakeCache) get(uid string) (roster.Store, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.data[uid]
	return st, ok
}

// fakeRemote is an in-memory RemoteStore.
type fakeRemote struct {
	mu      sync.Mutex
	data    map[string]roster.Store
	loadErr error
	saveErr error
	saves   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: map[string]roster.Store{}}
}

func (f *fakeRemote) Load(_ context.Context, uid string) (roster.Store, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return roster.Store{}, false, f.loadErr
	}
	st, ok := f.data[uid]
	if !ok {
		return roster.Store{}, false, nil
	}
	return roster.Clone(st), true, nil
}

func (f *fakeRemote) Save(_ context.Context, uid string, st roster.Store) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.data[uid] = roster.Clone(st)
	f.saves++
	return nil
}

func (f *fakeRemote) get(uid string) (roster.Store, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.data[uid]
	return st, ok
}

func (f *fakeRemote) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// statusLog captures engine status notices for assertions.
type statusLog struct {
	mu       sync.Mutex
	messages []string
}

func (l *statusLog) record(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, message)
}

func (l *statusLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *statusLog) contains(message string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == message {
			return true
		}
	}
	return false
}

// fakeUserStore backs a real identity.Provider in controller tests.
type fakeUserStore struct {
	mu      sync.Mutex
	byID    map[string]store.User
	byEmail map[string]store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		byID:    map[string]store.User{},
		byEmail: map[string]store.User{},
	}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byEmail[email]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byID[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[user.ID] = user
	if user.Email != "" {
		f.byEmail[user.Email] = user
	}
	return nil
}

func (f *fakeUserStore) LinkUserEmail(_ context.Context, userID, email, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byID[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.Email = email
	user.PasswordHash = passwordHash
	user.Anonymous = false
	f.byID[userID] = user
	f.byEmail[email] = user
	return nil
}

var errBoom = errors.New("boom")
