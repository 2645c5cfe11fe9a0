package app

import (
	"context"
	"sync"
	"time"

	"eldersign/api/internal/config"
	"eldersign/api/internal/engine"
	"eldersign/api/internal/roster"
	"eldersign/api/internal/store"
)

// fakeData is an in-memory dataStore.
type fakeData struct {
	mu      sync.Mutex
	byID    map[string]store.User
	byEmail map[string]store.User
	refresh map[string]string
	revoked map[string]bool
	pingFn  func(context.Context) error
}

func newFakeData() *fakeData {
	return &fakeData{
		byID:    map[string]store.User{},
		byEmail: map[string]store.User{},
		refresh: map[string]string{},
		revoked: map[string]bool{},
	}
}

func (f *fakeData) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byID[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeData) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byEmail[email]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeData) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[user.ID] = user
	if user.Email != "" {
		f.byEmail[user.Email] = user
	}
	return nil
}

func (f *fakeData) LinkUserEmail(_ context.Context, userID, email, passwordHash string) error {
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

func (f *fakeData) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeData) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	user, ok := f.byID[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeData) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeData) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeData) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeData) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// fakeCache is an in-memory engine.LocalCache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string]roster.Store
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
	f.data[uid] = roster.Clone(st)
	return nil
}

// fakeRemote is an in-memory engine.RemoteStore.
type fakeRemote struct {
	mu   sync.Mutex
	data map[string]roster.Store
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: map[string]roster.Store{}}
}

func (f *fakeRemote) Load(_ context.Context, uid string) (roster.Store, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.data[uid]
	if !ok {
		return roster.Store{}, false, nil
	}
	return roster.Clone(st), true, nil
}

func (f *fakeRemote) Save(_ context.Context, uid string, st roster.Store) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[uid] = roster.Clone(st)
	return nil
}

func (f *fakeRemote) get(uid string) (roster.Store, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.data[uid]
	return st, ok
}

func testConfig() config.Config {
	return config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
		SaveDelay:   20 * time.Millisecond,
		AnonSettle:  10 * time.Millisecond,
		UndoWindow:  5 * time.Second,
		SessionTTL:  time.Minute,
		Env:         "test",
	}
}

func newTestService(fd *fakeData, cache *fakeCache, remote *fakeRemote) *Service {
	cfg := testConfig()
	return &Service{
		cfg:       cfg,
		store:     fd,
		cache:     cache,
		remote:    remote,
		clientTTL: cfg.SessionTTL,
		clients:   make(map[string]*clientRecord),
	}
}

var _ engine.LocalCache = (*fakeCache)(nil)
var _ engine.RemoteStore = (*fakeRemote)(nil)
var _ dataStore = (*fakeData)(nil)
