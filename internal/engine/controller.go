package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"eldersign/api/internal/identity"
	"eldersign/api/internal/roster"
)

// AuthProvider is the identity surface the controller drives.
type AuthProvider interface {
	Observe(callback func(*identity.User))
	Current() *identity.User
	SignInAnonymous(ctx context.Context) (*identity.User, error)
	SignInWithEmail(ctx context.Context, email, password string) (*identity.User, error)
	SignUpWithEmail(ctx context.Context, email, password string) (*identity.User, error)
	LinkEmail(ctx context.Context, email, password string) (*identity.User, error)
	SignOut(ctx context.Context) error
}

// Controller drives the identity state machine for one client: it
// observes identity changes, establishes an anonymous identity after a
// settle delay when none appears, migrates anonymous data into freshly
// authenticated accounts, and (re-)bootstraps the session on every
// identity change. A generation counter cancels bootstraps that were in
// flight when the identity changed again.
type Controller struct {
	provider   AuthProvider
	loader     *Loader
	scheduler  *Scheduler
	cache      LocalCache
	remote     RemoteStore
	anonSettle time.Duration
	undoWindow time.Duration
	status     Status

	mu         sync.Mutex
	session    *Session
	current    *identity.User
	generation int
	anonTimer  *time.Timer
}

func NewController(provider AuthProvider, loader *Loader, scheduler *Scheduler, cache LocalCache, remote RemoteStore, anonSettle, undoWindow time.Duration, status Status) *Controller {
	if status == nil {
		status = func(string) {}
	}
	return &Controller{
		provider:   provider,
		loader:     loader,
		scheduler:  scheduler,
		cache:      cache,
		remote:     remote,
		anonSettle: anonSettle,
		undoWindow: undoWindow,
		status:     status,
	}
}

// Start begins observing identity changes. The observer fires
// immediately with the current identity, so a restored identity
// bootstraps before Start returns.
func (c *Controller) Start() {
	c.provider.Observe(c.handleIdentity)
}

// Session returns the active session, or nil before the first
// bootstrap completes.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// CurrentIdentity returns the identity the controller last observed.
func (c *Controller) CurrentIdentity() *identity.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// WaitReady blocks until a session is bootstrapped or the context ends.
func (c *Controller) WaitReady(ctx context.Context) (*Session, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if session := c.Session(); session != nil {
			return session, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SignInEmail authenticates with email credentials. While the current
// identity is anonymous it links the credentials instead, keeping the
// uid stable; if that email already belongs to another account it falls
// back to a direct sign-in rather than surfacing the link failure.
func (c *Controller) SignInEmail(ctx context.Context, email, password string) error {
	current := c.CurrentIdentity()
	if current != nil && current.Anonymous {
		if _, err := c.provider.LinkEmail(ctx, email, password); err != nil {
			if errors.Is(err, identity.ErrEmailAlreadyInUse) {
				c.status("account already exists, signing in")
				_, err = c.provider.SignInWithEmail(ctx, email, password)
				return err
			}
			return err
		}
		return nil
	}
	_, err := c.provider.SignInWithEmail(ctx, email, password)
	return err
}

// SignUpEmail registers email credentials. While the current identity
// is anonymous the credentials are linked onto it instead of creating
// a separate account, so existing data stays reachable.
func (c *Controller) SignUpEmail(ctx context.Context, email, password string) error {
	current := c.CurrentIdentity()
	if current != nil && current.Anonymous {
		_, err := c.provider.LinkEmail(ctx, email, password)
		return err
	}
	_, err := c.provider.SignUpWithEmail(ctx, email, password)
	return err
}

// SignOut ends the authenticated session. Anonymous identities are
// refused: signing one out would orphan its data.
func (c *Controller) SignOut(ctx context.Context) error {
	current := c.CurrentIdentity()
	if current != nil && current.Anonymous {
		c.status("anonymous session cannot sign out")
		return nil
	}
	return c.provider.SignOut(ctx)
}

// Shutdown flushes any active session and stops timers.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.anonTimer != nil {
		c.anonTimer.Stop()
		c.anonTimer = nil
	}
	session := c.session
	c.mu.Unlock()

	if session != nil {
		session.FlushNow(ctx)
	}
}

func (c *Controller) handleIdentity(user *identity.User) {
	c.mu.Lock()
	if c.anonTimer != nil {
		c.anonTimer.Stop()
		c.anonTimer = nil
	}
	prev := c.current
	c.current = user
	c.generation++
	gen := c.generation

	if user == nil {
		c.session = nil
		c.scheduler.Reset("", false)
		c.mu.Unlock()
		c.scheduleAnonSignIn(gen)
		return
	}
	c.mu.Unlock()

	if prev != nil && prev.Anonymous && prev.UID != user.UID {
		c.migrateIfNeeded(prev.UID, user.UID)
	}
	c.bootstrap(user, gen)
}

// scheduleAnonSignIn arms the settle timer: if no identity has arrived
// by the time it fires, a fresh anonymous identity is established. The
// delay avoids racing a fast sign-in right after the client connects.
func (c *Controller) scheduleAnonSignIn(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anonTimer = time.AfterFunc(c.anonSettle, func() {
		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			return
		}
		c.status("starting anonymous session")
		if _, err := c.provider.SignInAnonymous(context.Background()); err != nil {
			log.Printf("anonymous sign-in failed: %v", err)
			c.status("anonymous sign-in failed")
		}
	})
}

// migrateIfNeeded copies the old anonymous identity's cached roster to
// the new identity's remote document, unless that document already
// holds real data.
func (c *Controller) migrateIfNeeded(fromUID, toUID string) {
	ctx := context.Background()

	snapshot, ok := c.cache.Read(ctx, fromUID)
	if !ok {
		return
	}

	remote, found, err := c.remote.Load(ctx, toUID)
	if err != nil {
		log.Printf("migration check failed for %s: %v", toUID, err)
		c.status("data migration skipped")
		return
	}
	if found && !roster.IsStoreEmpty(remote) {
		c.status("account already has data, migration skipped")
		return
	}

	if err := c.remote.Save(ctx, toUID, snapshot); err != nil {
		log.Printf("migration write failed for %s: %v", toUID, err)
		c.status("data migration failed")
		return
	}
	c.status("data migrated to account")
}

func (c *Controller) bootstrap(user *identity.User, gen int) {
	ctx := context.Background()
	st, source := c.loader.Load(ctx, user.UID)
	st.EnsurePartyCount(st.PartyCount)
	st.ActiveParty = st.ClampParty(st.ActiveParty)

	c.mu.Lock()
	defer c.mu.Unlock()
	// A newer identity change supersedes this bootstrap; drop it
	// without installing the session or writing anywhere.
	if gen != c.generation {
		return
	}

	c.scheduler.Reset(user.UID, true)
	session := NewSession(user.UID, st, c.scheduler, c.undoWindow, c.status)
	c.session = session

	// Converge the tiers: whenever the winner was not the remote
	// document, push it there immediately. Holding the lock keeps a
	// concurrent identity change from retargeting the scheduler
	// mid-flush.
	if source != SourceRemote {
		session.FlushNow(ctx)
	}
	c.status("autosave enabled (" + source.String() + ")")
}
