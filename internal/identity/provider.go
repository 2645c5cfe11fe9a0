// Package identity provides the auth provider: anonymous identities,
// email/password sign-in, and credential linking for the
// anonymous-to-authenticated upgrade.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"eldersign/api/internal/store"
	"eldersign/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

// User is the current identity: anonymous or authenticated, always with
// a stable unique id.
type User struct {
	UID       string
	Email     string
	Anonymous bool
}

// AuthError carries a machine-readable provider error code.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrEmailAlreadyInUse is returned by LinkEmail and SignUpWithEmail when
// the email belongs to another account. Callers match it to run the
// sign-in fallback.
var ErrEmailAlreadyInUse = &AuthError{Code: "auth/email-already-in-use", Message: "email already registered"}

func authError(code, message string) *AuthError {
	return &AuthError{Code: code, Message: message}
}

// UserStore defines the storage interface for identities.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	LinkUserEmail(ctx context.Context, userID, email, passwordHash string) error
}

// Provider tracks one client's identity and performs auth operations
// against the user store. Observers are invoked on every identity
// change, mirroring the auth-state observation contract.
type Provider struct {
	store UserStore

	mu        sync.Mutex
	current   *User
	observers []func(*User)
}

// NewProvider creates a provider with no identity established.
func NewProvider(userStore UserStore) *Provider {
	return &Provider{store: userStore}
}

// Observe registers a callback invoked with the current identity (or
// nil) immediately and then on every change.
func (p *Provider) Observe(callback func(*User)) {
	p.mu.Lock()
	p.observers = append(p.observers, callback)
	current := p.current
	p.mu.Unlock()
	callback(current)
}

// Current returns the current identity, or nil.
func (p *Provider) Current() *User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Restore adopts an already-verified identity (e.g. from a parsed
// access token) without touching credentials.
func (p *Provider) Restore(user User) {
	p.setCurrent(&user)
}

// SignInAnonymous establishes a fresh anonymous identity.
func (p *Provider) SignInAnonymous(ctx context.Context) (*User, error) {
	record := store.User{
		ID:        util.NewID("anon"),
		Anonymous: true,
	}
	if err := p.store.CreateUser(ctx, record); err != nil {
		return nil, authError("auth/internal-error", err.Error())
	}
	user := &User{UID: record.ID, Anonymous: true}
	p.setCurrent(user)
	return user, nil
}

// SignInWithEmail authenticates an existing account.
func (p *Provider) SignInWithEmail(ctx context.Context, email, password string) (*User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, authError("auth/invalid-credential", "email and password are required")
	}

	record, err := p.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, authError("auth/invalid-credential", "invalid email or password")
		}
		return nil, authError("auth/internal-error", err.Error())
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)); err != nil {
		return nil, authError("auth/invalid-credential", "invalid email or password")
	}

	user := &User{UID: record.ID, Email: record.Email}
	p.setCurrent(user)
	return user, nil
}

// SignUpWithEmail creates a new authenticated account.
func (p *Provider) SignUpWithEmail(ctx context.Context, email, password string) (*User, error) {
	email = strings.TrimSpace(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}
	if _, err := p.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailAlreadyInUse
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, authError("auth/internal-error", err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, authError("auth/internal-error", err.Error())
	}

	record := store.User{
		ID:           util.NewID("user"),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := p.store.CreateUser(ctx, record); err != nil {
		return nil, authError("auth/internal-error", err.Error())
	}

	user := &User{UID: record.ID, Email: email}
	p.setCurrent(user)
	return user, nil
}

// LinkEmail attaches email credentials to the current anonymous
// identity, keeping its uid stable. Fails with ErrEmailAlreadyInUse when
// the email belongs to another account.
func (p *Provider) LinkEmail(ctx context.Context, email, password string) (*User, error) {
	current := p.Current()
	if current == nil || !current.Anonymous {
		return nil, authError("auth/operation-not-allowed", "linking requires an anonymous identity")
	}
	email = strings.TrimSpace(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}
	if _, err := p.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailAlreadyInUse
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, authError("auth/internal-error", err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, authError("auth/internal-error", err.Error())
	}
	if err := p.store.LinkUserEmail(ctx, current.UID, email, string(hash)); err != nil {
		return nil, authError("auth/internal-error", err.Error())
	}

	user := &User{UID: current.UID, Email: email}
	p.setCurrent(user)
	return user, nil
}

// SignOut clears the current identity and notifies observers.
func (p *Provider) SignOut(ctx context.Context) error {
	p.setCurrent(nil)
	return nil
}

func (p *Provider) setCurrent(user *User) {
	p.mu.Lock()
	p.current = user
	observers := make([]func(*User), len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()
	for _, callback := range observers {
		callback(user)
	}
}

func validateCredentials(email, password string) error {
	if email == "" {
		return authError("auth/invalid-email", "email is required")
	}
	if len(password) < 8 {
		return authError("auth/weak-password", "password must be at least 8 characters")
	}
	return nil
}
