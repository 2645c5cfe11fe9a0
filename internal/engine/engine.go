// Package engine implements the party-record synchronization engine:
// bootstrap reconciliation between the local cache and the remote
// document, debounced persistence, structural roster edits, and the
// anonymous-to-authenticated identity migration.
package engine

import (
	"context"

	"eldersign/api/internal/roster"
)

// LocalCache is the synchronous per-identity roster cache.
type LocalCache interface {
	Read(ctx context.Context, uid string) (roster.Store, bool)
	Write(ctx context.Context, uid string, store roster.Store) error
}

// RemoteStore is the per-identity remote roster document.
type RemoteStore interface {
	Load(ctx context.Context, uid string) (roster.Store, bool, error)
	Save(ctx context.Context, uid string, store roster.Store) error
}

// Status receives non-fatal, human-readable engine notices.
type Status func(message string)

// Source identifies which side won bootstrap reconciliation.
type Source int

const (
	SourceDefault Source = iota
	SourceLocal
	SourceRemote
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	default:
		return "default"
	}
}
