package engine

import (
	"context"
	"log"

	"eldersign/api/internal/roster"
)

// Loader performs bootstrap reconciliation for one identity: it reads
// both tiers and decides which snapshot wins.
type Loader struct {
	cache  LocalCache
	remote RemoteStore
	status Status
}

func NewLoader(cache LocalCache, remote RemoteStore, status Status) *Loader {
	if status == nil {
		status = func(string) {}
	}
	return &Loader{cache: cache, remote: remote, status: status}
}

// Load reconciles the local cache against the remote document:
//
//   - remote present and non-empty: remote wins
//   - remote present but empty, local present and non-empty: local wins
//   - remote present, local absent or empty too: remote wins
//   - remote absent: local wins when present, else defaults
//
// A remote read failure degrades to the local tier rather than failing
// the bootstrap. Callers converge the tiers afterwards by flushing
// whenever the winner was not the remote document.
func (l *Loader) Load(ctx context.Context, uid string) (roster.Store, Source) {
	local, hasLocal := l.cache.Read(ctx, uid)

	remote, hasRemote, err := l.remote.Load(ctx, uid)
	if err != nil {
		log.Printf("remote roster load failed for %s: %v", uid, err)
		l.status("remote load failed, using cached data")
		hasRemote = false
	}

	if hasRemote {
		if hasLocal && roster.IsStoreEmpty(remote) && !roster.IsStoreEmpty(local) {
			return local, SourceLocal
		}
		return remote, SourceRemote
	}
	if hasLocal {
		return local, SourceLocal
	}
	return roster.DefaultStore(), SourceDefault
}
