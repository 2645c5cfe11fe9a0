package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"eldersign/api/internal/roster"
	"eldersign/api/internal/store"
)

// RemoteDocuments adapts the Postgres party-record table to the
// RemoteStore interface, tagging every save with the deployment
// environment.
type RemoteDocuments struct {
	store *store.PostgresStore
	env   string
}

func NewRemoteDocuments(pg *store.PostgresStore, env string) *RemoteDocuments {
	return &RemoteDocuments{store: pg, env: env}
}

// Load reads and normalizes the remote roster document. A document whose
// payload fails to decode is treated as absent rather than fatal.
func (r *RemoteDocuments) Load(ctx context.Context, uid string) (roster.Store, bool, error) {
	record, found, err := r.store.GetRecord(ctx, uid)
	if err != nil {
		return roster.Store{}, false, fmt.Errorf("load remote roster: %w", err)
	}
	if !found {
		return roster.Store{}, false, nil
	}
	decoded, ok := roster.Decode(record.Doc)
	if !ok {
		return roster.Store{}, false, nil
	}
	return decoded, true, nil
}

// Save upserts the full roster document for an identity. The updated-at
// timestamp is assigned server side.
func (r *RemoteDocuments) Save(ctx context.Context, uid string, st roster.Store) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode remote roster: %w", err)
	}
	if err := r.store.SaveRecord(ctx, uid, payload, r.env); err != nil {
		return fmt.Errorf("save remote roster: %w", err)
	}
	return nil
}
