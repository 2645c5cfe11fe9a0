// Package search provides roster search: Meilisearch when configured
// and healthy, PostgreSQL jsonb unnesting as the fallback.
package search

import (
	"log"
	"strconv"

	"eldersign/api/internal/roster"
)

// Service is the facade that tries Meilisearch first and falls back to
// the Postgres searcher.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil when
// Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise the Postgres fallback.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: postgres error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRoster replaces the indexed entries for one identity with the
// non-empty entries of the given store. Fire-and-forget; the Postgres
// fallback always reflects the saved document anyway.
func (s *Service) IndexRoster(uid string, st roster.Store) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := RecordsFromStore(uid, st)
	go func() {
		if err := s.meili.ReplaceIdentity(uid, records); err != nil {
			log.Printf("search: index roster for %s: %v", uid, err)
		}
	}()
}

// RecordsFromStore flattens a store into index records, skipping empty
// entries.
func RecordsFromStore(uid string, st roster.Store) []EntryRecord {
	var records []EntryRecord
	for partyID, entries := range st.Parties {
		for slot, entry := range entries {
			if roster.IsEntryEmpty(entry) {
				continue
			}
			records = append(records, EntryRecord{
				ID:        EntryID(uid, partyID, slot),
				UID:       uid,
				PartyID:   partyID,
				Slot:      slot,
				Name:      entry.Name,
				ImageURL:  entry.ImageURL,
				Skills:    entry.Skills,
				PartyName: st.PartyNames[strconv.Itoa(partyID)],
			})
		}
	}
	return records
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
