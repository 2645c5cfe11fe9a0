package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher by unnesting the party-record jsonb
// document in PostgreSQL. It is the fallback when Meilisearch is
// unavailable.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// entriesFrom unnests parties and slots out of the jsonb document.
const entriesFrom = `
	FROM party_records pr,
		jsonb_each(pr.doc->'parties') AS party(key, value),
		jsonb_array_elements(party.value) WITH ORDINALITY AS slot(value, ordinality)
	WHERE pr.uid = $1
		AND party.key ~ '^[0-9]+$'
		AND (
			slot.value->>'name' ILIKE '%' || $2 || '%'
			OR EXISTS (
				SELECT 1 FROM jsonb_array_elements_text(slot.value->'skills') AS sk(text)
				WHERE sk.text ILIKE '%' || $2 || '%'
			)
			OR coalesce(pr.doc->'partyNames'->>party.key, '') ILIKE '%' || $2 || '%'
		)`

// Search matches the query text against entry names, skills, and party
// names of one identity's document.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := entriesFrom
	args := []any{q.UID, q.Text}
	if q.FilterParty > 0 {
		where += fmt.Sprintf(" AND party.key::int = $%d", len(args)+1)
		args = append(args, q.FilterParty)
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*)" + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT party.key::int, (slot.ordinality - 1)::int,
			coalesce(slot.value->>'name', ''),
			coalesce(slot.value->>'imageUrl', ''),
			coalesce(slot.value->'skills', '[]'::jsonb),
			coalesce(pr.doc->'partyNames'->>party.key, '')
		%s
		ORDER BY party.key::int, slot.ordinality
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var skills []byte
		if err := rows.Scan(&r.PartyID, &r.Slot, &r.Name, &r.ImageURL, &skills, &r.PartyName); err != nil {
			return nil, 0, fmt.Errorf("search scan: %w", err)
		}
		if err := json.Unmarshal(skills, &r.Skills); err != nil {
			r.Skills = nil
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
