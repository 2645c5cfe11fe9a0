// Package roster holds the party roster data model: parties of slot
// entries, each entry carrying a name, an image URL, and five skill
// texts. Everything here is pure; persistence lives elsewhere.
package roster

import (
	"encoding/json"
	"strings"
)

const (
	// SkillCount is the fixed number of skill texts per entry.
	SkillCount = 5
	// DefaultSlotCount is the number of entries a fresh party starts with.
	DefaultSlotCount = 4
	// DefaultPartyCount is the party count of a fresh store.
	DefaultPartyCount = 4
)

// Entry is one roster slot. Skills always has exactly SkillCount
// elements; unset values are empty strings.
type Entry struct {
	Name     string   `json:"name"`
	ImageURL string   `json:"imageUrl"`
	Skills   []string `json:"skills"`
}

// Store is the root aggregate. Parties is keyed by 1-based contiguous
// party id; PartyNames holds display-name overrides keyed by the party
// id as text (the wire format the remote document uses).
type Store struct {
	ActiveParty int               `json:"activeParty"`
	Parties     map[int][]Entry   `json:"parties"`
	PartyCount  int               `json:"partyCount"`
	PartyNames  map[string]string `json:"partyNames"`
}

// NormalizeText collapses runs of whitespace to single spaces and trims.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// DefaultEntry returns an empty entry with SkillCount blank skills.
func DefaultEntry() Entry {
	return Entry{Skills: make([]string, SkillCount)}
}

// NormalizeEntry trims name/imageUrl and coerces skills to exactly
// SkillCount trimmed strings. Missing skills become "", extras are
// dropped.
func NormalizeEntry(entry Entry) Entry {
	skills := make([]string, SkillCount)
	for i := range skills {
		if i < len(entry.Skills) {
			skills[i] = NormalizeText(entry.Skills[i])
		}
	}
	return Entry{
		Name:     NormalizeText(entry.Name),
		ImageURL: NormalizeText(entry.ImageURL),
		Skills:   skills,
	}
}

// BuildParty normalizes a non-empty entry list, or returns a fresh
// party of DefaultSlotCount default entries.
func BuildParty(entries []Entry) []Entry {
	if len(entries) > 0 {
		out := make([]Entry, len(entries))
		for i, entry := range entries {
			out[i] = NormalizeEntry(entry)
		}
		return out
	}
	out := make([]Entry, DefaultSlotCount)
	for i := range out {
		out[i] = DefaultEntry()
	}
	return out
}

// DefaultStore returns a fresh store: active party 1, DefaultPartyCount
// parties, no entries materialized yet.
func DefaultStore() Store {
	return Store{
		ActiveParty: 1,
		Parties:     map[int][]Entry{},
		PartyCount:  DefaultPartyCount,
		PartyNames:  map[string]string{},
	}
}

// IsEntryEmpty reports whether name, image URL, and all skills are blank.
func IsEntryEmpty(entry Entry) bool {
	if NormalizeText(entry.Name) != "" || NormalizeText(entry.ImageURL) != "" {
		return false
	}
	for _, skill := range entry.Skills {
		if NormalizeText(skill) != "" {
			return false
		}
	}
	return true
}

// IsStoreEmpty reports whether the store holds no user data: no
// non-blank party name and no non-empty entry in any party.
func IsStoreEmpty(s Store) bool {
	for _, name := range s.PartyNames {
		if NormalizeText(name) != "" {
			return false
		}
	}
	for _, entries := range s.Parties {
		for _, entry := range entries {
			if !IsEntryEmpty(entry) {
				return false
			}
		}
	}
	return true
}

// Normalize turns arbitrary decoded JSON into a well-formed store. It
// never fails: malformed fields are treated as absent and replaced with
// defaults. It is idempotent.
func Normalize(raw any) Store {
	obj, ok := raw.(map[string]any)
	if !ok {
		return DefaultStore()
	}

	out := DefaultStore()
	if v, ok := toInt(obj["activeParty"]); ok {
		out.ActiveParty = v
	}
	if v, ok := toInt(obj["partyCount"]); ok && v >= 1 {
		out.PartyCount = v
	}
	if parties, ok := obj["parties"].(map[string]any); ok {
		for key, value := range parties {
			id, ok := parsePartyID(key)
			if !ok {
				continue
			}
			list, ok := value.([]any)
			if !ok {
				continue
			}
			entries := make([]Entry, 0, len(list))
			for _, item := range list {
				entries = append(entries, entryFromAny(item))
			}
			out.Parties[id] = entries
		}
	}
	if names, ok := obj["partyNames"].(map[string]any); ok {
		for key, value := range names {
			if name, ok := value.(string); ok {
				out.PartyNames[key] = strings.TrimSpace(name)
			}
		}
	}
	return out
}

// Decode parses a JSON document into a store. The second result is
// false when the payload is not a JSON object; decode errors never
// propagate further than that.
func Decode(data []byte) (Store, bool) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Store{}, false
	}
	if _, ok := raw.(map[string]any); !ok {
		return Store{}, false
	}
	return Normalize(raw), true
}

// DecodeLegacyEntryList parses the oldest persisted format, a bare JSON
// array of entries, wrapping it into a one-party store.
func DecodeLegacyEntryList(data []byte) (Store, bool) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Store{}, false
	}
	list, ok := raw.([]any)
	if !ok {
		return Store{}, false
	}
	entries := make([]Entry, 0, len(list))
	for _, item := range list {
		entries = append(entries, entryFromAny(item))
	}
	out := DefaultStore()
	out.Parties[1] = BuildParty(entries)
	return out, true
}

// Clone returns a deep copy sharing no memory with s.
func Clone(s Store) Store {
	out := Store{
		ActiveParty: s.ActiveParty,
		Parties:     make(map[int][]Entry, len(s.Parties)),
		PartyCount:  s.PartyCount,
		PartyNames:  make(map[string]string, len(s.PartyNames)),
	}
	for id, entries := range s.Parties {
		copied := make([]Entry, len(entries))
		for i, entry := range entries {
			copied[i] = CloneEntry(entry)
		}
		out.Parties[id] = copied
	}
	for key, name := range s.PartyNames {
		out.PartyNames[key] = name
	}
	return out
}

// CloneEntry returns an independent copy of entry.
func CloneEntry(entry Entry) Entry {
	skills := make([]string, SkillCount)
	for i := range skills {
		if i < len(entry.Skills) {
			skills[i] = entry.Skills[i]
		}
	}
	return Entry{Name: entry.Name, ImageURL: entry.ImageURL, Skills: skills}
}

// EnsureParty materializes the party with the given id, creating it
// with defaults when absent, and returns its entries.
func (s *Store) EnsureParty(id int) []Entry {
	if s.Parties == nil {
		s.Parties = map[int][]Entry{}
	}
	if _, ok := s.Parties[id]; !ok {
		s.Parties[id] = BuildParty(nil)
	}
	return s.Parties[id]
}

// EnsurePartyCount raises the party count to at least 1, sets it, and
// materializes every party in range.
func (s *Store) EnsurePartyCount(count int) {
	if count < 1 {
		count = 1
	}
	s.PartyCount = count
	for id := 1; id <= count; id++ {
		s.EnsureParty(id)
	}
}

// ClampParty clamps a party id into [1, PartyCount].
func (s *Store) ClampParty(id int) int {
	if id < 1 {
		return 1
	}
	if id > s.PartyCount {
		return s.PartyCount
	}
	return id
}

func parsePartyID(key string) (int, bool) {
	id := 0
	for _, r := range key {
		if r < '0' || r > '9' {
			return 0, false
		}
		id = id*10 + int(r-'0')
		if id > 1<<20 {
			return 0, false
		}
	}
	if key == "" || id < 1 {
		return 0, false
	}
	return id, true
}

func entryFromAny(raw any) Entry {
	obj, ok := raw.(map[string]any)
	if !ok {
		return DefaultEntry()
	}
	entry := Entry{
		Name:     stringFromAny(obj["name"]),
		ImageURL: stringFromAny(obj["imageUrl"]),
	}
	if list, ok := obj["skills"].([]any); ok {
		for _, item := range list {
			entry.Skills = append(entry.Skills, stringFromAny(item))
		}
	}
	return NormalizeEntry(entry)
}

func stringFromAny(raw any) string {
	s, _ := raw.(string)
	return s
}

func toInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
