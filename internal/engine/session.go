package engine

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"eldersign/api/internal/roster"
)

// Field names an editable text field on a roster entry.
type Field string

const (
	FieldName     Field = "name"
	FieldImageURL Field = "imageUrl"
	FieldSkill    Field = "skill"
)

// Session owns the in-memory roster for one bootstrapped identity and
// applies structural edits to it. Every successful mutation saves
// through the scheduler: synchronous local write plus debounced remote
// write.
type Session struct {
	mu         sync.Mutex
	uid        string
	store      roster.Store
	scheduler  *Scheduler
	undoWindow time.Duration
	status     Status

	undo *undoState
	now  func() time.Time
}

// undoState retains the last cleared entry for a bounded restore window.
type undoState struct {
	partyID   int
	index     int
	entry     roster.Entry
	expiresAt time.Time
}

func NewSession(uid string, st roster.Store, scheduler *Scheduler, undoWindow time.Duration, status Status) *Session {
	if status == nil {
		status = func(string) {}
	}
	return &Session{
		uid:        uid,
		store:      st,
		scheduler:  scheduler,
		undoWindow: undoWindow,
		status:     status,
		now:        time.Now,
	}
}

// UID returns the identity this session belongs to.
func (s *Session) UID() string {
	return s.uid
}

// Store returns an independent snapshot of the current roster.
func (s *Session) Store() roster.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return roster.Clone(s.store)
}

// SetField stores normalized text at the given party/slot (and skill
// index for FieldSkill). Out-of-bounds targets are silent no-ops.
func (s *Session) SetField(ctx context.Context, partyID, slot int, field Field, skillIndex int, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partyID = s.store.ClampParty(partyID)
	entries, ok := s.store.Parties[partyID]
	if !ok || slot < 0 || slot >= len(entries) {
		return
	}

	value = roster.NormalizeText(value)
	switch field {
	case FieldName:
		entries[slot].Name = value
	case FieldImageURL:
		entries[slot].ImageURL = value
	case FieldSkill:
		if skillIndex < 0 || skillIndex >= roster.SkillCount {
			return
		}
		entries[slot].Skills[skillIndex] = value
	default:
		return
	}
	s.saveLocked(ctx)
}

// SetPartyName stores a trimmed display-name override for a party.
func (s *Session) SetPartyName(ctx context.Context, partyID int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partyID = s.store.ClampParty(partyID)
	s.store.PartyNames[strconv.Itoa(partyID)] = strings.TrimSpace(name)
	s.saveLocked(ctx)
}

// SetActiveParty switches the active party, clamped into range.
func (s *Session) SetActiveParty(ctx context.Context, partyID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store.ActiveParty = s.store.ClampParty(partyID)
	s.saveLocked(ctx)
}

// AddSlot appends a default entry to a party, materializing the party
// with defaults first when it has none yet. The id is clamped into
// range so no party appears beyond PartyCount.
func (s *Session) AddSlot(ctx context.Context, partyID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partyID = s.store.ClampParty(partyID)
	entries := s.store.EnsureParty(partyID)
	s.store.Parties[partyID] = append(entries, roster.DefaultEntry())
	s.saveLocked(ctx)
}

// DuplicateSlot inserts an independent copy of the entry at index
// immediately after it.
func (s *Session) DuplicateSlot(ctx context.Context, partyID, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.store.Parties[partyID]
	if !ok || index < 0 || index >= len(entries) {
		return
	}
	copied := roster.CloneEntry(entries[index])
	entries = append(entries, roster.Entry{})
	copy(entries[index+2:], entries[index+1:])
	entries[index+1] = copied
	s.store.Parties[partyID] = entries
	s.saveLocked(ctx)
}

// ClearSlot removes the entry at index, refilling the party with one
// default entry if it would become empty. The removed entry can be
// restored once via Undo within the undo window.
func (s *Session) ClearSlot(ctx context.Context, partyID, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.store.Parties[partyID]
	if !ok || index < 0 || index >= len(entries) {
		return
	}
	removed := roster.CloneEntry(entries[index])
	entries = append(entries[:index], entries[index+1:]...)
	if len(entries) == 0 {
		entries = append(entries, roster.DefaultEntry())
	}
	s.store.Parties[partyID] = entries

	s.undo = &undoState{
		partyID:   partyID,
		index:     index,
		entry:     removed,
		expiresAt: s.now().Add(s.undoWindow),
	}
	s.status("slot cleared")
	s.saveLocked(ctx)
}

// Undo restores the most recently cleared entry, once, while the undo
// window is open. Reports whether a restore happened.
func (s *Session) Undo(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.undo
	s.undo = nil
	if pending == nil || s.now().After(pending.expiresAt) {
		return false
	}

	partyID := s.store.ClampParty(pending.partyID)
	entries := s.store.EnsureParty(partyID)
	index := pending.index
	if index > len(entries) {
		index = len(entries)
	}
	entries = append(entries, roster.Entry{})
	copy(entries[index+1:], entries[index:])
	entries[index] = pending.entry
	s.store.Parties[partyID] = entries
	s.status("slot restored")
	s.saveLocked(ctx)
	return true
}

// SwapSlots exchanges two entries within one party.
func (s *Session) SwapSlots(ctx context.Context, partyID, a, b int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapSlotsLocked(ctx, partyID, a, b)
}

func (s *Session) swapSlotsLocked(ctx context.Context, partyID, a, b int) {
	entries, ok := s.store.Parties[partyID]
	if !ok || a == b {
		return
	}
	if a < 0 || a >= len(entries) || b < 0 || b >= len(entries) {
		return
	}
	entries[a], entries[b] = entries[b], entries[a]
	s.saveLocked(ctx)
}

// MoveSlot moves an entry from one party to an index in another. The
// destination party id is clamped into range and the index to
// [0, destination length]; the source party is refilled with a default
// entry if it becomes empty. Moving within one party degrades to a swap.
func (s *Session) MoveSlot(ctx context.Context, fromParty, fromIndex, toParty, toIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toParty = s.store.ClampParty(toParty)
	if fromParty == toParty {
		s.swapSlotsLocked(ctx, fromParty, fromIndex, toIndex)
		return
	}

	source, ok := s.store.Parties[fromParty]
	if !ok || fromIndex < 0 || fromIndex >= len(source) {
		return
	}
	moved := source[fromIndex]
	source = append(source[:fromIndex], source[fromIndex+1:]...)
	if len(source) == 0 {
		source = append(source, roster.DefaultEntry())
	}
	s.store.Parties[fromParty] = source

	dest := s.store.EnsureParty(toParty)
	if toIndex < 0 {
		toIndex = 0
	}
	if toIndex > len(dest) {
		toIndex = len(dest)
	}
	dest = append(dest, roster.Entry{})
	copy(dest[toIndex+1:], dest[toIndex:])
	dest[toIndex] = moved
	s.store.Parties[toParty] = dest
	s.saveLocked(ctx)
}

// SwapSkills exchanges two of the five skill positions on one entry.
func (s *Session) SwapSkills(ctx context.Context, partyID, slot, a, b int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.store.Parties[partyID]
	if !ok || slot < 0 || slot >= len(entries) || a == b {
		return
	}
	if a < 0 || a >= roster.SkillCount || b < 0 || b >= roster.SkillCount {
		return
	}
	skills := entries[slot].Skills
	skills[a], skills[b] = skills[b], skills[a]
	s.saveLocked(ctx)
}

// AddParty appends a new party with default entries and returns its id.
func (s *Session) AddParty(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.store.PartyCount + 1
	s.store.EnsurePartyCount(id)
	s.saveLocked(ctx)
	return id
}

// DeleteParty removes a party. With a single party left, its entries are
// reset to defaults instead (the store never has zero parties).
// Higher-numbered parties and their display names shift down to keep
// ids contiguous, and the active party is re-clamped.
func (s *Session) DeleteParty(ctx context.Context, partyID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if partyID < 1 || partyID > s.store.PartyCount {
		return
	}

	if s.store.PartyCount <= 1 {
		s.store.Parties[1] = roster.BuildParty(nil)
		s.status("party reset")
		s.saveLocked(ctx)
		return
	}

	for id := partyID; id < s.store.PartyCount; id++ {
		next := id + 1
		if entries, ok := s.store.Parties[next]; ok {
			s.store.Parties[id] = entries
		} else {
			delete(s.store.Parties, id)
		}
		if name, ok := s.store.PartyNames[strconv.Itoa(next)]; ok {
			s.store.PartyNames[strconv.Itoa(id)] = name
		} else {
			delete(s.store.PartyNames, strconv.Itoa(id))
		}
	}
	delete(s.store.Parties, s.store.PartyCount)
	delete(s.store.PartyNames, strconv.Itoa(s.store.PartyCount))
	s.store.PartyCount--
	s.store.ActiveParty = s.store.ClampParty(s.store.ActiveParty)
	s.status("party deleted")
	s.saveLocked(ctx)
}

// ApplyIncoming imports an external entry payload. The target party is
// the requested one (creating parties up to that id when needed) or the
// active party; the target slot is the requested index (extending the
// party with defaults as needed), else the first empty slot, else a
// newly appended one. Returns the resolved target.
func (s *Session) ApplyIncoming(ctx context.Context, incoming *roster.Incoming) (partyID, slot int, applied bool) {
	if incoming == nil {
		return 0, 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	partyID = s.store.ActiveParty
	if incoming.RequestedParty > 0 {
		partyID = incoming.RequestedParty
		if partyID > s.store.PartyCount {
			s.store.EnsurePartyCount(partyID)
		}
	}
	entries := s.store.EnsureParty(partyID)

	slot = -1
	if incoming.RequestedSlot >= 0 {
		slot = incoming.RequestedSlot
		for len(entries) <= slot {
			entries = append(entries, roster.DefaultEntry())
		}
	} else {
		for i, entry := range entries {
			if roster.IsEntryEmpty(entry) {
				slot = i
				break
			}
		}
		if slot < 0 {
			entries = append(entries, roster.DefaultEntry())
			slot = len(entries) - 1
		}
	}

	entries[slot] = incoming.Entry()
	s.store.Parties[partyID] = entries
	s.status("entry imported")
	s.saveLocked(ctx)
	return partyID, slot, true
}

func (s *Session) saveLocked(ctx context.Context) {
	s.scheduler.Save(ctx, s.store)
}

// FlushNow persists the current roster to both tiers immediately.
func (s *Session) FlushNow(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler.FlushNow(ctx, s.store)
}
