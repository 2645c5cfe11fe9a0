package engine

import (
	"context"
	"net/url"
	"testing"
	"time"

	"eldersign/api/internal/roster"
)

func newTestSession(t *testing.T) (*Session, *fakeCache, *fakeRemote) {
	t.Helper()
	cache := newFakeCache()
	remote := newFakeRemote()
	scheduler := NewScheduler(cache, remote, time.Hour, nil)
	scheduler.Reset("user-1", true)

	st := roster.DefaultStore()
	st.EnsurePartyCount(st.PartyCount)
	return NewSession("user-1", st, scheduler, 5*time.Second, nil), cache, remote
}

func TestSetFieldNormalizes(t *testing.T) {
	session, cache, _ := newTestSession(t)
	ctx := context.Background()

	session.SetField(ctx, 1, 0, FieldName, 0, "  Great   Cthulhu ")
	session.SetField(ctx, 1, 0, FieldImageURL, 0, " https://img.example/c.png ")
	session.SetField(ctx, 1, 0, FieldSkill, 2, "  Dread   Gaze ")

	st := session.Store()
	entry := st.Parties[1][0]
	if entry.Name != "Great Cthulhu" {
		t.Errorf("name = %q", entry.Name)
	}
	if entry.ImageURL != "https://img.example/c.png" {
		t.Errorf("imageUrl = %q", entry.ImageURL)
	}
	if entry.Skills[2] != "Dread Gaze" {
		t.Errorf("skill = %q", entry.Skills[2])
	}

	cached, ok := cache.get("user-1")
	if !ok || cached.Parties[1][0].Name != "Great Cthulhu" {
		t.Error("every mutation must write the local cache synchronously")
	}
}

func TestSetFieldOutOfBoundsIsNoop(t *testing.T) {
	session, cache, _ := newTestSession(t)
	ctx := context.Background()
	before := session.Store()

	session.SetField(ctx, 1, 99, FieldName, 0, "ghost")
	session.SetField(ctx, 1, -1, FieldName, 0, "ghost")
	session.SetField(ctx, 1, 0, FieldSkill, 5, "ghost")
	session.SetField(ctx, 1, 0, FieldSkill, -1, "ghost")

	after := session.Store()
	if len(after.Parties[1]) != len(before.Parties[1]) || after.Parties[1][0].Name != "" {
		t.Errorf("store mutated by out-of-bounds writes: %+v", after.Parties[1][0])
	}
	if cache.writes != 0 {
		t.Error("no-ops must not schedule persistence")
	}
}

func TestSetPartyNameTrims(t *testing.T) {
	session, _, _ := newTestSession(t)
	session.SetPartyName(context.Background(), 2, "  Expedition Team  ")

	if got := session.Store().PartyNames["2"]; got != "Expedition Team" {
		t.Errorf("party name = %q", got)
	}
}

func TestSetActivePartyClamps(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()

	session.SetActiveParty(ctx, 99)
	if got := session.Store().ActiveParty; got != roster.DefaultPartyCount {
		t.Errorf("activeParty = %d", got)
	}
	session.SetActiveParty(ctx, -3)
	if got := session.Store().ActiveParty; got != 1 {
		t.Errorf("activeParty = %d", got)
	}
}

func TestAddSlotCreatesParty(t *testing.T) {
	session, _, _ := newTestSession(t)
	session.AddSlot(context.Background(), 2)

	st := session.Store()
	if len(st.Parties[2]) != roster.DefaultSlotCount+1 {
		t.Errorf("party 2 has %d entries", len(st.Parties[2]))
	}
}

func TestAddSlotClampsPartyID(t *testing.T) {
	session, _, _ := newTestSession(t)
	session.AddSlot(context.Background(), 99)

	st := session.Store()
	if st.PartyCount != roster.DefaultPartyCount {
		t.Errorf("partyCount = %d", st.PartyCount)
	}
	if _, ok := st.Parties[99]; ok {
		t.Error("no party may exist beyond partyCount")
	}
	if got := len(st.Parties[roster.DefaultPartyCount]); got != roster.DefaultSlotCount+1 {
		t.Errorf("highest party has %d entries, want the slot added there", got)
	}
}

func TestDuplicateSlotIsIndependent(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetField(ctx, 1, 1, FieldName, 0, "Original")

	session.DuplicateSlot(ctx, 1, 1)
	session.SetField(ctx, 1, 2, FieldName, 0, "Changed Copy")

	st := session.Store()
	if len(st.Parties[1]) != roster.DefaultSlotCount+1 {
		t.Fatalf("party 1 has %d entries", len(st.Parties[1]))
	}
	if st.Parties[1][1].Name != "Original" {
		t.Errorf("original = %q, copy must not share storage", st.Parties[1][1].Name)
	}
	if st.Parties[1][2].Name != "Changed Copy" {
		t.Errorf("copy = %q", st.Parties[1][2].Name)
	}
}

func TestClearSlotAndUndo(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetField(ctx, 1, 2, FieldName, 0, "Doomed")

	session.ClearSlot(ctx, 1, 2)
	st := session.Store()
	if len(st.Parties[1]) != roster.DefaultSlotCount-1 {
		t.Fatalf("party 1 has %d entries after clear", len(st.Parties[1]))
	}

	if !session.Undo(ctx) {
		t.Fatal("undo within the window should restore")
	}
	st = session.Store()
	if st.Parties[1][2].Name != "Doomed" {
		t.Errorf("restored entry = %+v", st.Parties[1][2])
	}

	if session.Undo(ctx) {
		t.Error("undo is one-shot")
	}
}

func TestClearLastSlotRefills(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	for i := 0; i < roster.DefaultSlotCount; i++ {
		session.ClearSlot(ctx, 1, 0)
	}

	st := session.Store()
	if len(st.Parties[1]) != 1 {
		t.Fatalf("party 1 has %d entries", len(st.Parties[1]))
	}
	if !roster.IsEntryEmpty(st.Parties[1][0]) {
		t.Error("refill entry should be a default")
	}
}

func TestUndoExpires(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetField(ctx, 1, 0, FieldName, 0, "Fleeting")
	session.ClearSlot(ctx, 1, 0)

	session.now = func() time.Time { return time.Now().Add(time.Minute) }
	if session.Undo(ctx) {
		t.Error("undo after the window must be refused")
	}
}

func TestSwapSlots(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetField(ctx, 1, 0, FieldName, 0, "First")
	session.SetField(ctx, 1, 3, FieldName, 0, "Last")

	session.SwapSlots(ctx, 1, 0, 3)
	st := session.Store()
	if st.Parties[1][0].Name != "Last" || st.Parties[1][3].Name != "First" {
		t.Errorf("after swap: %q / %q", st.Parties[1][0].Name, st.Parties[1][3].Name)
	}

	session.SwapSlots(ctx, 1, 2, 2)
	session.SwapSlots(ctx, 1, 0, 99)
	st = session.Store()
	if st.Parties[1][0].Name != "Last" {
		t.Error("equal or out-of-range swaps must be no-ops")
	}
}

func TestMoveSlotAcrossParties(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetField(ctx, 1, 1, FieldName, 0, "Wanderer")

	session.MoveSlot(ctx, 1, 1, 2, 99)

	st := session.Store()
	if len(st.Parties[1]) != roster.DefaultSlotCount-1 {
		t.Errorf("source has %d entries", len(st.Parties[1]))
	}
	dest := st.Parties[2]
	if len(dest) != roster.DefaultSlotCount+1 {
		t.Fatalf("destination has %d entries", len(dest))
	}
	if dest[len(dest)-1].Name != "Wanderer" {
		t.Errorf("destination tail = %q, index should clamp to the end", dest[len(dest)-1].Name)
	}
}

func TestMoveSlotRefillsEmptiedSource(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	for i := 0; i < roster.DefaultSlotCount-1; i++ {
		session.ClearSlot(ctx, 1, 0)
	}
	session.SetField(ctx, 1, 0, FieldName, 0, "Sole Survivor")

	session.MoveSlot(ctx, 1, 0, 2, 0)

	st := session.Store()
	if len(st.Parties[1]) != 1 || !roster.IsEntryEmpty(st.Parties[1][0]) {
		t.Errorf("source party = %+v, want one default entry", st.Parties[1])
	}
	if st.Parties[2][0].Name != "Sole Survivor" {
		t.Errorf("destination head = %q", st.Parties[2][0].Name)
	}
}

func TestMoveSlotClampsDestinationParty(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetField(ctx, 2, 0, FieldName, 0, "Drifter")

	session.MoveSlot(ctx, 2, 0, 99, 0)

	st := session.Store()
	if _, ok := st.Parties[99]; ok {
		t.Error("no party may exist beyond partyCount")
	}
	if st.PartyCount != roster.DefaultPartyCount {
		t.Errorf("partyCount = %d", st.PartyCount)
	}
	if got := st.Parties[roster.DefaultPartyCount][0].Name; got != "Drifter" {
		t.Errorf("highest party head = %q, want the moved entry", got)
	}
	if got := len(st.Parties[2]); got != roster.DefaultSlotCount-1 {
		t.Errorf("source has %d entries", got)
	}
}

func TestSwapSkills(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetField(ctx, 1, 0, FieldSkill, 0, "Alpha")
	session.SetField(ctx, 1, 0, FieldSkill, 4, "Omega")

	session.SwapSkills(ctx, 1, 0, 0, 4)
	skills := session.Store().Parties[1][0].Skills
	if skills[0] != "Omega" || skills[4] != "Alpha" {
		t.Errorf("skills = %v", skills)
	}

	session.SwapSkills(ctx, 1, 0, 1, 1)
	session.SwapSkills(ctx, 1, 0, 0, 7)
	skills = session.Store().Parties[1][0].Skills
	if skills[0] != "Omega" {
		t.Error("equal or out-of-range skill swaps must be no-ops")
	}
}

func TestAddParty(t *testing.T) {
	session, _, _ := newTestSession(t)
	id := session.AddParty(context.Background())

	st := session.Store()
	if id != roster.DefaultPartyCount+1 || st.PartyCount != id {
		t.Errorf("id = %d, partyCount = %d", id, st.PartyCount)
	}
	if len(st.Parties[id]) != roster.DefaultSlotCount {
		t.Errorf("new party = %+v", st.Parties[id])
	}
}

func TestDeletePartyShiftsDown(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetField(ctx, 3, 0, FieldName, 0, "Third")
	session.SetField(ctx, 4, 0, FieldName, 0, "Fourth")
	session.SetPartyName(ctx, 3, "Three")
	session.SetPartyName(ctx, 4, "Four")
	session.SetActiveParty(ctx, 4)

	session.DeleteParty(ctx, 2)

	st := session.Store()
	if st.PartyCount != 3 {
		t.Fatalf("partyCount = %d", st.PartyCount)
	}
	if st.Parties[2][0].Name != "Third" || st.Parties[3][0].Name != "Fourth" {
		t.Errorf("shifted parties = %q / %q", st.Parties[2][0].Name, st.Parties[3][0].Name)
	}
	if st.PartyNames["2"] != "Three" || st.PartyNames["3"] != "Four" {
		t.Errorf("shifted names = %v", st.PartyNames)
	}
	if _, ok := st.Parties[4]; ok {
		t.Error("old highest id should be gone")
	}
	if _, ok := st.PartyNames["4"]; ok {
		t.Error("old highest name should be gone")
	}
	if st.ActiveParty != 3 {
		t.Errorf("activeParty = %d, want re-clamped", st.ActiveParty)
	}
}

func TestDeleteSolePartyResets(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	for i := 0; i < roster.DefaultPartyCount-1; i++ {
		session.DeleteParty(ctx, 1)
	}
	session.SetField(ctx, 1, 0, FieldName, 0, "Lonely")
	session.SetPartyName(ctx, 1, "Last Stand")

	session.DeleteParty(ctx, 1)

	st := session.Store()
	if st.PartyCount != 1 {
		t.Fatalf("partyCount = %d, the store can never have zero parties", st.PartyCount)
	}
	if len(st.Parties[1]) != roster.DefaultSlotCount || !roster.IsEntryEmpty(st.Parties[1][0]) {
		t.Errorf("party 1 = %+v, want fresh defaults", st.Parties[1])
	}
}

func TestApplyIncomingRequestedTarget(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	for session.Store().PartyCount > 1 {
		session.DeleteParty(ctx, session.Store().PartyCount)
	}

	incoming := roster.ParseIncoming(url.Values{
		"name":   {"Cthulhu"},
		"skills": {"Bite|Roar"},
		"party":  {"2"},
		"slot":   {"3"},
	})
	partyID, slot, applied := session.ApplyIncoming(ctx, incoming)

	if !applied || partyID != 2 || slot != 2 {
		t.Fatalf("applied=%v party=%d slot=%d", applied, partyID, slot)
	}
	st := session.Store()
	if st.PartyCount != 2 {
		t.Errorf("partyCount = %d, want the requested party created", st.PartyCount)
	}
	entry := st.Parties[2][2]
	if entry.Name != "Cthulhu" || entry.ImageURL != "" {
		t.Errorf("entry = %+v", entry)
	}
	want := []string{"Bite", "Roar", "", "", ""}
	for i, skill := range want {
		if entry.Skills[i] != skill {
			t.Errorf("skills = %v, want %v", entry.Skills, want)
			break
		}
	}
}

func TestApplyIncomingFirstEmptySlot(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetField(ctx, 1, 0, FieldName, 0, "Taken")

	_, slot, applied := session.ApplyIncoming(ctx, &roster.Incoming{
		Name:          "Newcomer",
		RequestedSlot: -1,
	})
	if !applied || slot != 1 {
		t.Errorf("applied=%v slot=%d, want the first empty slot", applied, slot)
	}
}

func TestApplyIncomingDefaultsToActiveParty(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	session.SetActiveParty(ctx, 3)

	partyID, slot, applied := session.ApplyIncoming(ctx, &roster.Incoming{
		Name:          "Visitor",
		RequestedSlot: -1,
	})
	if !applied || partyID != 3 || slot != 0 {
		t.Fatalf("applied=%v party=%d slot=%d, want the active party", applied, partyID, slot)
	}
	if got := session.Store().Parties[3][0].Name; got != "Visitor" {
		t.Errorf("entry = %q", got)
	}
}

func TestApplyIncomingAppendsWhenFull(t *testing.T) {
	session, _, _ := newTestSession(t)
	ctx := context.Background()
	for i := 0; i < roster.DefaultSlotCount; i++ {
		session.SetField(ctx, 1, i, FieldName, 0, "Occupied")
	}

	_, slot, applied := session.ApplyIncoming(ctx, &roster.Incoming{
		Name:          "Overflow",
		RequestedSlot: -1,
	})
	if !applied || slot != roster.DefaultSlotCount {
		t.Errorf("applied=%v slot=%d, want an appended slot", applied, slot)
	}
	if got := len(session.Store().Parties[1]); got != roster.DefaultSlotCount+1 {
		t.Errorf("party 1 has %d entries", got)
	}
}

func TestApplyIncomingNil(t *testing.T) {
	session, cache, _ := newTestSession(t)
	if _, _, applied := session.ApplyIncoming(context.Background(), nil); applied {
		t.Error("nil payload must be ignored")
	}
	if cache.writes != 0 {
		t.Error("ignored payload must not persist")
	}
}
