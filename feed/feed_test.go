package feed

import (
	"testing"

	"campaign-vtt/combat"
	"campaign-vtt/store"
)

func activeEncounter(id, mapID string) combat.Encounter {
	return combat.Encounter{ID: id, CampaignID: "c1", MapID: mapID, Active: true, Round: 1}
}

func TestReconcileAdoptsActiveEncounter(t *testing.T) {
	ev := store.Event{Table: store.TableEncounters, Op: store.OpInsert, Row: activeEncounter("e1", "m1")}

	next, action := Reconcile(CombatState{}, ev, "m1")
	if next.Encounter == nil || next.Encounter.ID != "e1" {
		t.Fatalf("expected encounter adopted, got %+v", next.Encounter)
	}
	if action != ActionRefetchRoster {
		t.Error("adopting a new encounter should request a roster fetch")
	}
}

func TestReconcileUpdatesHeldCursorWithoutRosterFetch(t *testing.T) {
	held := activeEncounter("e1", "m1")
	s := CombatState{
		Encounter:    &held,
		Participants: []combat.Participant{{ID: "p1", EncounterID: "e1"}},
	}

	updated := activeEncounter("e1", "m1")
	updated.Round = 2
	updated.TurnIndex = 1
	ev := store.Event{Table: store.TableEncounters, Op: store.OpUpdate, Row: updated}

	next, action := Reconcile(s, ev, "m1")
	if next.Round() != 2 || next.TurnIndex() != 1 {
		t.Errorf("expected cursor (2,1), got (%d,%d)", next.Round(), next.TurnIndex())
	}
	if action != ActionNone {
		t.Error("a cursor update should not touch the roster")
	}
	if len(next.Participants) != 1 {
		t.Error("roster should survive a cursor update")
	}
}

func TestReconcileClearsOnDeactivate(t *testing.T) {
	held := activeEncounter("e1", "m1")
	s := CombatState{Encounter: &held, Participants: []combat.Participant{{ID: "p1"}}}

	ended := activeEncounter("e1", "m1")
	ended.Active = false
	ev := store.Event{Table: store.TableEncounters, Op: store.OpUpdate, Row: ended}

	next, action := Reconcile(s, ev, "m1")
	if next.Encounter != nil || len(next.Participants) != 0 {
		t.Errorf("expected cleared state, got %+v", next)
	}
	if action != ActionNone {
		t.Error("clearing needs no follow-up")
	}
	// Defaults after clearing.
	if next.Round() != 1 || next.TurnIndex() != 0 {
		t.Errorf("expected default cursor, got (%d,%d)", next.Round(), next.TurnIndex())
	}
}

func TestReconcileClearsOnDelete(t *testing.T) {
	held := activeEncounter("e1", "m1")
	s := CombatState{Encounter: &held}

	ev := store.Event{Table: store.TableEncounters, Op: store.OpDelete, Row: activeEncounter("e1", "m1")}
	next, _ := Reconcile(s, ev, "m1")
	if next.Encounter != nil {
		t.Error("deleting the held encounter should clear it")
	}
}

func TestReconcileIgnoresOtherEncountersEnding(t *testing.T) {
	held := activeEncounter("e1", "m1")
	s := CombatState{Encounter: &held}

	other := activeEncounter("e2", "m1")
	other.Active = false
	ev := store.Event{Table: store.TableEncounters, Op: store.OpUpdate, Row: other}

	next, _ := Reconcile(s, ev, "m1")
	if next.Encounter == nil || next.Encounter.ID != "e1" {
		t.Error("another encounter ending must not clear the held one")
	}
}

func TestReconcileFiltersByMap(t *testing.T) {
	ev := store.Event{Table: store.TableEncounters, Op: store.OpInsert, Row: activeEncounter("e1", "m2")}

	next, action := Reconcile(CombatState{}, ev, "m1")
	if next.Encounter != nil || action != ActionNone {
		t.Error("encounter on a different map must be ignored")
	}

	// No map filter: adopt anything active in the campaign.
	next, _ = Reconcile(CombatState{}, ev, "")
	if next.Encounter == nil {
		t.Error("empty watch filter should adopt any active encounter")
	}

	// A row without a map binding matches any watched map.
	ev.Row = activeEncounter("e1", "")
	next, _ = Reconcile(CombatState{}, ev, "m1")
	if next.Encounter == nil {
		t.Error("map-less encounter should match a watched map")
	}
}

func TestReconcileParticipantEventRequestsRosterFetch(t *testing.T) {
	held := activeEncounter("e1", "m1")
	s := CombatState{Encounter: &held}

	ev := store.Event{Table: store.TableParticipants, Op: store.OpInsert, Row: combat.Participant{ID: "p1", EncounterID: "e1"}}
	_, action := Reconcile(s, ev, "m1")
	if action != ActionRefetchRoster {
		t.Error("participant change for the held encounter should trigger a roster fetch")
	}

	// Participant of some other encounter: nothing to do.
	ev.Row = combat.Participant{ID: "p2", EncounterID: "e9"}
	_, action = Reconcile(s, ev, "m1")
	if action != ActionNone {
		t.Error("unrelated participant change should be ignored")
	}

	// No held encounter at all.
	ev.Row = combat.Participant{ID: "p1", EncounterID: "e1"}
	_, action = Reconcile(CombatState{}, ev, "m1")
	if action != ActionNone {
		t.Error("participant change with no held encounter should be ignored")
	}
}

func TestReconcileDoesNotMutateInput(t *testing.T) {
	held := activeEncounter("e1", "m1")
	s := CombatState{Encounter: &held, Participants: []combat.Participant{{ID: "p1", EncounterID: "e1"}}}

	updated := activeEncounter("e1", "m1")
	updated.Round = 9
	Reconcile(s, store.Event{Table: store.TableEncounters, Op: store.OpUpdate, Row: updated}, "m1")

	if s.Encounter.Round != 1 || len(s.Participants) != 1 {
		t.Errorf("input state mutated: %+v", s)
	}
}

func TestCloneIsDeep(t *testing.T) {
	held := activeEncounter("e1", "m1")
	s := CombatState{
		Encounter:    &held,
		Participants: []combat.Participant{{ID: "p1", Conditions: []string{"prone"}}},
	}

	c := s.Clone()
	c.Encounter.Round = 5
	c.Participants[0].Conditions[0] = "stunned"

	if s.Encounter.Round != 1 {
		t.Error("clone shares the encounter pointer")
	}
	if s.Participants[0].Conditions[0] != "prone" {
		t.Error("clone shares condition slices")
	}
}
