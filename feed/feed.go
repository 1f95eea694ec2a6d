// Package feed consumes the store's row changefeed and reconciles it into
// local state. The reconciliation rules live in Reconcile, a pure function
// over (state, event); Watcher wires it to a live subscription with the
// fetch-then-subscribe bootstrap.
package feed

import (
	"campaign-vtt/combat"
	"campaign-vtt/store"
)

// CombatState is the locally-held view of the active encounter and its
// roster.
type CombatState struct {
	Encounter    *combat.Encounter
	Participants []combat.Participant
}

// Clone returns a deep copy.
func (s CombatState) Clone() CombatState {
	out := CombatState{}
	if s.Encounter != nil {
		e := *s.Encounter
		out.Encounter = &e
	}
	if s.Participants != nil {
		out.Participants = make([]combat.Participant, len(s.Participants))
		for i, p := range s.Participants {
			p.Conditions = append([]string(nil), p.Conditions...)
			out.Participants[i] = p
		}
	}
	return out
}

// Round and TurnIndex mirror the encounter cursor, defaulting to the start
// values when no encounter is held.
func (s CombatState) Round() int {
	if s.Encounter == nil {
		return 1
	}
	return s.Encounter.Round
}

func (s CombatState) TurnIndex() int {
	if s.Encounter == nil {
		return 0
	}
	return s.Encounter.TurnIndex
}

// Action is the follow-up a reconciliation step asks for. Roster re-fetches
// are full fetches rather than incremental patches: initiative changes and
// membership changes would otherwise race each other.
type Action int

const (
	ActionNone Action = iota
	ActionRefetchRoster
)

// Reconcile applies one change event to the combat state and returns the next
// state plus any follow-up action. It never mutates its input. Rules:
//
//   - An active encounter row matching the watched map (or any map when
//     watchMapID is empty, or a row with no map) is adopted; adopting a new
//     encounter clears the roster and asks for a fresh fetch.
//   - The held encounter transitioning to inactive, or being deleted, clears
//     all local combat state.
//   - Any participant change belonging to the held encounter asks for a full
//     roster re-fetch.
//
// Events for other tables pass through unchanged; the spatial state store
// handles those.
func Reconcile(s CombatState, ev store.Event, watchMapID string) (CombatState, Action) {
	switch ev.Table {
	case store.TableEncounters:
		row, ok := ev.Row.(combat.Encounter)
		if !ok {
			return s, ActionNone
		}
		return reconcileEncounter(s, ev.Op, row, watchMapID)
	case store.TableParticipants:
		row, ok := ev.Row.(combat.Participant)
		if !ok {
			return s, ActionNone
		}
		if s.Encounter != nil && row.EncounterID == s.Encounter.ID {
			return s.Clone(), ActionRefetchRoster
		}
		return s, ActionNone
	default:
		return s, ActionNone
	}
}

func reconcileEncounter(s CombatState, op store.Op, row combat.Encounter, watchMapID string) (CombatState, Action) {
	held := s.Encounter != nil && s.Encounter.ID == row.ID

	if op == store.OpDelete {
		if held {
			return CombatState{}, ActionNone
		}
		return s, ActionNone
	}

	if !row.Active {
		if held {
			return CombatState{}, ActionNone
		}
		return s, ActionNone
	}

	if watchMapID != "" && row.MapID != "" && row.MapID != watchMapID {
		return s, ActionNone
	}

	next := s.Clone()
	e := row
	next.Encounter = &e
	if held {
		// Cursor/name update on the encounter we already track; the roster
		// is unaffected.
		return next, ActionNone
	}
	next.Participants = nil
	return next, ActionRefetchRoster
}
