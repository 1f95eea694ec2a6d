// Package combat models the encounter lifecycle and the initiative turn
// cursor. The transition math lives here as pure functions; persistence and
// the deactivate-then-insert start sequence are driven by the session layer.
package combat

import (
	"sort"
	"time"
)

// Encounter is one combat session. At most one encounter should be active
// per (campaign, map) pair; that is enforced by deactivating prior active
// encounters before inserting a new one, not by a constraint, so concurrent
// starts can briefly show two active rows until the next write settles.
type Encounter struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaignId"`
	MapID      string    `json:"mapId,omitempty"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	Round      int       `json:"roundNumber"`
	TurnIndex  int       `json:"currentTurnIndex"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// NewEncounter returns a fresh active encounter at round 1, first turn.
func NewEncounter(id, campaignID, mapID, name string) Encounter {
	return Encounter{
		ID:         id,
		CampaignID: campaignID,
		MapID:      mapID,
		Name:       name,
		Active:     true,
		Round:      1,
		TurnIndex:  0,
	}
}

// Participant is one roster entry of an encounter. TurnOrder drives iteration
// order and is caller-managed; it is distinct from insertion order and from
// the raw initiative roll.
type Participant struct {
	ID          string   `json:"id"`
	EncounterID string   `json:"encounterId"`
	TokenID     string   `json:"tokenId"`
	Initiative  int      `json:"initiativeRoll"`
	TurnOrder   int      `json:"turnOrder"`
	Conditions  []string `json:"conditions"`
	Notes       string   `json:"notes"`
}

// NextTurn advances the cursor: past the last participant it wraps to 0 and
// starts the next round. With an empty roster it is a no-op.
func NextTurn(round, index, count int) (int, int) {
	if count <= 0 {
		return round, index
	}
	index++
	if index >= count {
		index = 0
		round++
	}
	return round, index
}

// PrevTurn retreats the cursor: before the first participant it wraps to the
// last and backs up a round, never below round 1. With an empty roster it is
// a no-op.
func PrevTurn(round, index, count int) (int, int) {
	if count <= 0 {
		return round, index
	}
	index--
	if index < 0 {
		index = count - 1
		round--
		if round < 1 {
			round = 1
		}
	}
	return round, index
}

// SortRoster orders participants by TurnOrder ascending, ties broken by id so
// the order is stable across re-fetches.
func SortRoster(ps []Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].TurnOrder != ps[j].TurnOrder {
			return ps[i].TurnOrder < ps[j].TurnOrder
		}
		return ps[i].ID < ps[j].ID
	})
}

// RankByInitiative assigns TurnOrder 0..n-1 by descending initiative roll,
// ties broken by id. It mutates and re-sorts ps. The state machine itself
// never calls this; whoever adds participants decides when ranks are
// recomputed.
func RankByInitiative(ps []Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Initiative != ps[j].Initiative {
			return ps[i].Initiative > ps[j].Initiative
		}
		return ps[i].ID < ps[j].ID
	})
	for i := range ps {
		ps[i].TurnOrder = i
	}
}

// ClampIndex pulls a turn index back into range after the roster shrank. A
// cursor pointing past the end is the documented desync case; it self-heals
// on the next roster fetch by landing on the first participant.
func ClampIndex(index, count int) int {
	if count <= 0 {
		return 0
	}
	if index >= count || index < 0 {
		return 0
	}
	return index
}
