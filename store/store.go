// Package store persists the tabletop state (maps, tokens, fog documents,
// encounters, participants) and exposes a per-campaign row changefeed. Three
// backends implement the same contract: PostgreSQL (pgx + LISTEN/NOTIFY),
// SQLite (embedded, in-process notifications), and an in-memory store used
// when the server runs without persistence.
package store

import (
	"context"
	"errors"

	"campaign-vtt/combat"
	"campaign-vtt/game"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Table identifies which logical table a change event belongs to.
type Table string

const (
	TableMaps         Table = "maps"
	TableTokens       Table = "tokens"
	TableFog          Table = "fog"
	TableEncounters   Table = "combat_encounters"
	TableParticipants Table = "combat_participants"
)

// Event is one committed row change. Row holds the typed row value
// (game.Token, game.FogDocument, combat.Encounter, combat.Participant or
// game.Map); for deletes it carries the last known state of the row so
// consumers can match it without another lookup.
type Event struct {
	Table Table `json:"table"`
	Op    Op    `json:"op"`
	Row   any   `json:"row"`
}

// Store is the backing store contract. All writes are authoritative: once a
// call returns nil the row is committed and an Event for it will reach every
// live subscription of the owning campaign. Subscribers that fall behind may
// miss events (channels never block a writer); they are expected to re-fetch
// full state, which every consumer in this codebase does anyway.
type Store interface {
	CreateMap(ctx context.Context, m game.Map) error
	GetMap(ctx context.Context, id string) (game.Map, error)
	// DeleteMap removes the map and cascades to its tokens and fog document.
	DeleteMap(ctx context.Context, id string) error

	CreateToken(ctx context.Context, t game.Token) error
	GetToken(ctx context.Context, id string) (game.Token, error)
	ListTokens(ctx context.Context, mapID string) ([]game.Token, error)
	UpdateToken(ctx context.Context, t game.Token) error
	UpdateTokenPosition(ctx context.Context, id string, x, y float64) error
	DeleteToken(ctx context.Context, id string) error

	// GetFog returns the map's fog document, or an empty unrevealed document
	// if none has been written yet.
	GetFog(ctx context.Context, mapID string) (game.FogDocument, error)
	// SetFog upserts the whole fog document as one atomic value.
	SetFog(ctx context.Context, doc game.FogDocument) error

	CreateEncounter(ctx context.Context, e combat.Encounter) error
	GetEncounter(ctx context.Context, id string) (combat.Encounter, error)
	UpdateEncounter(ctx context.Context, e combat.Encounter) error
	// ActiveEncounter returns the active encounter for the campaign,
	// restricted to mapID when non-empty. ErrNotFound when there is none.
	ActiveEncounter(ctx context.Context, campaignID, mapID string) (combat.Encounter, error)
	// DeactivateEncounters clears the active flag on every active encounter
	// of the (campaign, map) pair. Rows are kept for history.
	DeactivateEncounters(ctx context.Context, campaignID, mapID string) error

	AddParticipant(ctx context.Context, p combat.Participant) error
	GetParticipant(ctx context.Context, id string) (combat.Participant, error)
	UpdateParticipant(ctx context.Context, p combat.Participant) error
	RemoveParticipant(ctx context.Context, id string) error
	ListParticipants(ctx context.Context, encounterID string) ([]combat.Participant, error)

	// Subscribe opens a changefeed for one campaign. The returned cancel
	// func must be called to release the subscription; the channel closes
	// when the subscription ends.
	Subscribe(ctx context.Context, campaignID string) (<-chan Event, func(), error)

	Close()
}
