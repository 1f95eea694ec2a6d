package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaign-vtt/combat"
	"campaign-vtt/game"
)

const notifyChannel = "vtt_changes"

// Postgres backs the store with a PostgreSQL pool. Row changes are fanned out
// across server instances with NOTIFY on a single channel; every write emits
// its committed row so any instance's subscribers see writes made elsewhere.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and creates the schema if it does not
// exist.
func NewPostgres(connStr string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS maps (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			image_ref TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			map_id TEXT NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
			character_id TEXT NOT NULL DEFAULT '',
			monster_ref TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			x DOUBLE PRECISION NOT NULL DEFAULT 0,
			y DOUBLE PRECISION NOT NULL DEFAULT 0,
			size TEXT NOT NULL DEFAULT 'medium',
			color TEXT NOT NULL DEFAULT '',
			image_ref TEXT NOT NULL DEFAULT '',
			hp_current INTEGER NOT NULL DEFAULT 0,
			hp_max INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS fog (
			map_id TEXT PRIMARY KEY REFERENCES maps(id) ON DELETE CASCADE,
			revealed BOOLEAN NOT NULL DEFAULT FALSE,
			shapes JSONB NOT NULL DEFAULT '[]'
		);`,
		`CREATE TABLE IF NOT EXISTS combat_encounters (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			map_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT FALSE,
			round_number INTEGER NOT NULL DEFAULT 1,
			current_turn_index INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS combat_participants (
			id TEXT PRIMARY KEY,
			encounter_id TEXT NOT NULL REFERENCES combat_encounters(id) ON DELETE CASCADE,
			token_id TEXT NOT NULL,
			initiative_roll INTEGER NOT NULL DEFAULT 0,
			turn_order INTEGER NOT NULL DEFAULT 0,
			conditions JSONB NOT NULL DEFAULT '[]',
			notes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_map ON tokens(map_id);`,
		`CREATE INDEX IF NOT EXISTS idx_encounters_active ON combat_encounters(campaign_id, map_id) WHERE active;`,
		`CREATE INDEX IF NOT EXISTS idx_participants_encounter ON combat_participants(encounter_id, turn_order);`,
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Postgres{pool: pool}, nil
}

// pgPayload is the NOTIFY wire format.
type pgPayload struct {
	Table      Table           `json:"table"`
	Op         Op              `json:"op"`
	CampaignID string          `json:"campaign_id"`
	Row        json.RawMessage `json:"row"`
}

// notifyRow broadcasts a committed row. Notification failures are logged and
// swallowed: a lost event means staleness until the next one, never an error
// on the write path.
func (s *Postgres) notifyRow(ctx context.Context, table Table, op Op, campaignID string, row any) {
	raw, err := json.Marshal(row)
	if err != nil {
		log.Printf("warning: failed to marshal %s row for notify: %v", table, err)
		return
	}
	payload, err := json.Marshal(pgPayload{Table: table, Op: op, CampaignID: campaignID, Row: raw})
	if err != nil {
		log.Printf("warning: failed to marshal notify payload: %v", err)
		return
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		log.Printf("warning: pg_notify failed for %s %s: %v", op, table, err)
	}
}

func (s *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

func (s *Postgres) CreateMap(ctx context.Context, m game.Map) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO maps (id, campaign_id, name, width, height, image_ref) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.CampaignID, m.Name, m.Width, m.Height, m.ImageRef)
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableMaps, OpInsert, m.CampaignID, m)
	return nil
}

func (s *Postgres) GetMap(ctx context.Context, id string) (game.Map, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var m game.Map
	err := s.pool.QueryRow(ctx,
		`SELECT id, campaign_id, name, width, height, image_ref FROM maps WHERE id = $1`, id).
		Scan(&m.ID, &m.CampaignID, &m.Name, &m.Width, &m.Height, &m.ImageRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.Map{}, ErrNotFound
	}
	return m, err
}

func (s *Postgres) DeleteMap(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	m, err := s.GetMap(ctx, id)
	if err != nil {
		return err
	}
	tokens, err := s.ListTokens(ctx, id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM maps WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	for _, t := range tokens {
		s.notifyRow(ctx, TableTokens, OpDelete, m.CampaignID, t)
	}
	s.notifyRow(ctx, TableMaps, OpDelete, m.CampaignID, m)
	return nil
}

// mapCampaign resolves a map id to its owning campaign for event routing.
func (s *Postgres) mapCampaign(ctx context.Context, mapID string) string {
	var campaignID string
	err := s.pool.QueryRow(ctx, `SELECT campaign_id FROM maps WHERE id = $1`, mapID).Scan(&campaignID)
	if err != nil {
		log.Printf("warning: failed to resolve campaign for map %s: %v", mapID, err)
	}
	return campaignID
}

const tokenColumns = `id, map_id, character_id, monster_ref, name, x, y, size, color, image_ref, hp_current, hp_max, updated_at`

func scanToken(row pgx.Row) (game.Token, error) {
	var t game.Token
	err := row.Scan(&t.ID, &t.MapID, &t.CharacterID, &t.MonsterRef, &t.Name, &t.X, &t.Y,
		&t.Size, &t.Color, &t.ImageRef, &t.HPCurrent, &t.HPMax, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.Token{}, ErrNotFound
	}
	return t, err
}

func (s *Postgres) CreateToken(ctx context.Context, t game.Token) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	stored, err := scanToken(s.pool.QueryRow(ctx,
		`INSERT INTO tokens (id, map_id, character_id, monster_ref, name, x, y, size, color, image_ref, hp_current, hp_max)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+tokenColumns,
		t.ID, t.MapID, t.CharacterID, t.MonsterRef, t.Name, t.X, t.Y, t.Size, t.Color, t.ImageRef, t.HPCurrent, t.HPMax))
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableTokens, OpInsert, s.mapCampaign(ctx, t.MapID), stored)
	return nil
}

func (s *Postgres) GetToken(ctx context.Context, id string) (game.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id))
}

func (s *Postgres) ListTokens(ctx context.Context, mapID string) ([]game.Token, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE map_id = $1`, mapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateToken(ctx context.Context, t game.Token) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	stored, err := scanToken(s.pool.QueryRow(ctx,
		`UPDATE tokens SET character_id = $2, monster_ref = $3, name = $4, x = $5, y = $6,
			size = $7, color = $8, image_ref = $9, hp_current = $10, hp_max = $11, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+tokenColumns,
		t.ID, t.CharacterID, t.MonsterRef, t.Name, t.X, t.Y, t.Size, t.Color, t.ImageRef, t.HPCurrent, t.HPMax))
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableTokens, OpUpdate, s.mapCampaign(ctx, stored.MapID), stored)
	return nil
}

func (s *Postgres) UpdateTokenPosition(ctx context.Context, id string, x, y float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	stored, err := scanToken(s.pool.QueryRow(ctx,
		`UPDATE tokens SET x = $2, y = $3, updated_at = NOW() WHERE id = $1 RETURNING `+tokenColumns,
		id, x, y))
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableTokens, OpUpdate, s.mapCampaign(ctx, stored.MapID), stored)
	return nil
}

func (s *Postgres) DeleteToken(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	stored, err := scanToken(s.pool.QueryRow(ctx,
		`DELETE FROM tokens WHERE id = $1 RETURNING `+tokenColumns, id))
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableTokens, OpDelete, s.mapCampaign(ctx, stored.MapID), stored)
	return nil
}

func (s *Postgres) GetFog(ctx context.Context, mapID string) (game.FogDocument, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := game.FogDocument{MapID: mapID}
	var shapes []byte
	err := s.pool.QueryRow(ctx, `SELECT revealed, shapes FROM fog WHERE map_id = $1`, mapID).
		Scan(&doc.Revealed, &shapes)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(shapes, &doc.Shapes); err != nil {
		return doc, fmt.Errorf("failed to decode fog shapes: %w", err)
	}
	return doc, nil
}

func (s *Postgres) SetFog(ctx context.Context, doc game.FogDocument) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	shapes, err := json.Marshal(doc.Shapes)
	if err != nil {
		return fmt.Errorf("failed to encode fog shapes: %w", err)
	}
	if doc.Shapes == nil {
		shapes = []byte("[]")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fog (map_id, revealed, shapes) VALUES ($1, $2, $3)
		 ON CONFLICT (map_id) DO UPDATE SET revealed = EXCLUDED.revealed, shapes = EXCLUDED.shapes`,
		doc.MapID, doc.Revealed, shapes)
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableFog, OpUpdate, s.mapCampaign(ctx, doc.MapID), doc)
	return nil
}

const encounterColumns = `id, campaign_id, map_id, name, active, round_number, current_turn_index, updated_at`

func scanEncounter(row pgx.Row) (combat.Encounter, error) {
	var e combat.Encounter
	err := row.Scan(&e.ID, &e.CampaignID, &e.MapID, &e.Name, &e.Active, &e.Round, &e.TurnIndex, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return combat.Encounter{}, ErrNotFound
	}
	return e, err
}

func (s *Postgres) CreateEncounter(ctx context.Context, e combat.Encounter) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	stored, err := scanEncounter(s.pool.QueryRow(ctx,
		`INSERT INTO combat_encounters (id, campaign_id, map_id, name, active, round_number, current_turn_index)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+encounterColumns,
		e.ID, e.CampaignID, e.MapID, e.Name, e.Active, e.Round, e.TurnIndex))
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableEncounters, OpInsert, stored.CampaignID, stored)
	return nil
}

func (s *Postgres) GetEncounter(ctx context.Context, id string) (combat.Encounter, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanEncounter(s.pool.QueryRow(ctx,
		`SELECT `+encounterColumns+` FROM combat_encounters WHERE id = $1`, id))
}

func (s *Postgres) UpdateEncounter(ctx context.Context, e combat.Encounter) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	stored, err := scanEncounter(s.pool.QueryRow(ctx,
		`UPDATE combat_encounters SET name = $2, active = $3, round_number = $4, current_turn_index = $5, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+encounterColumns,
		e.ID, e.Name, e.Active, e.Round, e.TurnIndex))
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableEncounters, OpUpdate, stored.CampaignID, stored)
	return nil
}

func (s *Postgres) ActiveEncounter(ctx context.Context, campaignID, mapID string) (combat.Encounter, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := `SELECT ` + encounterColumns + ` FROM combat_encounters WHERE campaign_id = $1 AND active`
	args := []any{campaignID}
	if mapID != "" {
		query += ` AND map_id = $2`
		args = append(args, mapID)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`
	return scanEncounter(s.pool.QueryRow(ctx, query, args...))
}

func (s *Postgres) DeactivateEncounters(ctx context.Context, campaignID, mapID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := `UPDATE combat_encounters SET active = FALSE, updated_at = NOW() WHERE campaign_id = $1 AND active`
	args := []any{campaignID}
	if mapID != "" {
		query += ` AND map_id = $2`
		args = append(args, mapID)
	}
	query += ` RETURNING ` + encounterColumns
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	var changed []combat.Encounter
	for rows.Next() {
		e, err := scanEncounter(rows)
		if err != nil {
			return err
		}
		changed = append(changed, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, e := range changed {
		s.notifyRow(ctx, TableEncounters, OpUpdate, e.CampaignID, e)
	}
	return nil
}

const participantColumns = `id, encounter_id, token_id, initiative_roll, turn_order, conditions, notes`

func scanParticipant(row pgx.Row) (combat.Participant, error) {
	var p combat.Participant
	var conditions []byte
	err := row.Scan(&p.ID, &p.EncounterID, &p.TokenID, &p.Initiative, &p.TurnOrder, &conditions, &p.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return combat.Participant{}, ErrNotFound
	}
	if err != nil {
		return combat.Participant{}, err
	}
	if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
		return combat.Participant{}, fmt.Errorf("failed to decode conditions: %w", err)
	}
	return p, nil
}

// encounterCampaign resolves a participant's encounter to its campaign.
func (s *Postgres) encounterCampaign(ctx context.Context, encounterID string) string {
	var campaignID string
	err := s.pool.QueryRow(ctx, `SELECT campaign_id FROM combat_encounters WHERE id = $1`, encounterID).Scan(&campaignID)
	if err != nil {
		log.Printf("warning: failed to resolve campaign for encounter %s: %v", encounterID, err)
	}
	return campaignID
}

func marshalConditions(conditions []string) []byte {
	if conditions == nil {
		return []byte("[]")
	}
	raw, err := json.Marshal(conditions)
	if err != nil {
		return []byte("[]")
	}
	return raw
}

func (s *Postgres) AddParticipant(ctx context.Context, p combat.Participant) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO combat_participants (id, encounter_id, token_id, initiative_roll, turn_order, conditions, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.EncounterID, p.TokenID, p.Initiative, p.TurnOrder, marshalConditions(p.Conditions), p.Notes)
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableParticipants, OpInsert, s.encounterCampaign(ctx, p.EncounterID), p)
	return nil
}

func (s *Postgres) GetParticipant(ctx context.Context, id string) (combat.Participant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM combat_participants WHERE id = $1`, id))
}

func (s *Postgres) UpdateParticipant(ctx context.Context, p combat.Participant) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx,
		`UPDATE combat_participants SET initiative_roll = $2, turn_order = $3, conditions = $4, notes = $5
		 WHERE id = $1`,
		p.ID, p.Initiative, p.TurnOrder, marshalConditions(p.Conditions), p.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.notifyRow(ctx, TableParticipants, OpUpdate, s.encounterCampaign(ctx, p.EncounterID), p)
	return nil
}

func (s *Postgres) RemoveParticipant(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	stored, err := scanParticipant(s.pool.QueryRow(ctx,
		`DELETE FROM combat_participants WHERE id = $1 RETURNING `+participantColumns, id))
	if err != nil {
		return err
	}
	s.notifyRow(ctx, TableParticipants, OpDelete, s.encounterCampaign(ctx, stored.EncounterID), stored)
	return nil
}

func (s *Postgres) ListParticipants(ctx context.Context, encounterID string) ([]combat.Participant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM combat_participants WHERE encounter_id = $1 ORDER BY turn_order, id`,
		encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []combat.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Subscribe holds a dedicated connection on LISTEN and decodes notifications
// for the campaign into typed events. The feed ends (channel closed) when the
// context is cancelled, the cancel func is called, or the connection drops;
// callers re-subscribe and re-fetch, which heals any gap.
func (s *Postgres) Subscribe(ctx context.Context, campaignID string) (<-chan Event, func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("failed to listen: %w", err)
	}

	subCtx, cancelCtx := context.WithCancel(ctx)
	ch := make(chan Event, subscriptionBuffer)

	go func() {
		defer close(ch)
		defer func() {
			// The connection goes back to the pool; drop the LISTEN first.
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					log.Printf("warning: changefeed connection lost: %v", err)
				}
				return
			}
			ev, cid, err := decodePayload([]byte(n.Payload))
			if err != nil {
				log.Printf("warning: dropping malformed change notification: %v", err)
				continue
			}
			if cid != campaignID {
				continue
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}()

	return ch, cancelCtx, nil
}

func decodePayload(raw []byte) (Event, string, error) {
	var payload pgPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Event{}, "", err
	}
	ev := Event{Table: payload.Table, Op: payload.Op}
	var err error
	switch payload.Table {
	case TableMaps:
		var m game.Map
		err = json.Unmarshal(payload.Row, &m)
		ev.Row = m
	case TableTokens:
		var t game.Token
		err = json.Unmarshal(payload.Row, &t)
		ev.Row = t
	case TableFog:
		var doc game.FogDocument
		err = json.Unmarshal(payload.Row, &doc)
		ev.Row = doc
	case TableEncounters:
		var e combat.Encounter
		err = json.Unmarshal(payload.Row, &e)
		ev.Row = e
	case TableParticipants:
		var p combat.Participant
		err = json.Unmarshal(payload.Row, &p)
		ev.Row = p
	default:
		return Event{}, "", fmt.Errorf("unknown table %q", payload.Table)
	}
	if err != nil {
		return Event{}, "", err
	}
	return ev, payload.CampaignID, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}
