package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"campaign-vtt/combat"
	"campaign-vtt/game"
)

// SQLite backs the store with an embedded database, for single-host games
// that want persistence without running Postgres. Change events are fanned
// out in process only: there is no cross-instance feed in this mode.
type SQLite struct {
	db     *sql.DB
	notify *notifier
}

// NewSQLite opens (or creates) the database at path and ensures the schema
// exists.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("store: sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
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
			map_id TEXT NOT NULL,
			character_id TEXT NOT NULL DEFAULT '',
			monster_ref TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			x REAL NOT NULL DEFAULT 0,
			y REAL NOT NULL DEFAULT 0,
			size TEXT NOT NULL DEFAULT 'medium',
			color TEXT NOT NULL DEFAULT '',
			image_ref TEXT NOT NULL DEFAULT '',
			hp_current INTEGER NOT NULL DEFAULT 0,
			hp_max INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY(map_id) REFERENCES maps(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS fog (
			map_id TEXT PRIMARY KEY,
			revealed INTEGER NOT NULL DEFAULT 0,
			shapes TEXT NOT NULL DEFAULT '[]',
			FOREIGN KEY(map_id) REFERENCES maps(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS combat_encounters (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			map_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 0,
			round_number INTEGER NOT NULL DEFAULT 1,
			current_turn_index INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS combat_participants (
			id TEXT PRIMARY KEY,
			encounter_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			initiative_roll INTEGER NOT NULL DEFAULT 0,
			turn_order INTEGER NOT NULL DEFAULT 0,
			conditions TEXT NOT NULL DEFAULT '[]',
			notes TEXT NOT NULL DEFAULT '',
			FOREIGN KEY(encounter_id) REFERENCES combat_encounters(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_map ON tokens(map_id);`,
		`CREATE INDEX IF NOT EXISTS idx_encounters_active ON combat_encounters(campaign_id, map_id, active);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_encounter ON combat_participants(encounter_id, turn_order);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &SQLite{db: db, notify: newNotifier()}, nil
}

func (s *SQLite) CreateMap(ctx context.Context, m game.Map) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO maps (id, campaign_id, name, width, height, image_ref) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.CampaignID, m.Name, m.Width, m.Height, m.ImageRef)
	if err != nil {
		return err
	}
	s.notify.publish(m.CampaignID, Event{Table: TableMaps, Op: OpInsert, Row: m})
	return nil
}

func (s *SQLite) GetMap(ctx context.Context, id string) (game.Map, error) {
	var m game.Map
	err := s.db.QueryRowContext(ctx,
		`SELECT id, campaign_id, name, width, height, image_ref FROM maps WHERE id = ?`, id).
		Scan(&m.ID, &m.CampaignID, &m.Name, &m.Width, &m.Height, &m.ImageRef)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Map{}, ErrNotFound
	}
	return m, err
}

func (s *SQLite) DeleteMap(ctx context.Context, id string) error {
	m, err := s.GetMap(ctx, id)
	if err != nil {
		return err
	}
	tokens, err := s.ListTokens(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM maps WHERE id = ?`, id); err != nil {
		return err
	}
	for _, t := range tokens {
		s.notify.publish(m.CampaignID, Event{Table: TableTokens, Op: OpDelete, Row: t})
	}
	s.notify.publish(m.CampaignID, Event{Table: TableMaps, Op: OpDelete, Row: m})
	return nil
}

func (s *SQLite) mapCampaign(ctx context.Context, mapID string) string {
	var campaignID string
	_ = s.db.QueryRowContext(ctx, `SELECT campaign_id FROM maps WHERE id = ?`, mapID).Scan(&campaignID)
	return campaignID
}

const sqliteTokenColumns = `id, map_id, character_id, monster_ref, name, x, y, size, color, image_ref, hp_current, hp_max, updated_at`

func scanSQLiteToken(row interface{ Scan(...any) error }) (game.Token, error) {
	var t game.Token
	err := row.Scan(&t.ID, &t.MapID, &t.CharacterID, &t.MonsterRef, &t.Name, &t.X, &t.Y,
		&t.Size, &t.Color, &t.ImageRef, &t.HPCurrent, &t.HPMax, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Token{}, ErrNotFound
	}
	return t, err
}

func (s *SQLite) CreateToken(ctx context.Context, t game.Token) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, map_id, character_id, monster_ref, name, x, y, size, color, image_ref, hp_current, hp_max, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.MapID, t.CharacterID, t.MonsterRef, t.Name, t.X, t.Y, t.Size, t.Color, t.ImageRef, t.HPCurrent, t.HPMax, t.UpdatedAt)
	if err != nil {
		return err
	}
	s.notify.publish(s.mapCampaign(ctx, t.MapID), Event{Table: TableTokens, Op: OpInsert, Row: t})
	return nil
}

func (s *SQLite) GetToken(ctx context.Context, id string) (game.Token, error) {
	return scanSQLiteToken(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTokenColumns+` FROM tokens WHERE id = ?`, id))
}

func (s *SQLite) ListTokens(ctx context.Context, mapID string) ([]game.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTokenColumns+` FROM tokens WHERE map_id = ?`, mapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.Token
	for rows.Next() {
		t, err := scanSQLiteToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateToken(ctx context.Context, t game.Token) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET character_id = ?, monster_ref = ?, name = ?, x = ?, y = ?,
			size = ?, color = ?, image_ref = ?, hp_current = ?, hp_max = ?, updated_at = ?
		 WHERE id = ?`,
		t.CharacterID, t.MonsterRef, t.Name, t.X, t.Y, t.Size, t.Color, t.ImageRef,
		t.HPCurrent, t.HPMax, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify.publish(s.mapCampaign(ctx, t.MapID), Event{Table: TableTokens, Op: OpUpdate, Row: t})
	return nil
}

func (s *SQLite) UpdateTokenPosition(ctx context.Context, id string, x, y float64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET x = ?, y = ?, updated_at = ? WHERE id = ?`, x, y, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	t, err := s.GetToken(ctx, id)
	if err != nil {
		return err
	}
	s.notify.publish(s.mapCampaign(ctx, t.MapID), Event{Table: TableTokens, Op: OpUpdate, Row: t})
	return nil
}

func (s *SQLite) DeleteToken(ctx context.Context, id string) error {
	t, err := s.GetToken(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id); err != nil {
		return err
	}
	s.notify.publish(s.mapCampaign(ctx, t.MapID), Event{Table: TableTokens, Op: OpDelete, Row: t})
	return nil
}

func (s *SQLite) GetFog(ctx context.Context, mapID string) (game.FogDocument, error) {
	doc := game.FogDocument{MapID: mapID}
	var revealed int
	var shapes string
	err := s.db.QueryRowContext(ctx,
		`SELECT revealed, shapes FROM fog WHERE map_id = ?`, mapID).Scan(&revealed, &shapes)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	doc.Revealed = revealed != 0
	if err := json.Unmarshal([]byte(shapes), &doc.Shapes); err != nil {
		return doc, fmt.Errorf("failed to decode fog shapes: %w", err)
	}
	return doc, nil
}

func (s *SQLite) SetFog(ctx context.Context, doc game.FogDocument) error {
	shapes := []byte("[]")
	if doc.Shapes != nil {
		var err error
		shapes, err = json.Marshal(doc.Shapes)
		if err != nil {
			return fmt.Errorf("failed to encode fog shapes: %w", err)
		}
	}
	revealed := 0
	if doc.Revealed {
		revealed = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fog (map_id, revealed, shapes) VALUES (?, ?, ?)
		 ON CONFLICT(map_id) DO UPDATE SET revealed = excluded.revealed, shapes = excluded.shapes`,
		doc.MapID, revealed, string(shapes))
	if err != nil {
		return err
	}
	s.notify.publish(s.mapCampaign(ctx, doc.MapID), Event{Table: TableFog, Op: OpUpdate, Row: doc})
	return nil
}

const sqliteEncounterColumns = `id, campaign_id, map_id, name, active, round_number, current_turn_index, updated_at`

func scanSQLiteEncounter(row interface{ Scan(...any) error }) (combat.Encounter, error) {
	var e combat.Encounter
	var active int
	err := row.Scan(&e.ID, &e.CampaignID, &e.MapID, &e.Name, &active, &e.Round, &e.TurnIndex, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return combat.Encounter{}, ErrNotFound
	}
	e.Active = active != 0
	return e, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) CreateEncounter(ctx context.Context, e combat.Encounter) error {
	e.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO combat_encounters (id, campaign_id, map_id, name, active, round_number, current_turn_index, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CampaignID, e.MapID, e.Name, boolInt(e.Active), e.Round, e.TurnIndex, e.UpdatedAt)
	if err != nil {
		return err
	}
	s.notify.publish(e.CampaignID, Event{Table: TableEncounters, Op: OpInsert, Row: e})
	return nil
}

func (s *SQLite) GetEncounter(ctx context.Context, id string) (combat.Encounter, error) {
	return scanSQLiteEncounter(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEncounterColumns+` FROM combat_encounters WHERE id = ?`, id))
}

func (s *SQLite) UpdateEncounter(ctx context.Context, e combat.Encounter) error {
	e.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE combat_encounters SET name = ?, active = ?, round_number = ?, current_turn_index = ?, updated_at = ?
		 WHERE id = ?`,
		e.Name, boolInt(e.Active), e.Round, e.TurnIndex, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify.publish(e.CampaignID, Event{Table: TableEncounters, Op: OpUpdate, Row: e})
	return nil
}

func (s *SQLite) ActiveEncounter(ctx context.Context, campaignID, mapID string) (combat.Encounter, error) {
	query := `SELECT ` + sqliteEncounterColumns + ` FROM combat_encounters WHERE campaign_id = ? AND active = 1`
	args := []any{campaignID}
	if mapID != "" {
		query += ` AND map_id = ?`
		args = append(args, mapID)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`
	return scanSQLiteEncounter(s.db.QueryRowContext(ctx, query, args...))
}

func (s *SQLite) DeactivateEncounters(ctx context.Context, campaignID, mapID string) error {
	query := `SELECT ` + sqliteEncounterColumns + ` FROM combat_encounters WHERE campaign_id = ? AND active = 1`
	args := []any{campaignID}
	if mapID != "" {
		query += ` AND map_id = ?`
		args = append(args, mapID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	var affected []combat.Encounter
	for rows.Next() {
		e, err := scanSQLiteEncounter(rows)
		if err != nil {
			rows.Close()
			return err
		}
		affected = append(affected, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, e := range affected {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE combat_encounters SET active = 0, updated_at = ? WHERE id = ?`, now, e.ID); err != nil {
			return err
		}
		e.Active = false
		e.UpdatedAt = now
		s.notify.publish(e.CampaignID, Event{Table: TableEncounters, Op: OpUpdate, Row: e})
	}
	return nil
}

func (s *SQLite) encounterCampaign(ctx context.Context, encounterID string) string {
	var campaignID string
	_ = s.db.QueryRowContext(ctx, `SELECT campaign_id FROM combat_encounters WHERE id = ?`, encounterID).Scan(&campaignID)
	return campaignID
}

const sqliteParticipantColumns = `id, encounter_id, token_id, initiative_roll, turn_order, conditions, notes`

func scanSQLiteParticipant(row interface{ Scan(...any) error }) (combat.Participant, error) {
	var p combat.Participant
	var conditions string
	err := row.Scan(&p.ID, &p.EncounterID, &p.TokenID, &p.Initiative, &p.TurnOrder, &conditions, &p.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return combat.Participant{}, ErrNotFound
	}
	if err != nil {
		return combat.Participant{}, err
	}
	if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
		return combat.Participant{}, fmt.Errorf("failed to decode conditions: %w", err)
	}
	return p, nil
}

func (s *SQLite) AddParticipant(ctx context.Context, p combat.Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO combat_participants (id, encounter_id, token_id, initiative_roll, turn_order, conditions, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.EncounterID, p.TokenID, p.Initiative, p.TurnOrder, string(marshalConditions(p.Conditions)), p.Notes)
	if err != nil {
		return err
	}
	s.notify.publish(s.encounterCampaign(ctx, p.EncounterID), Event{Table: TableParticipants, Op: OpInsert, Row: p})
	return nil
}

func (s *SQLite) GetParticipant(ctx context.Context, id string) (combat.Participant, error) {
	return scanSQLiteParticipant(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteParticipantColumns+` FROM combat_participants WHERE id = ?`, id))
}

func (s *SQLite) UpdateParticipant(ctx context.Context, p combat.Participant) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE combat_participants SET initiative_roll = ?, turn_order = ?, conditions = ?, notes = ?
		 WHERE id = ?`,
		p.Initiative, p.TurnOrder, string(marshalConditions(p.Conditions)), p.Notes, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify.publish(s.encounterCampaign(ctx, p.EncounterID), Event{Table: TableParticipants, Op: OpUpdate, Row: p})
	return nil
}

func (s *SQLite) RemoveParticipant(ctx context.Context, id string) error {
	p, err := s.GetParticipant(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM combat_participants WHERE id = ?`, id); err != nil {
		return err
	}
	s.notify.publish(s.encounterCampaign(ctx, p.EncounterID), Event{Table: TableParticipants, Op: OpDelete, Row: p})
	return nil
}

func (s *SQLite) ListParticipants(ctx context.Context, encounterID string) ([]combat.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteParticipantColumns+` FROM combat_participants WHERE encounter_id = ? ORDER BY turn_order, id`,
		encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []combat.Participant
	for rows.Next() {
		p, err := scanSQLiteParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) Subscribe(ctx context.Context, campaignID string) (<-chan Event, func(), error) {
	ch, cancel := s.notify.subscribe(campaignID)
	return ch, cancel, nil
}

func (s *SQLite) Close() {
	s.notify.closeAll()
	if err := s.db.Close(); err != nil {
		log.Printf("warning: failed to close sqlite: %v", err)
	}
}
