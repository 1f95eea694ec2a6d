package store

import (
	"context"
	"sync"
	"time"

	"campaign-vtt/combat"
	"campaign-vtt/game"
)

// Memory is the storeless-mode backend: everything lives in process and is
// lost on restart. It is also what the tests run against.
type Memory struct {
	mu           sync.RWMutex
	maps         map[string]game.Map
	tokens       map[string]game.Token
	fog          map[string]game.FogDocument
	encounters   map[string]combat.Encounter
	participants map[string]combat.Participant
	notify       *notifier
}

func NewMemory() *Memory {
	return &Memory{
		maps:         make(map[string]game.Map),
		tokens:       make(map[string]game.Token),
		fog:          make(map[string]game.FogDocument),
		encounters:   make(map[string]combat.Encounter),
		participants: make(map[string]combat.Participant),
		notify:       newNotifier(),
	}
}

func (s *Memory) CreateMap(ctx context.Context, m game.Map) error {
	s.mu.Lock()
	s.maps[m.ID] = m
	s.mu.Unlock()
	s.notify.publish(m.CampaignID, Event{Table: TableMaps, Op: OpInsert, Row: m})
	return nil
}

func (s *Memory) GetMap(ctx context.Context, id string) (game.Map, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.maps[id]
	if !ok {
		return game.Map{}, ErrNotFound
	}
	return m, nil
}

func (s *Memory) DeleteMap(ctx context.Context, id string) error {
	s.mu.Lock()
	m, ok := s.maps[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.maps, id)
	var dropped []game.Token
	for tid, t := range s.tokens {
		if t.MapID == id {
			dropped = append(dropped, t)
			delete(s.tokens, tid)
		}
	}
	delete(s.fog, id)
	s.mu.Unlock()

	for _, t := range dropped {
		s.notify.publish(m.CampaignID, Event{Table: TableTokens, Op: OpDelete, Row: t})
	}
	s.notify.publish(m.CampaignID, Event{Table: TableMaps, Op: OpDelete, Row: m})
	return nil
}

// mapCampaign resolves a map id to its owning campaign for event routing.
func (s *Memory) mapCampaign(mapID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maps[mapID].CampaignID
}

func (s *Memory) CreateToken(ctx context.Context, t game.Token) error {
	t.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.tokens[t.ID] = t
	s.mu.Unlock()
	s.notify.publish(s.mapCampaign(t.MapID), Event{Table: TableTokens, Op: OpInsert, Row: t})
	return nil
}

func (s *Memory) GetToken(ctx context.Context, id string) (game.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return game.Token{}, ErrNotFound
	}
	return t, nil
}

func (s *Memory) ListTokens(ctx context.Context, mapID string) ([]game.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []game.Token
	for _, t := range s.tokens {
		if t.MapID == mapID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Memory) UpdateToken(ctx context.Context, t game.Token) error {
	t.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	if _, ok := s.tokens[t.ID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.tokens[t.ID] = t
	s.mu.Unlock()
	s.notify.publish(s.mapCampaign(t.MapID), Event{Table: TableTokens, Op: OpUpdate, Row: t})
	return nil
}

func (s *Memory) UpdateTokenPosition(ctx context.Context, id string, x, y float64) error {
	s.mu.Lock()
	t, ok := s.tokens[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	t.X, t.Y = x, y
	t.UpdatedAt = time.Now().UTC()
	s.tokens[id] = t
	s.mu.Unlock()
	s.notify.publish(s.mapCampaign(t.MapID), Event{Table: TableTokens, Op: OpUpdate, Row: t})
	return nil
}

func (s *Memory) DeleteToken(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tokens[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.tokens, id)
	s.mu.Unlock()
	s.notify.publish(s.mapCampaign(t.MapID), Event{Table: TableTokens, Op: OpDelete, Row: t})
	return nil
}

func (s *Memory) GetFog(ctx context.Context, mapID string) (game.FogDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.fog[mapID]
	if !ok {
		return game.FogDocument{MapID: mapID}, nil
	}
	doc.Shapes = append([]game.FogShape(nil), doc.Shapes...)
	return doc, nil
}

func (s *Memory) SetFog(ctx context.Context, doc game.FogDocument) error {
	stored := doc
	stored.Shapes = append([]game.FogShape(nil), doc.Shapes...)
	s.mu.Lock()
	s.fog[doc.MapID] = stored
	s.mu.Unlock()
	s.notify.publish(s.mapCampaign(doc.MapID), Event{Table: TableFog, Op: OpUpdate, Row: stored})
	return nil
}

func (s *Memory) CreateEncounter(ctx context.Context, e combat.Encounter) error {
	e.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.encounters[e.ID] = e
	s.mu.Unlock()
	s.notify.publish(e.CampaignID, Event{Table: TableEncounters, Op: OpInsert, Row: e})
	return nil
}

func (s *Memory) GetEncounter(ctx context.Context, id string) (combat.Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.encounters[id]
	if !ok {
		return combat.Encounter{}, ErrNotFound
	}
	return e, nil
}

func (s *Memory) UpdateEncounter(ctx context.Context, e combat.Encounter) error {
	e.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	if _, ok := s.encounters[e.ID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.encounters[e.ID] = e
	s.mu.Unlock()
	s.notify.publish(e.CampaignID, Event{Table: TableEncounters, Op: OpUpdate, Row: e})
	return nil
}

func (s *Memory) ActiveEncounter(ctx context.Context, campaignID, mapID string) (combat.Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.encounters {
		if e.Active && e.CampaignID == campaignID && (mapID == "" || e.MapID == mapID) {
			return e, nil
		}
	}
	return combat.Encounter{}, ErrNotFound
}

func (s *Memory) DeactivateEncounters(ctx context.Context, campaignID, mapID string) error {
	s.mu.Lock()
	var changed []combat.Encounter
	for id, e := range s.encounters {
		if e.Active && e.CampaignID == campaignID && (mapID == "" || e.MapID == mapID) {
			e.Active = false
			e.UpdatedAt = time.Now().UTC()
			s.encounters[id] = e
			changed = append(changed, e)
		}
	}
	s.mu.Unlock()
	for _, e := range changed {
		s.notify.publish(e.CampaignID, Event{Table: TableEncounters, Op: OpUpdate, Row: e})
	}
	return nil
}

// encounterCampaign resolves a participant's encounter to its campaign.
func (s *Memory) encounterCampaign(encounterID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encounters[encounterID].CampaignID
}

func (s *Memory) AddParticipant(ctx context.Context, p combat.Participant) error {
	p.Conditions = append([]string(nil), p.Conditions...)
	s.mu.Lock()
	s.participants[p.ID] = p
	s.mu.Unlock()
	s.notify.publish(s.encounterCampaign(p.EncounterID), Event{Table: TableParticipants, Op: OpInsert, Row: p})
	return nil
}

func (s *Memory) GetParticipant(ctx context.Context, id string) (combat.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return combat.Participant{}, ErrNotFound
	}
	p.Conditions = append([]string(nil), p.Conditions...)
	return p, nil
}

func (s *Memory) UpdateParticipant(ctx context.Context, p combat.Participant) error {
	p.Conditions = append([]string(nil), p.Conditions...)
	s.mu.Lock()
	if _, ok := s.participants[p.ID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.participants[p.ID] = p
	s.mu.Unlock()
	s.notify.publish(s.encounterCampaign(p.EncounterID), Event{Table: TableParticipants, Op: OpUpdate, Row: p})
	return nil
}

func (s *Memory) RemoveParticipant(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.participants, id)
	s.mu.Unlock()
	s.notify.publish(s.encounterCampaign(p.EncounterID), Event{Table: TableParticipants, Op: OpDelete, Row: p})
	return nil
}

func (s *Memory) ListParticipants(ctx context.Context, encounterID string) ([]combat.Participant, error) {
	s.mu.RLock()
	var out []combat.Participant
	for _, p := range s.participants {
		if p.EncounterID == encounterID {
			p.Conditions = append([]string(nil), p.Conditions...)
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	combat.SortRoster(out)
	return out, nil
}

func (s *Memory) Subscribe(ctx context.Context, campaignID string) (<-chan Event, func(), error) {
	ch, cancel := s.notify.subscribe(campaignID)
	return ch, cancel, nil
}

func (s *Memory) Close() {
	s.notify.closeAll()
}
