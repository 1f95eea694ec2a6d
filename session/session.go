// Package session hosts the live rooms: one room per (campaign, map) pair,
// each with a set of websocket clients and a feed watcher mirroring the
// store. Client commands are authoritative writes to the store; what gets
// rebroadcast to every client (the originator included) is the committed row
// coming back through the changefeed.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"

	"campaign-vtt/combat"
	"campaign-vtt/config"
	"campaign-vtt/feed"
	"campaign-vtt/game"
	"campaign-vtt/store"
)

type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Room is one live (campaign, map) view with its connected clients.
type Room struct {
	CampaignID string
	MapID      string
	Clients    map[*websocket.Conn]bool
	Watcher    *feed.Watcher
	cancel     context.CancelFunc

	moveMu       sync.Mutex
	pendingMoves map[string]*time.Timer
}

func roomKey(campaignID, mapID string) string {
	return campaignID + "/" + mapID
}

type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room
	store store.Store
	chars CharacterProvider
	cfg   config.Config
}

func NewManager(cfg config.Config, st store.Store, chars CharacterProvider) *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
		store: st,
		chars: chars,
		cfg:   cfg,
	}
}

// Reset tears down all rooms. Used between tests.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, room := range m.rooms {
		room.cancel()
		room.moveMu.Lock()
		for id, timer := range room.pendingMoves {
			timer.Stop()
			delete(room.pendingMoves, id)
		}
		room.moveMu.Unlock()
		delete(m.rooms, key)
	}
}

// room returns the live room for the pair, creating it (and starting its
// watcher) on first use.
func (m *Manager) room(campaignID, mapID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := roomKey(campaignID, mapID)
	if room, ok := m.rooms[key]; ok {
		return room, nil
	}
	if len(m.rooms) >= m.cfg.MaxRooms {
		return nil, errors.New("maximum number of rooms reached")
	}

	watcher := feed.NewWatcher(m.store, campaignID, mapID)
	ctx, cancel := context.WithCancel(context.Background())
	room := &Room{
		CampaignID:   campaignID,
		MapID:        mapID,
		Clients:      make(map[*websocket.Conn]bool),
		Watcher:      watcher,
		cancel:       cancel,
		pendingMoves: make(map[string]*time.Timer),
	}
	watcher.OnEvent = func(ev store.Event) {
		m.broadcastEvent(room, ev)
	}

	// Synchronous first fetch so the first joiner gets a real snapshot; the
	// run loop re-fetches again when it subscribes, which is idempotent.
	if err := watcher.Bootstrap(ctx); err != nil {
		log.Printf("warning: initial bootstrap for room %s failed: %v", key, err)
	}
	go watcher.Run(ctx)

	m.rooms[key] = room
	log.Println("room opened:", key)
	return room, nil
}

// HandleWS is the websocket entry point at /ws/:campaignId/:mapId.
func (m *Manager) HandleWS(c *websocket.Conn) {
	campaignID := c.Params("campaignId")
	mapID := c.Params("mapId")
	if campaignID == "" {
		c.Close()
		return
	}

	room, err := m.room(campaignID, mapID)
	if err != nil {
		log.Println("join rejected:", err)
		c.Close()
		return
	}

	m.mu.Lock()
	if len(room.Clients) >= m.cfg.MaxClientsPerRoom {
		m.mu.Unlock()
		log.Printf("join rejected: room %s full", roomKey(campaignID, mapID))
		c.Close()
		return
	}
	room.Clients[c] = true
	clientCount := len(room.Clients)
	m.mu.Unlock()

	log.Printf("client joined %s (%d connected)", roomKey(campaignID, mapID), clientCount)

	// Late-joiner sync: push the current full view before any events.
	m.sendSnapshot(c, room)

	defer func() {
		c.Close()
		m.mu.Lock()
		delete(room.Clients, c)
		m.mu.Unlock()
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}
		var clientMsg ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			log.Println("invalid message:", err)
			continue
		}
		m.processCommand(context.Background(), room, clientMsg)
	}
}

type SnapshotPayload struct {
	Map       game.Map          `json:"map"`
	Tokens    []game.Token      `json:"tokens"`
	Fog       game.FogDocument  `json:"fog"`
	Encounter *combat.Encounter `json:"encounter"`
	Roster    []RosterEntry     `json:"roster"`
}

func (m *Manager) snapshotPayload(room *Room) SnapshotPayload {
	snap := room.Watcher.Snapshot()
	cs := room.Watcher.Combat()
	return SnapshotPayload{
		Map:       snap.Map,
		Tokens:    snap.Tokens,
		Fog:       snap.Fog,
		Encounter: cs.Encounter,
		Roster:    m.enrichRoster(room, cs),
	}
}

func (m *Manager) enrichRoster(room *Room, cs feed.CombatState) []RosterEntry {
	snap := room.Watcher.Snapshot()
	tokens := make(map[string]game.Token, len(snap.Tokens))
	for _, t := range snap.Tokens {
		tokens[t.ID] = t
	}
	roster := make([]RosterEntry, 0, len(cs.Participants))
	for _, p := range feed.RosterFor(cs) {
		roster = append(roster, enrichEntry(context.Background(), p, tokens[p.TokenID], m.chars))
	}
	return roster
}

func (m *Manager) sendSnapshot(c *websocket.Conn, room *Room) {
	writeMessage(c, ServerMessage{Type: "snapshot", Payload: m.snapshotPayload(room)})
}

// broadcastEvent turns a committed row change into the wire message every
// client in the room receives. Participant changes ship the whole enriched
// roster rather than a patch.
func (m *Manager) broadcastEvent(room *Room, ev store.Event) {
	var msg ServerMessage
	switch ev.Table {
	case store.TableTokens:
		token, ok := ev.Row.(game.Token)
		if !ok {
			return
		}
		if ev.Op == store.OpDelete {
			msg = ServerMessage{Type: "token_removed", Payload: fiber.Map{"id": token.ID}}
		} else {
			msg = ServerMessage{Type: "token_update", Payload: token}
		}
	case store.TableFog:
		doc, ok := ev.Row.(game.FogDocument)
		if !ok {
			return
		}
		msg = ServerMessage{Type: "fog_update", Payload: doc}
	case store.TableEncounters:
		enc, ok := ev.Row.(combat.Encounter)
		if !ok {
			return
		}
		msg = ServerMessage{Type: "encounter_update", Payload: enc}
	case store.TableParticipants:
		msg = ServerMessage{Type: "roster_update", Payload: m.enrichRoster(room, room.Watcher.Combat())}
	case store.TableMaps:
		mp, ok := ev.Row.(game.Map)
		if !ok || mp.ID != room.MapID {
			return
		}
		if ev.Op == store.OpDelete {
			msg = ServerMessage{Type: "map_removed", Payload: fiber.Map{"id": mp.ID}}
		} else {
			msg = ServerMessage{Type: "map_update", Payload: mp}
		}
	default:
		return
	}
	m.broadcast(room, msg)
}

func (m *Manager) broadcast(room *Room, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Println("failed to marshal broadcast:", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range room.Clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Println("write:", err)
		}
	}
}

func writeMessage(c *websocket.Conn, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Println("failed to marshal message:", err)
		return
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Println("write:", err)
	}
}

type MoveTokenPayload struct {
	ID       string  `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Snap     bool    `json:"snap"`
	GridSize float64 `json:"gridSize"`
}

type DeleteTokenPayload struct {
	ID string `json:"id"`
}

type UpdateFogPayload struct {
	Revealed bool            `json:"revealed"`
	Shapes   []game.FogShape `json:"shapes"`
}

type StartEncounterPayload struct {
	Name string `json:"name"`
}

type AddParticipantPayload struct {
	TokenID    string `json:"tokenId"`
	Initiative int    `json:"initiative"`
	Notes      string `json:"notes"`
}

type RemoveParticipantPayload struct {
	ID string `json:"id"`
}

// UpdateParticipantPayload is a partial patch: only fields present in the
// JSON are applied, so a notes-only edit cannot zero the rest of the row.
type UpdateParticipantPayload struct {
	ID         string    `json:"id"`
	Initiative *int      `json:"initiative,omitempty"`
	Conditions *[]string `json:"conditions,omitempty"`
	Notes      *string   `json:"notes,omitempty"`
}

// processCommand applies one client command. Backend failures are logged and
// swallowed: the client keeps its optimistic state and converges on the next
// committed event. Nothing here is allowed to take the room down.
func (m *Manager) processCommand(ctx context.Context, room *Room, msg ClientMessage) {
	switch msg.Type {
	case "move_token":
		var p MoveTokenPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.MoveToken(ctx, room, p)
		}
	case "create_token":
		var t game.Token
		if err := json.Unmarshal(msg.Payload, &t); err == nil {
			m.CreateToken(ctx, room, t)
		}
	case "update_token":
		var t game.Token
		if err := json.Unmarshal(msg.Payload, &t); err == nil {
			m.UpdateToken(ctx, room, t)
		}
	case "delete_token":
		var p DeleteTokenPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.DeleteToken(ctx, room, p.ID)
		}
	case "update_fog":
		var p UpdateFogPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.UpdateFogShapes(ctx, room, p)
		}
	case "start_encounter":
		var p StartEncounterPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.StartEncounter(ctx, room, p.Name)
		}
	case "end_encounter":
		m.EndEncounter(ctx, room)
	case "add_participant":
		var p AddParticipantPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.AddParticipant(ctx, room, p)
		}
	case "update_participant":
		var p UpdateParticipantPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.UpdateParticipant(ctx, room, p)
		}
	case "remove_participant":
		var p RemoveParticipantPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			m.RemoveParticipant(ctx, room, p.ID)
		}
	case "next_turn":
		m.NextTurn(ctx, room)
	case "prev_turn":
		m.PrevTurn(ctx, room)
	default:
		log.Println("unknown message type:", msg.Type)
	}
}

// MoveToken commits a drag: snaps to the grid when requested, applies the
// position locally right away, then persists fire-and-forget.
func (m *Manager) MoveToken(ctx context.Context, room *Room, p MoveTokenPayload) {
	pos := game.Point{X: p.X, Y: p.Y}
	if p.Snap {
		grid := p.GridSize
		if grid <= 0 {
			grid = m.cfg.DefaultGridSize
		}
		pos = game.SnapPoint(pos, grid)
	}
	room.Watcher.ApplyLocal(func(s *game.State) {
		if t, ok := s.Tokens[p.ID]; ok {
			t.X, t.Y = pos.X, pos.Y
			s.UpsertToken(t)
		}
	})
	if d := time.Duration(m.cfg.MoveDebounceMS) * time.Millisecond; d > 0 {
		m.schedulePersist(room, p.ID, pos, d)
		return
	}
	if err := m.store.UpdateTokenPosition(ctx, p.ID, pos.X, pos.Y); err != nil {
		log.Printf("warning: failed to persist token move %s: %v", p.ID, err)
	}
}

// schedulePersist coalesces a burst of drag updates for one token into a
// single store write carrying the latest position. Each new move resets the
// token's timer; a timer that already fired just means one extra write, which
// the echo path no-ops.
func (m *Manager) schedulePersist(room *Room, id string, pos game.Point, d time.Duration) {
	room.moveMu.Lock()
	defer room.moveMu.Unlock()
	if timer, ok := room.pendingMoves[id]; ok {
		timer.Stop()
	}
	room.pendingMoves[id] = time.AfterFunc(d, func() {
		room.moveMu.Lock()
		delete(room.pendingMoves, id)
		room.moveMu.Unlock()
		if err := m.store.UpdateTokenPosition(context.Background(), id, pos.X, pos.Y); err != nil {
			log.Printf("warning: failed to persist token move %s: %v", id, err)
		}
	})
}

func (m *Manager) CreateToken(ctx context.Context, room *Room, t game.Token) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MapID == "" {
		t.MapID = room.MapID
	}
	if t.Size == "" {
		t.Size = game.SizeMedium
	}
	room.Watcher.ApplyLocal(func(s *game.State) { s.UpsertToken(t) })
	if err := m.store.CreateToken(ctx, t); err != nil {
		log.Printf("warning: failed to persist token create %s: %v", t.ID, err)
	}
}

func (m *Manager) UpdateToken(ctx context.Context, room *Room, t game.Token) {
	if t.MapID == "" {
		t.MapID = room.MapID
	}
	room.Watcher.ApplyLocal(func(s *game.State) { s.UpsertToken(t) })
	if err := m.store.UpdateToken(ctx, t); err != nil {
		log.Printf("warning: failed to persist token update %s: %v", t.ID, err)
	}
}

func (m *Manager) DeleteToken(ctx context.Context, room *Room, id string) {
	room.Watcher.ApplyLocal(func(s *game.State) { s.RemoveToken(id) })
	if err := m.store.DeleteToken(ctx, id); err != nil {
		log.Printf("warning: failed to delete token %s: %v", id, err)
	}
}

// UpdateFogShapes persists the whole fog document as one value; the shape
// list is the unit of persistence, so last write wins wholesale.
func (m *Manager) UpdateFogShapes(ctx context.Context, room *Room, p UpdateFogPayload) {
	doc := game.FogDocument{MapID: room.MapID, Revealed: p.Revealed, Shapes: p.Shapes}
	room.Watcher.ApplyLocal(func(s *game.State) { s.SetFog(doc) })
	if err := m.store.SetFog(ctx, doc); err != nil {
		log.Printf("warning: failed to persist fog for map %s: %v", room.MapID, err)
	}
}

// StartEncounter deactivates any active encounter for the pair, then inserts
// a fresh one at round 1, first turn. Two writes, not a transaction: under
// concurrent starts two encounters can look active for a moment, and the
// later writer wins.
func (m *Manager) StartEncounter(ctx context.Context, room *Room, name string) *combat.Encounter {
	if err := m.store.DeactivateEncounters(ctx, room.CampaignID, room.MapID); err != nil {
		log.Printf("warning: failed to deactivate encounters: %v", err)
		return nil
	}
	enc := combat.NewEncounter(uuid.NewString(), room.CampaignID, room.MapID, name)
	if err := m.store.CreateEncounter(ctx, enc); err != nil {
		log.Printf("warning: failed to create encounter: %v", err)
		return nil
	}
	return &enc
}

// EndEncounter clears the active flag; participant rows are kept for
// history.
func (m *Manager) EndEncounter(ctx context.Context, room *Room) {
	cs := room.Watcher.Combat()
	if cs.Encounter == nil {
		return
	}
	enc, err := m.store.GetEncounter(ctx, cs.Encounter.ID)
	if err != nil {
		log.Printf("warning: failed to load encounter: %v", err)
		return
	}
	enc.Active = false
	if err := m.store.UpdateEncounter(ctx, enc); err != nil {
		log.Printf("warning: failed to end encounter: %v", err)
	}
}

// AddParticipant inserts a roster entry and re-ranks turn order for the whole
// roster by descending initiative. Ranking is this caller's policy, not the
// state machine's; the roster re-fetch after the insert re-establishes the
// authoritative order on every client.
func (m *Manager) AddParticipant(ctx context.Context, room *Room, p AddParticipantPayload) {
	cs := room.Watcher.Combat()
	if cs.Encounter == nil {
		log.Println("warning: add_participant with no active encounter")
		return
	}
	roster, err := m.store.ListParticipants(ctx, cs.Encounter.ID)
	if err != nil {
		log.Printf("warning: failed to list participants: %v", err)
		return
	}
	participant := combat.Participant{
		ID:          uuid.NewString(),
		EncounterID: cs.Encounter.ID,
		TokenID:     p.TokenID,
		Initiative:  p.Initiative,
		Notes:       p.Notes,
	}
	ranked := append(append([]combat.Participant(nil), roster...), participant)
	combat.RankByInitiative(ranked)
	for _, r := range ranked {
		if r.ID == participant.ID {
			participant.TurnOrder = r.TurnOrder
			continue
		}
		for _, old := range roster {
			if old.ID == r.ID && old.TurnOrder != r.TurnOrder {
				if err := m.store.UpdateParticipant(ctx, r); err != nil {
					log.Printf("warning: failed to re-rank participant %s: %v", r.ID, err)
				}
			}
		}
	}
	if err := m.store.AddParticipant(ctx, participant); err != nil {
		log.Printf("warning: failed to add participant: %v", err)
	}
}

// UpdateParticipant patches one roster row by merging the payload onto the
// stored participant. Turn order belongs to the add/re-rank path and the turn
// cursor to the encounter row; neither changes here.
func (m *Manager) UpdateParticipant(ctx context.Context, room *Room, p UpdateParticipantPayload) {
	cur, err := m.store.GetParticipant(ctx, p.ID)
	if err != nil {
		log.Printf("warning: failed to load participant %s: %v", p.ID, err)
		return
	}
	if p.Initiative != nil {
		cur.Initiative = *p.Initiative
	}
	if p.Conditions != nil {
		cur.Conditions = *p.Conditions
	}
	if p.Notes != nil {
		cur.Notes = *p.Notes
	}
	if err := m.store.UpdateParticipant(ctx, cur); err != nil {
		log.Printf("warning: failed to update participant %s: %v", p.ID, err)
	}
}

func (m *Manager) RemoveParticipant(ctx context.Context, room *Room, id string) {
	if err := m.store.RemoveParticipant(ctx, id); err != nil {
		log.Printf("warning: failed to remove participant %s: %v", id, err)
	}
}

// NextTurn advances the cursor with a read-modify-write on the encounter
// row. Concurrent advances race last-write-wins; accepted for the
// single-DM-in-practice case.
func (m *Manager) NextTurn(ctx context.Context, room *Room) {
	m.stepTurn(ctx, room, combat.NextTurn)
}

func (m *Manager) PrevTurn(ctx context.Context, room *Room) {
	m.stepTurn(ctx, room, combat.PrevTurn)
}

func (m *Manager) stepTurn(ctx context.Context, room *Room, step func(round, index, count int) (int, int)) {
	cs := room.Watcher.Combat()
	if cs.Encounter == nil {
		return
	}
	enc, err := m.store.GetEncounter(ctx, cs.Encounter.ID)
	if err != nil {
		log.Printf("warning: failed to load encounter: %v", err)
		return
	}
	roster, err := m.store.ListParticipants(ctx, enc.ID)
	if err != nil {
		log.Printf("warning: failed to list participants: %v", err)
		return
	}
	round, index := step(enc.Round, enc.TurnIndex, len(roster))
	if round == enc.Round && index == enc.TurnIndex {
		return
	}
	enc.Round, enc.TurnIndex = round, index
	if err := m.store.UpdateEncounter(ctx, enc); err != nil {
		log.Printf("warning: failed to advance turn: %v", err)
	}
}

// HTTP handlers.

func (m *Manager) CreateMap(c *fiber.Ctx) error {
	var mp game.Map
	if err := c.BodyParser(&mp); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid map"})
	}
	if mp.CampaignID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "campaignId is required"})
	}
	if mp.ID == "" {
		mp.ID = uuid.NewString()
	}
	if err := m.store.CreateMap(c.Context(), mp); err != nil {
		log.Printf("warning: failed to create map: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create map"})
	}
	return c.Status(fiber.StatusCreated).JSON(mp)
}

func (m *Manager) GetMap(c *fiber.Ctx) error {
	id := c.Params("id")
	mp, err := m.store.GetMap(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "map not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load map"})
	}
	tokens, err := m.store.ListTokens(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load tokens"})
	}
	fogDoc, err := m.store.GetFog(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load fog"})
	}
	return c.JSON(fiber.Map{"map": mp, "tokens": tokens, "fog": fogDoc})
}

func (m *Manager) CreateTokenHTTP(c *fiber.Ctx) error {
	var t game.Token
	if err := c.BodyParser(&t); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid token"})
	}
	// c.Params returns an unsafe string aliasing fiber's request buffer; it
	// must be copied before being stored past the handler's lifetime.
	t.MapID = utils.CopyString(c.Params("id"))
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Size == "" {
		t.Size = game.SizeMedium
	}
	if _, err := m.store.GetMap(c.Context(), t.MapID); errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "map not found"})
	}
	if err := m.store.CreateToken(c.Context(), t); err != nil {
		log.Printf("warning: failed to create token: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create token"})
	}
	return c.Status(fiber.StatusCreated).JSON(t)
}
