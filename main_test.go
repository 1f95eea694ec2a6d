package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"campaign-vtt/config"
	"campaign-vtt/game"
	"campaign-vtt/session"
	"campaign-vtt/store"
)

// startTestServer spins up the Fiber app on a random port over a fresh
// in-memory store and returns the base address.
func startTestServer(t *testing.T) string {
	t.Helper()

	s := store.NewMemory()
	manager := session.NewManager(config.DefaultConfig(), s, session.StaticCharacters{})
	app := setupApp(manager)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_ = app.Listener(ln)
	}()

	t.Cleanup(func() {
		_ = app.Shutdown()
		manager.Reset()
		s.Close()
	})

	return fmt.Sprintf("127.0.0.1:%d", ln.Addr().(*net.TCPAddr).Port)
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp
}

// createTestMap creates a map over HTTP and returns its id.
func createTestMap(t *testing.T, addr string) string {
	t.Helper()

	var created game.Map
	resp := postJSON(t, fmt.Sprintf("http://%s/maps", addr), game.Map{
		CampaignID: "c1",
		Name:       "Sunken Crypt",
		Width:      1000,
		Height:     800,
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.StatusCode)
	}
	if created.ID == "" {
		t.Fatal("response missing map id")
	}
	return created.ID
}

// connectWS dials the room websocket and returns the connection.
func connectWS(t *testing.T, addr, campaignID, mapID string) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s/ws/%s/%s", addr, campaignID, mapID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to connect to ws: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return msg
}

// readUntil skips unrelated broadcasts until a message of the wanted type
// arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) wsMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMessage(t, conn, 2*time.Second)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %q message received", msgType)
	return wsMessage{}
}

func sendCommand(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := json.Marshal(map[string]any{"type": msgType, "payload": json.RawMessage(data)})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
}

func TestHealth(t *testing.T) {
	addr := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestMapLifecycleOverHTTP(t *testing.T) {
	addr := startTestServer(t)
	mapID := createTestMap(t, addr)

	// Add a token to the map.
	var token game.Token
	resp := postJSON(t, fmt.Sprintf("http://%s/maps/%s/tokens", addr, mapID), game.Token{
		Name: "Goblin", X: 100, Y: 100,
	}, &token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.StatusCode)
	}
	if token.MapID != mapID || token.Size != game.SizeMedium {
		t.Errorf("unexpected token: %+v", token)
	}

	// Fetch the map with its contents.
	getResp, err := http.Get(fmt.Sprintf("http://%s/maps/%s", addr, mapID))
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	var body struct {
		Map    game.Map         `json:"map"`
		Tokens []game.Token     `json:"tokens"`
		Fog    game.FogDocument `json:"fog"`
	}
	if err := json.NewDecoder(getResp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Map.ID != mapID || len(body.Tokens) != 1 {
		t.Errorf("unexpected map payload: %+v", body)
	}

	// Unknown map is a 404.
	missing, err := http.Get(fmt.Sprintf("http://%s/maps/nope", addr))
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown map, got %d", missing.StatusCode)
	}
}

func TestJoinReceivesSnapshot(t *testing.T) {
	addr := startTestServer(t)
	mapID := createTestMap(t, addr)

	var token game.Token
	postJSON(t, fmt.Sprintf("http://%s/maps/%s/tokens", addr, mapID), game.Token{
		Name: "Goblin", X: 550, Y: 200,
	}, &token)

	conn := connectWS(t, addr, "c1", mapID)

	msg := readMessage(t, conn, 2*time.Second)
	if msg.Type != "snapshot" {
		t.Fatalf("expected snapshot first, got %q", msg.Type)
	}
	var snap struct {
		Map    game.Map     `json:"map"`
		Tokens []game.Token `json:"tokens"`
	}
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Map.ID != mapID || snap.Map.Width != 1000 {
		t.Errorf("unexpected map in snapshot: %+v", snap.Map)
	}
	if len(snap.Tokens) != 1 || snap.Tokens[0].X != 550 {
		t.Errorf("unexpected tokens in snapshot: %+v", snap.Tokens)
	}
}

func TestMoveBroadcastsSnappedPosition(t *testing.T) {
	addr := startTestServer(t)
	mapID := createTestMap(t, addr)

	var token game.Token
	postJSON(t, fmt.Sprintf("http://%s/maps/%s/tokens", addr, mapID), game.Token{
		Name: "Goblin", X: 100, Y: 100,
	}, &token)

	mover := connectWS(t, addr, "c1", mapID)
	observer := connectWS(t, addr, "c1", mapID)
	readUntil(t, mover, "snapshot")
	readUntil(t, observer, "snapshot")

	sendCommand(t, mover, "move_token", map[string]any{
		"id": token.ID, "x": 532.0, "y": 217.0, "snap": true, "gridSize": 50.0,
	})

	// Both clients, the originator included, see the committed snapped row.
	for _, conn := range []*websocket.Conn{mover, observer} {
		msg := readUntil(t, conn, "token_update")
		var got game.Token
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != token.ID || got.X != 550 || got.Y != 200 {
			t.Errorf("expected snapped (550,200), got (%v,%v)", got.X, got.Y)
		}
	}
}

func TestCombatOverWebsocket(t *testing.T) {
	addr := startTestServer(t)
	mapID := createTestMap(t, addr)

	var token game.Token
	postJSON(t, fmt.Sprintf("http://%s/maps/%s/tokens", addr, mapID), game.Token{
		Name: "Goblin King",
	}, &token)

	conn := connectWS(t, addr, "c1", mapID)
	readUntil(t, conn, "snapshot")

	sendCommand(t, conn, "start_encounter", map[string]any{"name": "Goblin Ambush"})
	msg := readUntil(t, conn, "encounter_update")
	var enc struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Active    bool   `json:"active"`
		Round     int    `json:"roundNumber"`
		TurnIndex int    `json:"currentTurnIndex"`
	}
	if err := json.Unmarshal(msg.Payload, &enc); err != nil {
		t.Fatal(err)
	}
	if !enc.Active || enc.Round != 1 || enc.TurnIndex != 0 {
		t.Errorf("unexpected encounter broadcast: %+v", enc)
	}

	sendCommand(t, conn, "add_participant", map[string]any{
		"tokenId": token.ID, "initiative": 18,
	})
	msg = readUntil(t, conn, "roster_update")
	var roster []struct {
		TokenName string `json:"tokenName"`
		Initials  string `json:"initials"`
	}
	if err := json.Unmarshal(msg.Payload, &roster); err != nil {
		t.Fatal(err)
	}
	if len(roster) != 1 || roster[0].TokenName != "Goblin King" || roster[0].Initials != "GK" {
		t.Errorf("unexpected roster broadcast: %+v", roster)
	}

	sendCommand(t, conn, "next_turn", map[string]any{})
	msg = readUntil(t, conn, "encounter_update")
	if err := json.Unmarshal(msg.Payload, &enc); err != nil {
		t.Fatal(err)
	}
	// Single participant: advancing wraps straight into the next round.
	if enc.Round != 2 || enc.TurnIndex != 0 {
		t.Errorf("expected (round 2, index 0), got (%d,%d)", enc.Round, enc.TurnIndex)
	}
}

func TestFogUpdateBroadcast(t *testing.T) {
	addr := startTestServer(t)
	mapID := createTestMap(t, addr)

	conn := connectWS(t, addr, "c1", mapID)
	readUntil(t, conn, "snapshot")

	sendCommand(t, conn, "update_fog", map[string]any{
		"revealed": false,
		"shapes": []map[string]any{
			{"id": "f1", "type": "rect", "x": 0.0, "y": 0.0, "width": 200.0, "height": 150.0, "subtracted": true},
		},
	})

	msg := readUntil(t, conn, "fog_update")
	var doc game.FogDocument
	if err := json.Unmarshal(msg.Payload, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.MapID != mapID || len(doc.Shapes) != 1 || !doc.Shapes[0].Subtracted {
		t.Errorf("unexpected fog broadcast: %+v", doc)
	}
}

func TestPlainHTTPOnWSRouteIsRejected(t *testing.T) {
	addr := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/ws/c1/m1", addr))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("expected 426 without upgrade headers, got %d", resp.StatusCode)
	}
}
