package feed

import (
	"context"
	"testing"
	"time"

	"campaign-vtt/combat"
	"campaign-vtt/game"
	"campaign-vtt/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func findToken(snap game.Snapshot, id string) (game.Token, bool) {
	for _, tok := range snap.Tokens {
		if tok.ID == id {
			return tok, true
		}
	}
	return game.Token{}, false
}

func startWatcher(t *testing.T, s store.Store, campaignID, mapID string) *Watcher {
	t.Helper()
	w := NewWatcher(s, campaignID, mapID)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	go w.Run(ctx)
	return w
}

func TestBootstrapLoadsExistingState(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ctx := context.Background()

	s.CreateMap(ctx, game.Map{ID: "m1", CampaignID: "c1", Width: 1000, Height: 800})
	s.CreateToken(ctx, game.Token{ID: "t1", MapID: "m1", Name: "Goblin", X: 550, Y: 200})
	s.CreateEncounter(ctx, combat.Encounter{ID: "e1", CampaignID: "c1", MapID: "m1", Active: true, Round: 2, TurnIndex: 1})
	s.AddParticipant(ctx, combat.Participant{ID: "p1", EncounterID: "e1", TokenID: "t1", Initiative: 18})

	w := NewWatcher(s, "c1", "m1")
	if err := w.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	snap := w.Snapshot()
	if snap.Map.ID != "m1" || snap.Map.Width != 1000 {
		t.Errorf("unexpected map in snapshot: %+v", snap.Map)
	}
	if tok, ok := findToken(snap, "t1"); !ok || tok.X != 550 {
		t.Errorf("unexpected tokens in snapshot: %+v", snap.Tokens)
	}

	cs := w.Combat()
	if cs.Encounter == nil || cs.Encounter.ID != "e1" || cs.Round() != 2 || cs.TurnIndex() != 1 {
		t.Errorf("unexpected combat state: %+v", cs)
	}
	if len(cs.Participants) != 1 || cs.Participants[0].ID != "p1" {
		t.Errorf("unexpected roster: %+v", cs.Participants)
	}
}

func TestWatcherAppliesTokenEvents(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ctx := context.Background()
	s.CreateMap(ctx, game.Map{ID: "m1", CampaignID: "c1"})

	w := startWatcher(t, s, "c1", "m1")

	s.CreateToken(ctx, game.Token{ID: "t1", MapID: "m1", Name: "Goblin", X: 100, Y: 100})
	waitFor(t, func() bool {
		_, ok := findToken(w.Snapshot(), "t1")
		return ok
	})

	s.UpdateTokenPosition(ctx, "t1", 550, 200)
	waitFor(t, func() bool {
		tok, _ := findToken(w.Snapshot(), "t1")
		return tok.X == 550 && tok.Y == 200
	})

	s.DeleteToken(ctx, "t1")
	waitFor(t, func() bool {
		_, ok := findToken(w.Snapshot(), "t1")
		return !ok
	})
}

func TestWatcherIgnoresOtherMaps(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ctx := context.Background()
	s.CreateMap(ctx, game.Map{ID: "m1", CampaignID: "c1"})
	s.CreateMap(ctx, game.Map{ID: "m2", CampaignID: "c1"})

	w := startWatcher(t, s, "c1", "m1")

	s.CreateToken(ctx, game.Token{ID: "other", MapID: "m2"})
	s.CreateToken(ctx, game.Token{ID: "mine", MapID: "m1"})
	waitFor(t, func() bool {
		_, ok := findToken(w.Snapshot(), "mine")
		return ok
	})

	if _, ok := findToken(w.Snapshot(), "other"); ok {
		t.Error("token from another map leaked into the view")
	}
}

func TestOptimisticMoveThenEchoIsStable(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ctx := context.Background()
	s.CreateMap(ctx, game.Map{ID: "m1", CampaignID: "c1"})
	s.CreateToken(ctx, game.Token{ID: "t1", MapID: "m1", X: 100, Y: 100})

	w := startWatcher(t, s, "c1", "m1")

	// A probe write created after startup only becomes visible once the run
	// loop has finished its own bootstrap and is consuming the feed, so local
	// applies after this point cannot be overwritten by a late bootstrap.
	s.CreateToken(ctx, game.Token{ID: "probe", MapID: "m1"})
	waitFor(t, func() bool {
		_, ok := findToken(w.Snapshot(), "probe")
		return ok
	})

	// Local apply first, store write second: the feed echo must not move
	// the token again.
	w.ApplyLocal(func(st *game.State) {
		tok := st.Tokens["t1"]
		tok.X, tok.Y = 550, 200
		st.UpsertToken(tok)
	})
	if tok, _ := findToken(w.Snapshot(), "t1"); tok.X != 550 {
		t.Fatal("optimistic move not visible immediately")
	}

	if err := s.UpdateTokenPosition(ctx, "t1", 550, 200); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		tok, _ := findToken(w.Snapshot(), "t1")
		return tok.X == 550 && tok.Y == 200
	})
}

func TestMapDeleteClearsWholeView(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ctx := context.Background()
	s.CreateMap(ctx, game.Map{ID: "m1", CampaignID: "c1"})
	s.CreateToken(ctx, game.Token{ID: "t1", MapID: "m1"})
	s.SetFog(ctx, game.FogDocument{MapID: "m1", Shapes: []game.FogShape{
		{ID: "f1", Type: game.ShapeRect, Width: 40, Height: 40},
	}})

	w := startWatcher(t, s, "c1", "m1")
	waitFor(t, func() bool {
		_, ok := findToken(w.Snapshot(), "t1")
		return ok
	})

	if err := s.DeleteMap(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		snap := w.Snapshot()
		return snap.Map.ID == "" && len(snap.Tokens) == 0 &&
			snap.Fog.MapID == "" && len(snap.Fog.Shapes) == 0
	})
}

func TestWatcherTracksCombatLifecycle(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	ctx := context.Background()
	s.CreateMap(ctx, game.Map{ID: "m1", CampaignID: "c1"})

	w := startWatcher(t, s, "c1", "m1")

	s.CreateEncounter(ctx, combat.Encounter{ID: "e1", CampaignID: "c1", MapID: "m1", Active: true, Round: 1})
	waitFor(t, func() bool {
		cs := w.Combat()
		return cs.Encounter != nil && cs.Encounter.ID == "e1"
	})

	// Participants arrive through the feed and trigger a roster re-fetch.
	s.AddParticipant(ctx, combat.Participant{ID: "p1", EncounterID: "e1", Initiative: 18, TurnOrder: 0})
	s.AddParticipant(ctx, combat.Participant{ID: "p2", EncounterID: "e1", Initiative: 12, TurnOrder: 1})
	waitFor(t, func() bool {
		return len(w.Combat().Participants) == 2
	})

	// Cursor advance.
	enc, _ := s.GetEncounter(ctx, "e1")
	enc.TurnIndex = 1
	s.UpdateEncounter(ctx, enc)
	waitFor(t, func() bool {
		return w.Combat().TurnIndex() == 1
	})
	if len(w.Combat().Participants) != 2 {
		t.Error("cursor update should leave the roster alone")
	}

	// End of combat clears everything.
	enc.Active = false
	s.UpdateEncounter(ctx, enc)
	waitFor(t, func() bool {
		cs := w.Combat()
		return cs.Encounter == nil && len(cs.Participants) == 0
	})
}

func TestRosterForSortsByTurnOrder(t *testing.T) {
	cs := CombatState{Participants: []combat.Participant{
		{ID: "b", TurnOrder: 1},
		{ID: "a", TurnOrder: 0},
	}}
	roster := RosterFor(cs)
	if roster[0].ID != "a" || roster[1].ID != "b" {
		t.Errorf("unexpected order: %s %s", roster[0].ID, roster[1].ID)
	}
	if cs.Participants[0].ID != "b" {
		t.Error("RosterFor must not reorder the input")
	}
}
