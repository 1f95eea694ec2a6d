package game

import "testing"

func TestNewState(t *testing.T) {
	s := NewState()

	if len(s.Tokens) != 0 {
		t.Errorf("expected 0 tokens, got %d", len(s.Tokens))
	}
	if s.Stage.Scale != 1 {
		t.Errorf("expected scale 1, got %f", s.Stage.Scale)
	}
	if s.Fog.Revealed {
		t.Error("expected fog not revealed by default")
	}
}

func TestUpsertToken(t *testing.T) {
	s := NewState()
	token := Token{ID: "t1", MapID: "m1", Name: "Goblin", X: 100, Y: 150, Size: SizeMedium}

	if changed := s.UpsertToken(token); !changed {
		t.Error("first upsert should report a change")
	}
	if len(s.Tokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(s.Tokens))
	}
	got := s.Tokens["t1"]
	if got.Name != "Goblin" || got.X != 100 || got.Y != 150 {
		t.Errorf("unexpected token state: %+v", got)
	}
}

func TestUpsertTokenEqualValueIsNoOp(t *testing.T) {
	s := NewState()
	token := Token{ID: "t1", MapID: "m1", Name: "Goblin", X: 100, Y: 150, HPCurrent: 7, HPMax: 7}
	s.UpsertToken(token)

	// The echo of our own write differs only in timestamp.
	echo := token
	if changed := s.UpsertToken(echo); changed {
		t.Error("applying an equal-value token should be a no-op")
	}

	moved := token
	moved.X = 200
	if changed := s.UpsertToken(moved); !changed {
		t.Error("a real position change should report a change")
	}
}

func TestRemoveToken(t *testing.T) {
	s := NewState()
	s.UpsertToken(Token{ID: "t1", Name: "Goblin"})
	s.UpsertToken(Token{ID: "t2", Name: "Orc"})

	s.RemoveToken("t1")

	if len(s.Tokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(s.Tokens))
	}
	if _, ok := s.Tokens["t1"]; ok {
		t.Error("t1 should have been removed")
	}
}

func TestSetTokensReplacesAll(t *testing.T) {
	s := NewState()
	s.UpsertToken(Token{ID: "old", Name: "Stale"})

	s.SetTokens([]Token{{ID: "a"}, {ID: "b"}})

	if len(s.Tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(s.Tokens))
	}
	if _, ok := s.Tokens["old"]; ok {
		t.Error("stale token should be gone after SetTokens")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewState()
	s.UpsertToken(Token{ID: "t1", X: 10})
	s.SetFog(FogDocument{MapID: "m1", Shapes: []FogShape{{ID: "f1", Type: ShapeRect}}})

	snap := s.Snapshot()
	snap.Tokens[0].X = 999
	snap.Fog.Shapes[0].ID = "mutated"

	if s.Tokens["t1"].X != 10 {
		t.Error("mutating the snapshot changed live token state")
	}
	if s.Fog.Shapes[0].ID != "f1" {
		t.Error("mutating the snapshot changed live fog state")
	}
}

func TestSnapIdempotent(t *testing.T) {
	cases := []struct {
		x, y, grid float64
		wantX      float64
		wantY      float64
	}{
		{532, 217, 50, 550, 200},
		{24, 26, 50, 0, 50},
		{75, 75, 50, 100, 100}, // round half away from zero
		{100, 200, 50, 100, 200},
	}
	for _, c := range cases {
		got := SnapPoint(Point{X: c.x, Y: c.y}, c.grid)
		if got.X != c.wantX || got.Y != c.wantY {
			t.Errorf("snap(%v,%v) = (%v,%v), want (%v,%v)", c.x, c.y, got.X, got.Y, c.wantX, c.wantY)
		}
		// Snapping twice equals snapping once.
		again := SnapPoint(got, c.grid)
		if again != got {
			t.Errorf("snap not idempotent: %v -> %v", got, again)
		}
	}
}

func TestSnapZeroGrid(t *testing.T) {
	if got := Snap(123.4, 0); got != 123.4 {
		t.Errorf("expected pass-through on zero grid, got %v", got)
	}
}

func TestSizeMultipliers(t *testing.T) {
	cases := map[SizeCategory]float64{
		SizeTiny:       0.5,
		SizeSmall:      0.8,
		SizeMedium:     1,
		SizeLarge:      2,
		SizeHuge:       3,
		SizeGargantuan: 4,
	}
	for size, want := range cases {
		if got := size.Multiplier(); got != want {
			t.Errorf("%s: expected %v, got %v", size, want, got)
		}
	}
	if got := SizeCategory("unknown").Multiplier(); got != 1 {
		t.Errorf("unknown size should render as medium, got %v", got)
	}
}
