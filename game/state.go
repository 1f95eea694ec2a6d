package game

import "math"

// State is the spatial state store: the single source of truth a renderer
// reads from. It is mutated synchronously by local gestures and by remote
// change events; it performs no network I/O of its own.
type State struct {
	Map    Map
	Tokens map[string]Token
	Fog    FogDocument
	Stage  StageTransform
}

func NewState() *State {
	return &State{
		Tokens: make(map[string]Token),
		Stage:  StageTransform{Scale: 1},
	}
}

func (s *State) SetMap(m Map) {
	s.Map = m
}

// SetTokens replaces the whole token set.
func (s *State) SetTokens(tokens []Token) {
	s.Tokens = make(map[string]Token, len(tokens))
	for _, t := range tokens {
		s.Tokens[t.ID] = t
	}
}

// UpsertToken applies a token state and reports whether anything visible
// changed. Applying a token equal by value to the current entry is a no-op,
// which is what keeps the echo of our own writes from causing jitter.
func (s *State) UpsertToken(t Token) bool {
	if cur, ok := s.Tokens[t.ID]; ok && cur.EqualState(t) {
		return false
	}
	s.Tokens[t.ID] = t
	return true
}

func (s *State) RemoveToken(id string) {
	delete(s.Tokens, id)
}

// SetFog replaces the fog document wholesale. The document is the unit of
// persistence, so there is no per-shape patching here.
func (s *State) SetFog(doc FogDocument) {
	s.Fog = doc
}

func (s *State) SetStageTransform(st StageTransform) {
	s.Stage = st
}

// Snapshot returns a deep copy safe to hand to a renderer while the live
// state keeps mutating.
type Snapshot struct {
	Map    Map            `json:"map"`
	Tokens []Token        `json:"tokens"`
	Fog    FogDocument    `json:"fog"`
	Stage  StageTransform `json:"stage"`
}

func (s *State) Snapshot() Snapshot {
	tokens := make([]Token, 0, len(s.Tokens))
	for _, t := range s.Tokens {
		tokens = append(tokens, t)
	}
	fog := s.Fog
	fog.Shapes = append([]FogShape(nil), s.Fog.Shapes...)
	return Snapshot{Map: s.Map, Tokens: tokens, Fog: fog, Stage: s.Stage}
}

// Snap rounds v to the nearest multiple of grid. Snapping is idempotent:
// snapping an already-snapped value returns it unchanged.
func Snap(v, grid float64) float64 {
	if grid <= 0 {
		return v
	}
	return math.Round(v/grid) * grid
}

// SnapPoint snaps both axes of p to the grid.
func SnapPoint(p Point, grid float64) Point {
	return Point{X: Snap(p.X, grid), Y: Snap(p.Y, grid)}
}
