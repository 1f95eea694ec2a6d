// Package fog maintains a map's fog-of-war document: an ordered list of
// hide/reveal shapes composited over a base opaque layer. Drawing happens
// through a small session state machine (idle → drawing → idle); committed
// shapes are appended to the list and the whole list is the unit of
// persistence.
package fog

import (
	"errors"
	"math"

	"github.com/google/uuid"

	"campaign-vtt/game"
)

var (
	ErrNotDrawing     = errors.New("fog: no shape in progress")
	ErrAlreadyDrawing = errors.New("fog: shape already in progress")
)

// Session is one client's fog drawing tool. It holds at most one in-progress
// shape between Begin and Commit.
type Session struct {
	shapeType game.ShapeType
	reveal    bool
	drawing   bool
	shape     game.FogShape
	anchor    game.Point
}

// NewSession returns an idle session drawing shapes of the given type.
// When reveal is true, committed shapes punch holes in the fog instead of
// painting more of it.
func NewSession(shapeType game.ShapeType, reveal bool) *Session {
	return &Session{shapeType: shapeType, reveal: reveal}
}

func (s *Session) Drawing() bool { return s.drawing }

// SetShapeType changes the shape for the next Begin. No effect on an
// in-progress shape.
func (s *Session) SetShapeType(t game.ShapeType) { s.shapeType = t }

// SetReveal toggles between hide and reveal mode for the next Begin.
func (s *Session) SetReveal(reveal bool) { s.reveal = reveal }

// Begin opens a new shape anchored at the pointer position.
func (s *Session) Begin(p game.Point) error {
	if s.drawing {
		return ErrAlreadyDrawing
	}
	s.drawing = true
	s.anchor = p
	s.shape = game.FogShape{
		Type:       s.shapeType,
		X:          p.X,
		Y:          p.Y,
		Subtracted: s.reveal,
	}
	if s.shapeType == game.ShapePolygon {
		s.shape.Points = []game.Point{p}
	}
	return nil
}

// Update extends the in-progress shape to the pointer position: rects grow by
// signed deltas from the anchor, circles by Euclidean distance from the
// center, polygons accumulate a point per move event.
func (s *Session) Update(p game.Point) error {
	if !s.drawing {
		return ErrNotDrawing
	}
	switch s.shape.Type {
	case game.ShapeRect:
		s.shape.Width = p.X - s.anchor.X
		s.shape.Height = p.Y - s.anchor.Y
	case game.ShapeCircle:
		s.shape.Radius = math.Hypot(p.X-s.anchor.X, p.Y-s.anchor.Y)
	case game.ShapePolygon:
		s.shape.Points = append(s.shape.Points, p)
	}
	return nil
}

// Current returns the in-progress shape for live preview rendering.
func (s *Session) Current() (game.FogShape, bool) {
	return s.shape, s.drawing
}

// Commit finalizes the in-progress shape: normalizes its geometry, assigns a
// fresh id, and returns the existing list with the shape appended. The
// returned list is what gets persisted, wholesale. Zero-size shapes (a click
// without a drag) are committed too; they render as nothing, which is
// harmless.
func (s *Session) Commit(existing []game.FogShape) ([]game.FogShape, error) {
	if !s.drawing {
		return existing, ErrNotDrawing
	}
	s.drawing = false
	shape := Normalize(s.shape)
	shape.ID = uuid.NewString()
	out := make([]game.FogShape, 0, len(existing)+1)
	out = append(out, existing...)
	out = append(out, shape)
	return out, nil
}

// Cancel discards the in-progress shape.
func (s *Session) Cancel() {
	s.drawing = false
	s.shape = game.FogShape{}
}

// Normalize fixes up rects drawn up or left of their anchor so width and
// height are non-negative, moving the origin so the visual rectangle is
// unchanged. Other shape types pass through.
func Normalize(sh game.FogShape) game.FogShape {
	if sh.Type != game.ShapeRect {
		return sh
	}
	if sh.Width < 0 {
		sh.X += sh.Width
		sh.Width = -sh.Width
	}
	if sh.Height < 0 {
		sh.Y += sh.Height
		sh.Height = -sh.Height
	}
	return sh
}
