package game

import "math"

// ToolMode selects which gesture handlers are live. Each gesture consults the
// viewport before acting, so e.g. a drag over a token pans the stage rather
// than moving the token unless the select tool is active.
type ToolMode string

const (
	ToolSelect  ToolMode = "select"
	ToolPan     ToolMode = "pan"
	ToolMeasure ToolMode = "measure"
	ToolFog     ToolMode = "fog"
)

const (
	MinZoom      = 0.1
	MaxZoom      = 10
	zoomPerNotch = 1.1
)

// StageTransform is the pan/zoom transform mapping world (map-pixel) space to
// screen space: screen = world*Scale + (X, Y).
type StageTransform struct {
	Scale float64 `json:"scale"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Viewport is per-client interaction state. It is process-local and never
// persisted or synchronized.
type Viewport struct {
	Stage            StageTransform
	Tool             ToolMode
	GridSize         float64
	GridType         string
	GridColor        string
	GridOpacity      float64
	WeatherEffect    string
	WeatherIntensity float64
	SelectedTokenID  string
}

func NewViewport(gridSize float64) *Viewport {
	return &Viewport{
		Stage:    StageTransform{Scale: 1},
		Tool:     ToolSelect,
		GridSize: gridSize,
	}
}

func (v *Viewport) SetTool(t ToolMode) { v.Tool = t }

func (v *Viewport) CanDragToken() bool { return v.Tool == ToolSelect }
func (v *Viewport) CanPan() bool       { return v.Tool == ToolPan }
func (v *Viewport) CanMeasure() bool   { return v.Tool == ToolMeasure }
func (v *Viewport) CanDrawFog() bool   { return v.Tool == ToolFog }

// ClickEmpty handles a click on empty canvas space: with the select tool it
// clears the current token selection, otherwise it does nothing.
func (v *Viewport) ClickEmpty() {
	if v.Tool == ToolSelect {
		v.SelectedTokenID = ""
	}
}

// ZoomAt applies notches wheel steps (positive zooms in) keeping the world
// point under the cursor fixed: new_pan = cursor - (cursor-old_pan) *
// new_scale/old_scale. Scale is multiplicative, ±10% per notch, clamped to
// [MinZoom, MaxZoom].
func ZoomAt(st StageTransform, cursor Point, notches int) StageTransform {
	scale := st.Scale * math.Pow(zoomPerNotch, float64(notches))
	scale = math.Max(MinZoom, math.Min(MaxZoom, scale))
	if scale == st.Scale {
		return st
	}
	ratio := scale / st.Scale
	return StageTransform{
		Scale: scale,
		X:     cursor.X - (cursor.X-st.X)*ratio,
		Y:     cursor.Y - (cursor.Y-st.Y)*ratio,
	}
}

// PanBy shifts the stage by a screen-space delta.
func PanBy(st StageTransform, dx, dy float64) StageTransform {
	st.X += dx
	st.Y += dy
	return st
}

// WorldPoint converts a screen position to world (map-pixel) space under the
// given transform.
func WorldPoint(st StageTransform, screen Point) Point {
	return Point{
		X: (screen.X - st.X) / st.Scale,
		Y: (screen.Y - st.Y) / st.Scale,
	}
}

// Measure returns the ruler distance between two world points in pixels. A
// zero-distance measurement is degenerate but harmless.
func Measure(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}
