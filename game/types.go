package game

import "time"

// Map is the board a room plays on. Dimensions are in pixels and follow the
// background image; tokens and fog shapes are positioned in map-pixel space.
type Map struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaignId"`
	Name       string `json:"name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	ImageRef   string `json:"imageRef"`
}

// SizeCategory is a token footprint class. Tokens are always square; the
// category scales the grid cell size uniformly in both axes.
type SizeCategory string

const (
	SizeTiny       SizeCategory = "tiny"
	SizeSmall      SizeCategory = "small"
	SizeMedium     SizeCategory = "medium"
	SizeLarge      SizeCategory = "large"
	SizeHuge       SizeCategory = "huge"
	SizeGargantuan SizeCategory = "gargantuan"
)

// Multiplier returns the grid-cell multiplier for the category. Unknown
// categories render as medium.
func (s SizeCategory) Multiplier() float64 {
	switch s {
	case SizeTiny:
		return 0.5
	case SizeSmall:
		return 0.8
	case SizeLarge:
		return 2
	case SizeHuge:
		return 3
	case SizeGargantuan:
		return 4
	default:
		return 1
	}
}

// Token is a movable map marker representing a character or monster. The map
// owns its tokens; CharacterID is a weak reference used for display lookup
// only.
type Token struct {
	ID          string       `json:"id"`
	MapID       string       `json:"mapId"`
	CharacterID string       `json:"characterId,omitempty"`
	MonsterRef  string       `json:"monsterRef,omitempty"`
	Name        string       `json:"name"`
	X           float64      `json:"x"`
	Y           float64      `json:"y"`
	Size        SizeCategory `json:"size"`
	Color       string       `json:"color"`
	ImageRef    string       `json:"imageRef"`
	HPCurrent   int          `json:"hpCurrent"`
	HPMax       int          `json:"hpMax"`
	UpdatedAt   time.Time    `json:"updatedAt,omitempty"`
}

// EqualState reports whether two tokens are equal in every rendered field.
// UpdatedAt is ignored: a change event that differs only in timestamp is the
// echo of a write we already applied and must be a no-op.
func (t Token) EqualState(o Token) bool {
	return t.ID == o.ID &&
		t.MapID == o.MapID &&
		t.CharacterID == o.CharacterID &&
		t.MonsterRef == o.MonsterRef &&
		t.Name == o.Name &&
		t.X == o.X &&
		t.Y == o.Y &&
		t.Size == o.Size &&
		t.Color == o.Color &&
		t.ImageRef == o.ImageRef &&
		t.HPCurrent == o.HPCurrent &&
		t.HPMax == o.HPMax
}

// Point is a position in map-pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ShapeType identifies the geometry of a fog shape.
type ShapeType string

const (
	ShapeRect    ShapeType = "rect"
	ShapeCircle  ShapeType = "circle"
	ShapePolygon ShapeType = "polygon"
)

// FogShape is one entry of a map's fog document. A shape either paints more
// hide-black (Subtracted false) or punches a reveal hole (Subtracted true).
// Only the fields relevant to Type are meaningful.
type FogShape struct {
	ID         string    `json:"id"`
	Type       ShapeType `json:"type"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width,omitempty"`
	Height     float64   `json:"height,omitempty"`
	Radius     float64   `json:"radius,omitempty"`
	Points     []Point   `json:"points,omitempty"`
	Subtracted bool      `json:"subtracted"`
}

// FogDocument is the whole fog state of one map. Shapes composite strictly in
// list order; the document is persisted and broadcast as a single atomic JSON
// value, so concurrent edits overwrite wholesale (last write wins). Revealed
// is the master switch: when true the fog layer is skipped entirely.
type FogDocument struct {
	MapID    string     `json:"mapId"`
	Revealed bool       `json:"revealed"`
	Shapes   []FogShape `json:"shapes"`
}
