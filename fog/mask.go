package fog

import (
	"image"
	"sort"

	"campaign-vtt/game"
)

// RenderMask rasterizes a fog document into an alpha mask of the map's size.
// Alpha 255 means hidden (fog drawn), 0 means visible. The base layer is
// fully opaque; shapes then composite strictly in list order: a normal shape
// paints opaque (source-over), a subtracted shape erases to transparent
// (destination-out). A revealed document bypasses the layer entirely and
// returns an all-transparent mask.
func RenderMask(doc game.FogDocument, width, height int) *image.Alpha {
	mask := image.NewAlpha(image.Rect(0, 0, width, height))
	if doc.Revealed {
		return mask
	}
	for i := range mask.Pix {
		mask.Pix[i] = 0xff
	}
	for _, sh := range doc.Shapes {
		var value uint8 = 0xff
		if sh.Subtracted {
			value = 0
		}
		paintShape(mask, sh, value)
	}
	return mask
}

func paintShape(mask *image.Alpha, sh game.FogShape, value uint8) {
	switch sh.Type {
	case game.ShapeRect:
		sh = Normalize(sh)
		fillRect(mask, int(sh.X), int(sh.Y), int(sh.X+sh.Width), int(sh.Y+sh.Height), value)
	case game.ShapeCircle:
		fillCircle(mask, sh.X, sh.Y, sh.Radius, value)
	case game.ShapePolygon:
		fillPolygon(mask, sh.Points, value)
	}
}

func fillRect(mask *image.Alpha, x0, y0, x1, y1 int, value uint8) {
	b := mask.Bounds()
	for y := max(y0, b.Min.Y); y < min(y1, b.Max.Y); y++ {
		for x := max(x0, b.Min.X); x < min(x1, b.Max.X); x++ {
			mask.Pix[mask.PixOffset(x, y)] = value
		}
	}
}

func fillCircle(mask *image.Alpha, cx, cy, r float64, value uint8) {
	if r <= 0 {
		return
	}
	b := mask.Bounds()
	for y := max(int(cy-r), b.Min.Y); y <= min(int(cy+r), b.Max.Y-1); y++ {
		for x := max(int(cx-r), b.Min.X); x <= min(int(cx+r), b.Max.X-1); x++ {
			dx := float64(x) + 0.5 - cx
			dy := float64(y) + 0.5 - cy
			if dx*dx+dy*dy <= r*r {
				mask.Pix[mask.PixOffset(x, y)] = value
			}
		}
	}
}

// fillPolygon uses even-odd scanline crossing. Degenerate polygons with fewer
// than three points paint nothing.
func fillPolygon(mask *image.Alpha, pts []game.Point, value uint8) {
	if len(pts) < 3 {
		return
	}
	minY, maxY := pts[0].Y, pts[0].Y
	for _, p := range pts[1:] {
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	b := mask.Bounds()
	for y := max(int(minY), b.Min.Y); y <= min(int(maxY), b.Max.Y-1); y++ {
		fy := float64(y) + 0.5
		var xs []float64
		j := len(pts) - 1
		for i := range pts {
			a, c := pts[i], pts[j]
			if (a.Y > fy) != (c.Y > fy) {
				xs = append(xs, a.X+(fy-a.Y)/(c.Y-a.Y)*(c.X-a.X))
			}
			j = i
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			fillRect(mask, int(xs[i]), y, int(xs[i+1])+1, y+1, value)
		}
	}
}
