package regionmask

// Point is a normalized [0,1] image coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FromPolygon marks every cell of a rows x cols grid whose centre lies inside
// the polygon. Polygons with fewer than three points produce an empty mask.
func FromPolygon(rows, cols int, poly []Point) Mask {
	var m Mask
	if len(poly) < 3 || rows <= 0 || cols <= 0 || rows*cols > Bits {
		return m
	}
	for r := 0; r < rows; r++ {
		cy := (float64(r) + 0.5) / float64(rows)
		for c := 0; c < cols; c++ {
			cx := (float64(c) + 0.5) / float64(cols)
			if pointInPolygon(cx, cy, poly) {
				m.Set(r*cols + c)
			}
		}
	}
	return m
}

// even-odd ray cast
func pointInPolygon(x, y float64, poly []Point) bool {
	inside := false
	j := len(poly) - 1
	for i := range poly {
		pi, pj := poly[i], poly[j]
		if (pi.Y > y) != (pj.Y > y) {
			xCross := (pj.X-pi.X)*(y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if x < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}
