// SPDX-License-Identifier: MIT

package geom

// ArcLengths returns the cumulative distance along the path, indexed by path
// point. The table has exactly len(path) entries and is non-decreasing;
// entry 0 is 0.
func ArcLengths(path []Point) []float64 {
	if len(path) == 0 {
		return nil
	}
	arc := make([]float64, len(path))
	for i := 1; i < len(path); i++ {
		arc[i] = arc[i-1] + Dist(path[i-1], path[i])
	}
	return arc
}

// Perimeter returns the total length of the path, 0 for an empty table.
func Perimeter(arc []float64) float64 {
	if len(arc) == 0 {
		return 0
	}
	return arc[len(arc)-1]
}

// PointAt interpolates the path point at the given progress fraction.
// Returns the first point when the table is degenerate.
func PointAt(path []Point, arc []float64, progress float64) Point {
	if len(path) == 0 {
		return Point{}
	}
	total := Perimeter(arc)
	if total <= 0 || len(path) != len(arc) {
		return path[0]
	}
	for progress < 0 {
		progress++
	}
	for progress >= 1 {
		progress--
	}
	target := progress * total
	for i := 1; i < len(arc); i++ {
		if arc[i] >= target {
			span := arc[i] - arc[i-1]
			if span <= 0 {
				return path[i]
			}
			t := (target - arc[i-1]) / span
			return Point{
				X: path[i-1].X + (path[i].X-path[i-1].X)*t,
				Y: path[i-1].Y + (path[i].Y-path[i-1].Y)*t,
			}
		}
	}
	return path[len(path)-1]
}
