// SPDX-License-Identifier: MIT

package geom

import (
	"math"
	"sort"
)

// Corner is a numbered apex on the centerline.
type Corner struct {
	Number   int     `json:"number"`
	Progress float64 `json:"progress"`
	Point    Point   `json:"point"`
	Angle    float64 `json:"angle"` // turning angle at the apex, radians
}

const (
	// cornerAngleThreshold is the minimum turning angle for a point to
	// count as part of a corner.
	cornerAngleThreshold = 0.06

	// cornerLookahead spans the turning-angle measurement across noise.
	cornerLookahead = 5
)

// DetectCorners finds apexes on a closed centerline by locating local maxima
// of the turning angle. Corners are numbered in track order from the given
// start/finish progress. ok is false for degenerate paths.
func DetectCorners(path []Point, arc []float64, startFinish float64) ([]Corner, bool) {
	n := len(path)
	if n < 3*cornerLookahead || len(arc) != n {
		return nil, false
	}
	total := Perimeter(arc)
	if total <= 0 {
		return nil, false
	}

	angles := make([]float64, n)
	for i := range path {
		prev := path[((i-cornerLookahead)%n+n)%n]
		next := path[(i+cornerLookahead)%n]
		cur := path[i]
		a1 := math.Atan2(cur.Y-prev.Y, cur.X-prev.X)
		a2 := math.Atan2(next.Y-cur.Y, next.X-cur.X)
		d := math.Abs(a2 - a1)
		if d > math.Pi {
			d = 2*math.Pi - d
		}
		angles[i] = d
	}

	// Local maxima with non-maximum suppression over the lookahead span.
	type apex struct {
		idx   int
		angle float64
	}
	var apexes []apex
	for i := range angles {
		if angles[i] < cornerAngleThreshold {
			continue
		}
		isMax := true
		for d := -cornerLookahead; d <= cornerLookahead; d++ {
			j := ((i+d)%n + n) % n
			if angles[j] > angles[i] {
				isMax = false
				break
			}
		}
		if isMax {
			apexes = append(apexes, apex{idx: i, angle: angles[i]})
		}
	}
	if len(apexes) == 0 {
		return nil, false
	}

	corners := make([]Corner, 0, len(apexes))
	for _, a := range apexes {
		corners = append(corners, Corner{
			Progress: arc[a.idx] / total,
			Point:    path[a.idx],
			Angle:    a.angle,
		})
	}
	// Number in track order starting at the start/finish line.
	sortCornersFrom(corners, startFinish)
	for i := range corners {
		corners[i].Number = i + 1
	}
	return corners, true
}

func sortCornersFrom(corners []Corner, startFinish float64) {
	sort.Slice(corners, func(i, j int) bool {
		return ForwardDistance(startFinish, corners[i].Progress) <
			ForwardDistance(startFinish, corners[j].Progress)
	})
}
