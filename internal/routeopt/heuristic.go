package routeopt

import (
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

// costMatrix holds pairwise leg costs. Index 0 is the start location;
// waypoint i maps to row/column i+1.
type costMatrix struct {
	n    int
	cost [][]float64
}

// buildMatrix precomputes pairwise great-circle distances in km.
func buildMatrix(start models.Coord, wps []models.Waypoint) *costMatrix {
	n := len(wps) + 1
	points := make([]models.Coord, n)
	points[0] = start
	for i, w := range wps {
		points[i+1] = w.Loc
	}
	m := &costMatrix{n: n, cost: make([][]float64, n)}
	for i := 0; i < n; i++ {
		m.cost[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i != j {
				m.cost[i][j] = geo.Haversine(points[i], points[j])
			}
		}
	}
	return m
}

// timeWeighted returns a copy of the matrix where each leg into waypoint j
// costs travel minutes plus j's service duration. Used by the time-only
// objective so stops with long service sink in the ordering.
func (m *costMatrix) timeWeighted(wps []models.Waypoint, speedKmh float64) *costMatrix {
	out := &costMatrix{n: m.n, cost: make([][]float64, m.n)}
	for i := 0; i < m.n; i++ {
		out.cost[i] = make([]float64, m.n)
		for j := 0; j < m.n; j++ {
			if i == j {
				continue
			}
			minutes := m.cost[i][j] / speedKmh * 60
			if j > 0 {
				minutes += wps[j-1].ServiceMin
			}
			out.cost[i][j] = minutes
		}
	}
	return out
}

// nearestNeighbor builds an initial visiting order over waypoint indices
// (0-based into the waypoint slice), starting from the start location.
func nearestNeighbor(m *costMatrix) []int {
	nw := m.n - 1
	if nw == 0 {
		return nil
	}
	visited := make([]bool, nw)
	order := make([]int, 0, nw)
	current := 0 // matrix index of start
	for len(order) < nw {
		best := -1
		bestCost := 0.0
		for i := 0; i < nw; i++ {
			if visited[i] {
				continue
			}
			c := m.cost[current][i+1]
			if best == -1 || c < bestCost {
				best = i
				bestCost = c
			}
		}
		visited[best] = true
		order = append(order, best)
		current = best + 1
	}
	return order
}

// twoOpt improves the order by reversing subsequences while any reversal
// strictly reduces total cost. The output cost never exceeds the input cost.
func twoOpt(m *costMatrix, order []int) []int {
	n := len(order)
	if n < 3 {
		return order
	}
	out := make([]int, n)
	copy(out, order)
	improved := true
	for improved {
		improved = false
		for i := 0; i < n-1; i++ {
			for j := i + 1; j < n; j++ {
				if delta := reversalDelta(m, out, i, j); delta < -1e-12 {
					reverse(out, i, j)
					improved = true
				}
			}
		}
	}
	return out
}

// reversalDelta is the cost change from reversing out[i..j]. Interior edges
// flip direction too, and the time-weighted matrix is asymmetric (each leg
// carries its destination's service minutes), so they are recomputed rather
// than assumed equal both ways.
func reversalDelta(m *costMatrix, order []int, i, j int) float64 {
	prev := 0 // start
	if i > 0 {
		prev = order[i-1] + 1
	}
	a, b := order[i]+1, order[j]+1
	removed := m.cost[prev][a]
	added := m.cost[prev][b]
	if j < len(order)-1 {
		next := order[j+1] + 1
		removed += m.cost[b][next]
		added += m.cost[a][next]
	}
	for k := i; k < j; k++ {
		u, v := order[k]+1, order[k+1]+1
		removed += m.cost[u][v]
		added += m.cost[v][u]
	}
	return added - removed
}

func reverse(order []int, i, j int) {
	for i < j {
		order[i], order[j] = order[j], order[i]
		i++
		j--
	}
}

// sequenceCost totals the leg costs of visiting waypoints in order from start.
func sequenceCost(m *costMatrix, order []int) float64 {
	total := 0.0
	current := 0
	for _, idx := range order {
		total += m.cost[current][idx+1]
		current = idx + 1
	}
	return total
}
