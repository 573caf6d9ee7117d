package routeopt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

func wp(jobID string, lat, lon float64) models.Waypoint {
	return models.Waypoint{JobID: jobID, Kind: models.WaypointDelivery, Loc: models.Coord{Lat: lat, Lon: lon}, ServiceMin: 10}
}

func TestNearestNeighborEmpty(t *testing.T) {
	m := buildMatrix(models.Coord{Lat: 40.7, Lon: -74.0}, nil)
	if order := nearestNeighbor(m); len(order) != 0 {
		t.Fatalf("order = %v, want empty", order)
	}
}

func TestTwoOptNeverWorseThanNearestNeighbor(t *testing.T) {
	start := models.Coord{Lat: 40.70, Lon: -74.00}
	sets := [][]models.Waypoint{
		{wp("a", 40.71, -74.01), wp("b", 40.75, -73.98), wp("c", 40.68, -74.05)},
		{wp("a", 40.80, -74.00), wp("b", 40.71, -74.01), wp("c", 40.75, -74.00), wp("d", 40.69, -73.95)},
		{wp("a", 40.72, -74.02), wp("b", 40.72, -73.98), wp("c", 40.78, -74.00),
			wp("d", 40.66, -74.00), wp("e", 40.70, -74.10), wp("f", 40.74, -73.94)},
	}
	for i, wps := range sets {
		m := buildMatrix(start, wps)
		nn := nearestNeighbor(m)
		opt := twoOpt(m, append([]int{}, nn...))
		if sequenceCost(m, opt) > sequenceCost(m, nn)+1e-12 {
			t.Errorf("set %d: 2-opt cost %.6f exceeds NN cost %.6f", i, sequenceCost(m, opt), sequenceCost(m, nn))
		}
	}
}

func TestTwoOptIsPermutation(t *testing.T) {
	start := models.Coord{Lat: 40.70, Lon: -74.00}
	wps := []models.Waypoint{
		wp("a", 40.72, -74.02), wp("b", 40.72, -73.98), wp("c", 40.78, -74.00),
		wp("d", 40.66, -74.00), wp("e", 40.70, -74.10),
	}
	m := buildMatrix(start, wps)
	order := twoOpt(m, nearestNeighbor(m))

	if len(order) != len(wps) {
		t.Fatalf("order length %d, want %d", len(order), len(wps))
	}
	seen := make(map[int]bool)
	for _, idx := range order {
		if idx < 0 || idx >= len(wps) || seen[idx] {
			t.Fatalf("order %v is not a permutation", order)
		}
		seen[idx] = true
	}
}

// Three waypoints arranged northward: the only sensible tour visits them in
// latitude order, and the total must equal the hand-assembled haversine sum.
func TestThreeWaypointKnownSequence(t *testing.T) {
	start := models.Coord{Lat: 40.70, Lon: -74.00}
	near := wp("near", 40.71, -74.01)
	mid := wp("mid", 40.75, -74.00)
	farPt := wp("far", 40.80, -74.00)
	wps := []models.Waypoint{farPt, near, mid} // deliberately shuffled input

	m := buildMatrix(start, wps)
	order := twoOpt(m, nearestNeighbor(m))

	want := []int{1, 2, 0} // near, mid, far
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	wantKm := geo.Haversine(start, near.Loc) +
		geo.Haversine(near.Loc, mid.Loc) +
		geo.Haversine(mid.Loc, farPt.Loc)
	if got := sequenceCost(m, order); math.Abs(got-wantKm) > 1e-9 {
		t.Fatalf("cost = %.9f, want %.9f", got, wantKm)
	}
}

// The time-weighted matrix is asymmetric, so a reversal also changes the
// cost of every interior edge. 2-opt must still never return a worse order
// than its input under that objective.
func TestTwoOptNeverWorseOnTimeWeightedMatrix(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := 4 + rng.Intn(5)
		wps := make([]models.Waypoint, n)
		for i := range wps {
			wps[i] = models.Waypoint{
				JobID:      "j",
				Kind:       models.WaypointDelivery,
				Loc:        models.Coord{Lat: 40.60 + rng.Float64()*0.3, Lon: -74.10 + rng.Float64()*0.3},
				ServiceMin: float64(rng.Intn(30)),
			}
		}
		start := models.Coord{Lat: 40.70, Lon: -74.00}
		tm := buildMatrix(start, wps).timeWeighted(wps, 40)

		nn := nearestNeighbor(tm)
		opt := twoOpt(tm, append([]int{}, nn...))
		if sequenceCost(tm, opt) > sequenceCost(tm, nn)+1e-9 {
			t.Fatalf("iter %d: 2-opt time-cost %.6f exceeds input %.6f, order %v -> %v",
				iter, sequenceCost(tm, opt), sequenceCost(tm, nn), nn, opt)
		}
	}
}

func TestTimeWeightedMatrixAddsServiceTime(t *testing.T) {
	start := models.Coord{Lat: 40.70, Lon: -74.00}
	a := wp("a", 40.71, -74.00)
	a.ServiceMin = 30
	wps := []models.Waypoint{a}

	m := buildMatrix(start, wps)
	tm := m.timeWeighted(wps, 40)

	wantMin := m.cost[0][1]/40*60 + 30
	if math.Abs(tm.cost[0][1]-wantMin) > 1e-9 {
		t.Fatalf("time cost = %.6f, want %.6f", tm.cost[0][1], wantMin)
	}
}
