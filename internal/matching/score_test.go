package matching

import (
	"math"
	"testing"

	"github.com/example/courier-dispatch/internal/models"
)

func courier(id string, rating float64, completed int) models.CourierProfile {
	return models.CourierProfile{
		ID: id, VehicleType: "motorbike", Rating: rating, Completed: completed,
		Active: true, Verified: true, Online: true, Availability: models.AvailabilityAvailable,
	}
}

func TestCloserCourierScoresHigher(t *testing.T) {
	near := candidate{courier: courier("near", 4.0, 50), distanceKm: 2}
	far := candidate{courier: courier("far", 4.0, 50), distanceKm: 9}
	m := maximaOf([]candidate{near, far})

	sn := score(near, m, 5)
	sf := score(far, m, 5)
	if sn.Total <= sf.Total {
		t.Fatalf("near total %.2f should beat far total %.2f", sn.Total, sf.Total)
	}
}

func TestScoreBreakdownVeteranVsNearby(t *testing.T) {
	// courier A: 10 km away, rating 4.8, 200 deliveries
	// courier B: 2 km away, rating 3.0, 10 deliveries
	a := candidate{courier: courier("a", 4.8, 200), distanceKm: 10, priority: models.PriorityMedium}
	b := candidate{courier: courier("b", 3.0, 10), distanceKm: 2, priority: models.PriorityMedium}
	m := maximaOf([]candidate{a, b})

	sa := score(a, m, 5)
	sb := score(b, m, 5)

	wantA := map[string]float64{
		"distance": 0, "rating": 24, "experience": 20,
		"workload": 10, "availability": 5, "bonus": 2, "total": 61,
	}
	wantB := map[string]float64{
		"distance": 32, "rating": 15, "experience": 1,
		"workload": 10, "availability": 5, "bonus": 0, "total": 63,
	}
	checkBreakdown(t, "a", sa, wantA)
	checkBreakdown(t, "b", sb, wantB)

	if sb.Total <= sa.Total {
		t.Fatalf("distance advantage should dominate: b=%.4f a=%.4f", sb.Total, sa.Total)
	}
}

func checkBreakdown(t *testing.T, name string, got models.ScoreBreakdown, want map[string]float64) {
	t.Helper()
	fields := map[string]float64{
		"distance": got.Distance, "rating": got.Rating, "experience": got.Experience,
		"workload": got.Workload, "availability": got.Availability, "bonus": got.Bonus,
		"total": got.Total,
	}
	for k, w := range want {
		if math.Abs(fields[k]-w) > 1e-9 {
			t.Errorf("%s: %s = %.6f, want %.6f", name, k, fields[k], w)
		}
	}
}

func TestPriorityBonuses(t *testing.T) {
	cases := []struct {
		priority models.JobPriority
		rating   float64
		want     float64
	}{
		{models.PriorityUrgent, 4.6, 10},
		{models.PriorityUrgent, 4.4, 0},
		{models.PriorityHigh, 4.2, 5},
		{models.PriorityHigh, 3.9, 0},
		{models.PriorityMedium, 3.6, 2},
		{models.PriorityMedium, 3.4, 0},
		{models.PriorityLow, 5.0, 0},
	}
	for _, tc := range cases {
		c := candidate{courier: courier("x", tc.rating, 0), priority: tc.priority}
		got := score(c, maximaOf([]candidate{c}), 5).Bonus
		if got != tc.want {
			t.Errorf("priority %s rating %.1f: bonus %.1f, want %.1f", tc.priority, tc.rating, got, tc.want)
		}
	}
}

func TestCapacityHeadroomBonus(t *testing.T) {
	c := candidate{courier: courier("x", 3.0, 0), newWeightKg: 10, inFlightKg: 20}
	c.courier.CapacityKg = 50 // (20+10)/50 = 0.6
	if got := score(c, maximaOf([]candidate{c}), 5).Bonus; got != 3 {
		t.Fatalf("headroom bonus = %.1f, want 3", got)
	}
	c.courier.CapacityKg = 35 // (20+10)/35 > 0.8
	if got := score(c, maximaOf([]candidate{c}), 5).Bonus; got != 0 {
		t.Fatalf("over-threshold bonus = %.1f, want 0", got)
	}
}

func TestVehicleMismatchPenalty(t *testing.T) {
	match := candidate{courier: courier("m", 4.0, 0), requiredType: "motorbike"}
	mismatch := candidate{courier: courier("x", 4.0, 0), requiredType: "van"}
	m := maximaOf([]candidate{match, mismatch})

	sm := score(match, m, 5)
	sx := score(mismatch, m, 5)
	if math.Abs(sx.Total-0.7*sm.Total) > 1e-9 {
		t.Fatalf("mismatch total %.4f, want %.4f", sx.Total, 0.7*sm.Total)
	}
}

func TestRankOrdersBestFirst(t *testing.T) {
	cands := []candidate{
		{courier: courier("far", 3.0, 10), distanceKm: 20},
		{courier: courier("near", 4.5, 100), distanceKm: 1},
		{courier: courier("mid", 4.0, 40), distanceKm: 8},
	}
	out := rank(cands, 5)
	if out[0].CourierID != "near" {
		t.Fatalf("best = %s, want near", out[0].CourierID)
	}
	for i := 1; i < len(out); i++ {
		if out[i].Total > out[i-1].Total {
			t.Fatalf("rank not sorted at %d", i)
		}
	}
}
