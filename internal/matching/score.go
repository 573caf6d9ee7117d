package matching

import "github.com/example/courier-dispatch/internal/models"

// candidate pairs a courier with their precomputed facts for one job.
type candidate struct {
	courier      models.CourierProfile
	distanceKm   float64
	openJobs     int
	inFlightKg   float64
	newWeightKg  float64
	requiredType string
	priority     models.JobPriority
}

// poolMaxima holds the normalization denominators taken from the candidate
// pool. Scores are pool-relative: the same courier can score differently
// depending on who else is in the pool at call time.
type poolMaxima struct {
	distanceKm float64
	deliveries int
}

func maximaOf(cands []candidate) poolMaxima {
	var m poolMaxima
	for _, c := range cands {
		if c.distanceKm > m.distanceKm {
			m.distanceKm = c.distanceKm
		}
		if c.courier.Completed > m.deliveries {
			m.deliveries = c.courier.Completed
		}
	}
	return m
}

// score computes the weighted candidate score: distance 40%, rating 25%,
// experience 20%, workload 10%, immediate availability 5%, plus priority
// and capacity bonuses, with a 30% penalty for a vehicle type mismatch.
func score(c candidate, m poolMaxima, jobCap int) models.ScoreBreakdown {
	b := models.ScoreBreakdown{CourierID: c.courier.ID, DistanceKm: c.distanceKm}

	if m.distanceKm > 0 {
		b.Distance = 40 * (m.distanceKm - c.distanceKm) / m.distanceKm
	} else {
		b.Distance = 40 // whole pool is at the pickup
	}
	b.Rating = 25 * c.courier.Rating / 5
	if m.deliveries > 0 {
		b.Experience = 20 * float64(c.courier.Completed) / float64(m.deliveries)
	}
	if jobCap > 0 {
		b.Workload = 10 * (1 - float64(c.openJobs)/float64(jobCap))
	}
	if c.openJobs == 0 {
		b.Availability = 5
	}

	switch {
	case c.priority == models.PriorityUrgent && c.courier.Rating >= 4.5:
		b.Bonus += 10
	case c.priority == models.PriorityHigh && c.courier.Rating >= 4.0:
		b.Bonus += 5
	case c.priority == models.PriorityMedium && c.courier.Rating >= 3.5:
		b.Bonus += 2
	}
	if c.courier.CapacityKg > 0 && c.newWeightKg > 0 {
		if (c.inFlightKg+c.newWeightKg)/c.courier.CapacityKg <= 0.8 {
			b.Bonus += 3
		}
	}

	b.Total = b.Distance + b.Rating + b.Experience + b.Workload + b.Availability + b.Bonus
	if c.requiredType != "" && c.courier.VehicleType != c.requiredType {
		b.Total *= 0.7
	}
	return b
}

// rank scores every candidate and returns breakdowns best-first. Ties keep
// the original candidate order.
func rank(cands []candidate, jobCap int) []models.ScoreBreakdown {
	m := maximaOf(cands)
	out := make([]models.ScoreBreakdown, 0, len(cands))
	for _, c := range cands {
		out = append(out, score(c, m, jobCap))
	}
	// insertion sort, stable on strict greater-than
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Total > out[j-1].Total; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
