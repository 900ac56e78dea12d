package health

import "time"

// ScoreInput holds the signals the health score is derived from.
type ScoreInput struct {
	// Utilization is pool utilization in percent.
	Utilization float64

	// ConnectionErrors is the number of connection errors in the window.
	ConnectionErrors int

	// SlowQueries and TotalQueries give the slow-query ratio.
	SlowQueries  int
	TotalQueries int

	// LastStorm is when the last storm was detected. Zero means never.
	LastStorm time.Time

	// Now is the evaluation time.
	Now time.Time
}

// ComputeScore derives a 0-100 health score. It starts at 100 and
// subtracts one penalty per signal band:
//
//	utilization       >90% -30   >75% -15   >60% -5
//	connection errors >10  -20   >5   -10   >0   -5
//	slow query ratio  >20% -20   >10% -10   >5%  -5
//	last storm        <1m  -20   <5m  -10
//
// The result is clamped to [0, 100].
func ComputeScore(in ScoreInput) int {
	score := 100

	switch {
	case in.Utilization > 90:
		score -= 30
	case in.Utilization > 75:
		score -= 15
	case in.Utilization > 60:
		score -= 5
	}

	switch {
	case in.ConnectionErrors > 10:
		score -= 20
	case in.ConnectionErrors > 5:
		score -= 10
	case in.ConnectionErrors > 0:
		score -= 5
	}

	if in.TotalQueries > 0 {
		ratio := float64(in.SlowQueries) / float64(in.TotalQueries)
		switch {
		case ratio > 0.20:
			score -= 20
		case ratio > 0.10:
			score -= 10
		case ratio > 0.05:
			score -= 5
		}
	}

	if !in.LastStorm.IsZero() {
		since := in.Now.Sub(in.LastStorm)
		switch {
		case since < time.Minute:
			score -= 20
		case since < 5*time.Minute:
			score -= 10
		}
	}

	return min(max(score, 0), 100)
}
