package monitor

import (
	"math"
	"time"
)

// intervalStats summarizes the spacing of a request series.
type intervalStats struct {
	Count  int
	MeanMs float64
	StdMs  float64
}

// interArrivalStats computes mean and population standard deviation of
// consecutive inter-arrival gaps, in milliseconds. Timestamps must be
// in ascending order.
func interArrivalStats(times []time.Time) intervalStats {
	if len(times) < 2 {
		return intervalStats{}
	}

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		intervals = append(intervals, float64(gap)/float64(time.Millisecond))
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var sqDiff float64
	for _, v := range intervals {
		d := v - mean
		sqDiff += d * d
	}
	std := math.Sqrt(sqDiff / float64(len(intervals)))

	return intervalStats{
		Count:  len(intervals),
		MeanMs: mean,
		StdMs:  std,
	}
}
