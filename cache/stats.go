package cache

import (
	"fmt"
	"slices"
	"strings"
	"time"

	pq "github.com/emirpasic/gods/queues/priorityqueue"
	"gonum.org/v1/gonum/stat"
)

// expectedSpeedup is the nominal speedup of skipping every second step. It
// is a label, not a measurement.
const expectedSpeedup = 2.0

// Stats is a snapshot of cache statistics.
type Stats struct {
	Session string

	Calls int
	Skips int

	// Computes holds one record per real computation, in call order.
	Computes []Compute

	// Wall is the time spent serving all calls, skips included.
	Wall time.Duration
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Session:  c.session,
		Calls:    c.calls,
		Skips:    c.skips,
		Computes: slices.Clone(c.computes),
		Wall:     c.wall,
	}
}

// Report returns the formatted statistics of the current session.
func (c *Cache) Report() string {
	return c.Stats().String()
}

// HitRate is the fraction of calls served from the cache.
func (s Stats) HitRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Skips) / float64(s.Calls)
}

// AverageCompute is the mean duration of a real computation.
func (s Stats) AverageCompute() time.Duration {
	if len(s.Computes) == 0 {
		return 0
	}

	ns := make([]float64, len(s.Computes))
	for i, c := range s.Computes {
		ns[i] = float64(c.Elapsed)
	}
	return time.Duration(stat.Mean(ns, nil))
}

// ExpectedSpeedup is a coarse label: 2.0 once anything was skipped, else 1.0.
func (s Stats) ExpectedSpeedup() float64 {
	if s.Skips > 0 {
		return expectedSpeedup
	}
	return 1.0
}

// MeasuredSpeedup estimates the speedup as the time all calls would have
// taken at the average compute duration over the time they actually took.
func (s Stats) MeasuredSpeedup() float64 {
	avg := s.AverageCompute()
	if avg <= 0 || s.Wall <= 0 {
		return 1.0
	}
	return float64(s.Calls) * float64(avg) / float64(s.Wall)
}

// Slowest returns up to k real computations ordered from slowest to fastest.
// Ties keep call order.
func (s Stats) Slowest(k int) []Compute {
	q := pq.NewWith(func(a, b any) int {
		x, y := a.(Compute), b.(Compute)
		switch {
		case x.Elapsed > y.Elapsed:
			return -1
		case x.Elapsed < y.Elapsed:
			return 1
		default:
			return x.Call - y.Call
		}
	})

	for _, c := range s.Computes {
		q.Enqueue(c)
	}

	var slowest []Compute
	for len(slowest) < k {
		v, ok := q.Dequeue()
		if !ok {
			break
		}
		slowest = append(slowest, v.(Compute))
	}
	return slowest
}

func (s Stats) String() string {
	var sb strings.Builder
	sb.WriteString("Step cache statistics:\n")
	fmt.Fprintf(&sb, "Session: %s\n", s.Session)
	fmt.Fprintf(&sb, "Total forward calls: %d\n", s.Calls)
	fmt.Fprintf(&sb, "Cache hits: %d\n", s.Skips)
	fmt.Fprintf(&sb, "Hit rate: %.1f%%\n", s.HitRate()*100)
	fmt.Fprintf(&sb, "Average compute time: %.3fs\n", s.AverageCompute().Seconds())
	fmt.Fprintf(&sb, "Expected speedup: %.1fx\n", s.ExpectedSpeedup())
	fmt.Fprintf(&sb, "Measured speedup: %.1fx", s.MeasuredSpeedup())
	return sb.String()
}
