package metrics

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultRelativeAccuracy is the quantile accuracy used by the CLI.
const DefaultRelativeAccuracy = 0.01

// LatencyTracker keeps a DDSketch of durations per repository operation.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a tracker whose quantile estimates are within
// relativeAccuracy of the true value (0.01 = 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record adds a duration, in milliseconds, to the operation's sketch.
func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(DefaultRelativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}
	_ = sketch.Add(float64(d.Microseconds()) / 1000.0)
}

// Quantile returns the estimated latency in milliseconds at q (0..1).
func (lt *LatencyTracker) Quantile(operation string, q float64) (float64, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		return 0, fmt.Errorf("no data for operation: %s", operation)
	}
	return sketch.GetValueAtQuantile(q)
}

// Stats summarizes one operation, in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}

func (lt *LatencyTracker) Stats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

// AllStats returns the stats of every recorded operation, sorted by name.
func (lt *LatencyTracker) AllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	ops := make([]string, 0, len(lt.sketches))
	for op := range lt.sketches {
		ops = append(ops, op)
	}
	slices.Sort(ops)

	out := make([]Stats, 0, len(ops))
	for _, op := range ops {
		if s, err := lt.statsLocked(op); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (lt *LatencyTracker) statsLocked(operation string) (Stats, error) {
	sketch, ok := lt.sketches[operation]
	if !ok {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: operation}, nil
	}

	lo, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	hi, _ := sketch.GetMaxValue()
	return Stats{
		Operation: operation,
		Count:     int64(count),
		Min:       lo,
		P50:       p50,
		P90:       p90,
		P99:       p99,
		Max:       hi,
	}, nil
}
