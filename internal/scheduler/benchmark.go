package scheduler

import (
	"math"
	"sync"
)

// BenchmarkStats accumulates per-command running time statistics across the
// run. Written by the scheduler loop as completions arrive; the final summary
// is read once the loops have stopped.
type BenchmarkStats struct {
	mu               sync.Mutex
	min              float64
	max              float64
	total            float64
	finishedCommands int
}

// BenchmarkSummary is a point-in-time copy of the statistics, in seconds.
type BenchmarkSummary struct {
	Min              float64
	Max              float64
	Mean             float64
	Total            float64
	FinishedCommands int
}

func NewBenchmarkStats() *BenchmarkStats {
	return &BenchmarkStats{min: math.Inf(1)}
}

// Record folds in one completed job: the estimated per-command running time
// and the number of commands it finished.
func (b *BenchmarkStats) Record(commandSeconds float64, commands int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if commandSeconds < b.min {
		b.min = commandSeconds
	}
	if commandSeconds > b.max {
		b.max = commandSeconds
	}
	b.total += commandSeconds * float64(commands)
	b.finishedCommands += commands
}

func (b *BenchmarkStats) Summary() BenchmarkSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	summary := BenchmarkSummary{
		Min:              b.min,
		Max:              b.max,
		Total:            b.total,
		FinishedCommands: b.finishedCommands,
	}
	if b.finishedCommands > 0 {
		summary.Mean = b.total / float64(b.finishedCommands)
	}
	if math.IsInf(summary.Min, 1) {
		summary.Min = 0
	}
	return summary
}
