package scheduler

import (
	"sort"
	"time"

	"github.com/flotillaproject/flotilla/internal/scheduler/schedulererrors"
)

// scoreWindow is how far back completions count towards a partition's score.
const scoreWindow = 24 * time.Hour

// ScoreTracker keeps a trailing record of command completions per partition
// and derives each partition's throughput score from it.
//
// Scores are derived, never persisted: on a restart every partition starts at
// zero and the tracker is unbiased until data accumulates.
//
// ScoreTracker is owned by the scheduler loop and must not be shared between
// goroutines; completion facts reach it only through the loop's event channel.
type ScoreTracker struct {
	// Completion timestamps per partition, in the order they were recorded.
	// Timestamps are recorded with the scheduler's clock, so they are
	// non-decreasing within each slice.
	completions map[string][]time.Time
}

func NewScoreTracker(registry *PartitionRegistry) *ScoreTracker {
	completions := make(map[string][]time.Time, registry.Len())
	for _, partition := range registry.All() {
		completions[partition.Name] = nil
	}
	return &ScoreTracker{completions: completions}
}

// RecordCompletion appends one completion fact. One fact is recorded per
// finished command, not per job. An unregistered partition is a caller
// contract violation and panics.
func (t *ScoreTracker) RecordCompletion(partition string, timestamp time.Time) {
	events, ok := t.completions[partition]
	if !ok {
		panic(&schedulererrors.ErrUnknownPartition{Name: partition})
	}
	// Prune expired facts lazily on write so a busy partition's slice cannot
	// grow without bound.
	cutoff := timestamp.Add(-scoreWindow)
	i := sort.Search(len(events), func(i int) bool { return events[i].After(cutoff) })
	t.completions[partition] = append(events[i:], timestamp)
}

// Score returns the number of commands the partition completed in the window
// (now-24h, now]. An unregistered partition panics.
func (t *ScoreTracker) Score(partition string, now time.Time) int {
	events, ok := t.completions[partition]
	if !ok {
		panic(&schedulererrors.ErrUnknownPartition{Name: partition})
	}
	cutoff := now.Add(-scoreWindow)
	i := sort.Search(len(events), func(i int) bool { return events[i].After(cutoff) })
	return len(events) - i
}
