package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/scheduler/schedulererrors"
)

func newTracker() *ScoreTracker {
	registry := NewPartitionRegistry([]configuration.PartitionConfig{
		{Name: "alpha", MaxConcurrentJobs: 1, CommandsPerJob: 1},
		{Name: "beta", MaxConcurrentJobs: 1, CommandsPerJob: 1},
	})
	return NewScoreTracker(registry)
}

func TestScoreCountsCompletionsInWindow(t *testing.T) {
	tracker := newTracker()
	now := time.Now()

	assert.Equal(t, 0, tracker.Score("alpha", now))

	tracker.RecordCompletion("alpha", now.Add(-time.Hour))
	tracker.RecordCompletion("alpha", now.Add(-time.Minute))
	tracker.RecordCompletion("beta", now.Add(-time.Minute))

	assert.Equal(t, 2, tracker.Score("alpha", now))
	assert.Equal(t, 1, tracker.Score("beta", now))
}

func TestScoreExpiresOldCompletions(t *testing.T) {
	tracker := newTracker()
	start := time.Now()

	tracker.RecordCompletion("alpha", start)
	tracker.RecordCompletion("alpha", start.Add(time.Hour))

	assert.Equal(t, 2, tracker.Score("alpha", start.Add(2*time.Hour)))
	// A day after the first completion only the second still counts.
	assert.Equal(t, 1, tracker.Score("alpha", start.Add(scoreWindow+time.Minute)))
	assert.Equal(t, 0, tracker.Score("alpha", start.Add(scoreWindow+2*time.Hour)))
}

func TestScoreWindowBoundaryIsExclusive(t *testing.T) {
	tracker := newTracker()
	now := time.Now()

	// A completion exactly 24h old has aged out.
	tracker.RecordCompletion("alpha", now.Add(-scoreWindow))
	assert.Equal(t, 0, tracker.Score("alpha", now))

	tracker.RecordCompletion("alpha", now)
	assert.Equal(t, 1, tracker.Score("alpha", now))
}

func TestRecordCompletionPrunesExpiredFacts(t *testing.T) {
	tracker := newTracker()
	start := time.Now()

	for i := 0; i < 100; i++ {
		tracker.RecordCompletion("alpha", start.Add(time.Duration(i)*time.Minute))
	}
	tracker.RecordCompletion("alpha", start.Add(2*scoreWindow))

	assert.Equal(t, 1, tracker.Score("alpha", start.Add(2*scoreWindow)))
	assert.Len(t, tracker.completions["alpha"], 1)
}

func TestUnknownPartitionPanics(t *testing.T) {
	tracker := newTracker()
	expected := &schedulererrors.ErrUnknownPartition{Name: "gamma"}
	assert.PanicsWithError(t, expected.Error(), func() {
		tracker.RecordCompletion("gamma", time.Now())
	})
	assert.PanicsWithError(t, expected.Error(), func() {
		tracker.Score("gamma", time.Now())
	})
}
