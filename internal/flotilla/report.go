package flotilla

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/flotillaproject/flotilla/internal/scheduler"
)

// Reporter logs a periodic progress report: each partition's score and load,
// and how many commands have finished. It only ever reads the snapshot the
// scheduler publishes per tick.
type Reporter struct {
	scheduler *scheduler.Scheduler
	// Interval between reports. Zero or negative disables reporting.
	interval time.Duration
	clock    clock.Clock
}

func NewReporter(s *scheduler.Scheduler, interval time.Duration) *Reporter {
	return &Reporter{
		scheduler: s,
		interval:  interval,
		clock:     clock.RealClock{},
	}
}

func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			r.report()
		}
	}
}

func (r *Reporter) report() {
	snapshot := r.scheduler.Snapshot()
	if snapshot == nil {
		return
	}
	statuses := make([]string, 0, len(snapshot.Partitions))
	for _, partition := range snapshot.Partitions {
		statuses = append(statuses, fmt.Sprintf("%s: score=%d load=%d/%d",
			partition.Name, partition.Score, partition.Load, partition.Capacity))
	}
	log.Infof("Partition status: %s", strings.Join(statuses, ", "))
	if snapshot.TotalCommands > 0 {
		percentage := 100 * snapshot.FinishedCommands / snapshot.TotalCommands
		log.Infof("Finished %d of %d commands (%d%%)", snapshot.FinishedCommands, snapshot.TotalCommands, percentage)
	}
}

// LogSummary logs the end-of-run benchmark.
func LogSummary(summary scheduler.BenchmarkSummary, wallClock time.Duration) {
	log.Infof("Slurm metascheduler finished %d commands successfully", summary.FinishedCommands)
	log.Infof("Command running times: Min: %s Max: %s Mean: %s Total: %s",
		formatBenchmark(summary.Min),
		formatBenchmark(summary.Max),
		formatBenchmark(summary.Mean),
		formatBenchmark(summary.Total))
	log.Infof("Wall-clock time: %s", formatBenchmark(wallClock.Seconds()))
}

// formatBenchmark renders a duration in seconds as e.g. "1d2h3m4s", omitting
// leading components that are zero. Seconds are always shown.
func formatBenchmark(seconds float64) string {
	total := int64(0)
	if !math.IsInf(seconds, 1) && seconds > 0 {
		total = int64(math.Round(seconds))
	}
	days := total / (24 * 60 * 60)
	total %= 24 * 60 * 60
	hours := total / (60 * 60)
	total %= 60 * 60
	minutes := total / 60
	secs := total % 60

	ret := ""
	if days > 0 {
		ret += fmt.Sprintf("%dd", days)
	}
	if ret != "" || hours > 0 {
		ret += fmt.Sprintf("%dh", hours)
	}
	if ret != "" || minutes > 0 {
		ret += fmt.Sprintf("%dm", minutes)
	}
	return ret + fmt.Sprintf("%ds", secs)
}
