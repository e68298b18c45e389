// Package flotilla wires the metascheduler together: it batches the command
// list into jobs, starts the scheduler, poller and reporter, and cleans up
// outstanding Slurm jobs on the way out.
package flotilla

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flotillaproject/flotilla/internal/common"
	"github.com/flotillaproject/flotilla/internal/common/app"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/scheduler"
	"github.com/flotillaproject/flotilla/internal/slurm"
)

// eventChannelCapacity bounds how many status events can queue between the
// poller and the scheduler loop before the poller blocks.
const eventChannelCapacity = 512

// cleanupTimeout bounds how long shutdown waits for outstanding jobs to be cancelled.
const cleanupTimeout = 30 * time.Second

// Run schedules the given commands across the configured partitions and
// blocks until every job reaches a terminal state or a shutdown signal
// arrives. On shutdown every job still known to Slurm is cancelled.
func Run(config configuration.FlotillaConfig, commands []string) error {
	registry := scheduler.NewPartitionRegistry(config.Partitions)
	jobs := BatchCommands(commands, config.Scheduling.CommandsPerJob)

	jobDb, err := scheduler.NewJobDb()
	if err != nil {
		return err
	}
	txn := jobDb.WriteTxn()
	if err := jobDb.Upsert(txn, jobs); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()

	tracker := scheduler.NewScoreTracker(registry)
	slurmClient := slurm.NewCLIClient(config.Slurm.Retries, config.Slurm.RetryDelay)
	events := make(chan scheduler.StatusEvent, eventChannelCapacity)

	engine := scheduler.NewScheduler(
		registry,
		tracker,
		jobDb,
		slurmClient,
		events,
		config.Scheduling.TickInterval,
		config.Scheduling.SubmitWorkers,
		config.Scheduling.RetryLimit,
		scheduler.SubmitOptions{
			MemoryGBPerCommand: config.Scheduling.MemoryGBPerCommand,
			TimeoutMinutes:     config.Scheduling.TimeoutMinutes,
			OutputPattern:      filepath.Join(config.Scheduling.OutputDir, "slurm-%j.out"),
		},
	)
	poller, err := scheduler.NewPoller(jobDb, slurmClient, events, config.Slurm.PollInterval, config.Slurm.PollWorkers)
	if err != nil {
		return err
	}
	reporter := NewReporter(engine, config.Scheduling.ReportInterval)

	prometheus.MustRegister(scheduler.NewMetricsCollector(engine))
	if config.Metrics.Port != 0 {
		shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
		defer shutdownMetricServer()
	}

	log.Infof("Slurm metascheduler started on %d commands (%d jobs) across %d partitions",
		len(commands), len(jobs), registry.Len())
	start := time.Now()

	shutdownCtx := app.CreateContextWithShutdown()
	runCtx, cancel := context.WithCancel(shutdownCtx)
	defer cancel()

	g, groupCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// Once scheduling finishes there is nothing left to poll or report.
		defer cancel()
		return engine.Run(groupCtx)
	})
	g.Go(func() error { return poller.Run(groupCtx) })
	g.Go(func() error { return reporter.Run(groupCtx) })
	err = g.Wait()

	aborted := shutdownCtx.Err() != nil
	if aborted {
		log.Warn("Shutdown requested, cancelling outstanding jobs")
	}
	if cleanupErr := cancelOutstanding(jobDb, slurmClient); cleanupErr != nil {
		log.WithError(cleanupErr).Warn("Failed to cancel some outstanding jobs")
	}
	if err != nil {
		return err
	}
	if aborted {
		return errors.New("Slurm metascheduler aborted")
	}

	LogSummary(engine.Stats().Summary(), time.Since(start))
	return nil
}

// cancelOutstanding best-effort cancels every job that still holds a live
// Slurm submission.
func cancelOutstanding(jobDb *scheduler.JobDb, slurmClient slurm.Client) error {
	txn := jobDb.ReadTxn()
	jobs, err := jobDb.GetAll(txn)
	if err != nil {
		return err
	}
	handles := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if job.Handle != "" && !job.InTerminalState() {
			handles = append(handles, job.Handle)
		}
	}
	if len(handles) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	return slurmClient.CancelAll(ctx, handles)
}
