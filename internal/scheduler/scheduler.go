package scheduler

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/flotillaproject/flotilla/internal/scheduler/schedulererrors"
	"github.com/flotillaproject/flotilla/internal/slurm"
)

// StatusEvent is one observation the poller made about a submission.
// Events are the only way poller findings reach shared state: the scheduler
// loop drains them at the start of each tick and applies them serially.
type StatusEvent struct {
	JobId  string
	Handle string
	Phase  slurm.JobPhase
	// Raw sacct state, for logs.
	State string
	// Only meaningful for completed jobs.
	CPUTimeSeconds int64
}

// SubmitOptions are the sbatch parameters shared by every submission.
type SubmitOptions struct {
	// Minimum memory needed by the most greedy command, in gigabytes.
	MemoryGBPerCommand float64
	// Minutes needed by the slowest command.
	TimeoutMinutes int
	// sbatch filename pattern for job stdout and stderr.
	OutputPattern string
}

// PartitionStatus is one partition's observed state at the start of a tick.
type PartitionStatus struct {
	Name     string
	Index    int
	Score    int
	Load     int
	Capacity int
}

// TickSnapshot is the scheduler's published view of the world after a tick,
// read concurrently by the metrics collector and the progress reporter.
type TickSnapshot struct {
	Time             time.Time
	Partitions       []PartitionStatus
	FinishedCommands int
	FailedCommands   int
	TotalCommands    int
}

// Scheduler is the assignment engine. Once per tick it folds the poller's
// status events into the job database, snapshots every partition's score and
// load, picks the best partition for every job that has not started running,
// and issues the resulting submit and cancel+resubmit calls through a bounded
// worker pool.
type Scheduler struct {
	registry *PartitionRegistry
	// Tracks per-partition completions. Owned by this loop.
	tracker *ScoreTracker
	// Stores every job's lifecycle state and assignment.
	jobDb *JobDb
	// Issues the blocking calls to Slurm.
	slurmClient slurm.Client
	// Status events from the poller.
	events <-chan StatusEvent
	// Interval between assignment ticks.
	tickInterval time.Duration
	// Number of goroutines issuing external calls per tick.
	submitWorkers int
	// Number of times a job may fail before it is marked failed.
	retryLimit    int
	submitOptions SubmitOptions
	// Used for all timing decisions. Injected so tests can control the 24h
	// scoring window and tick timing.
	clock clock.Clock
	// Per-command running time statistics for the final report.
	stats *BenchmarkStats
	// Last published *TickSnapshot.
	snapshot atomic.Value
}

func NewScheduler(
	registry *PartitionRegistry,
	tracker *ScoreTracker,
	jobDb *JobDb,
	slurmClient slurm.Client,
	events <-chan StatusEvent,
	tickInterval time.Duration,
	submitWorkers int,
	retryLimit int,
	submitOptions SubmitOptions,
) *Scheduler {
	return &Scheduler{
		registry:      registry,
		tracker:       tracker,
		jobDb:         jobDb,
		slurmClient:   slurmClient,
		events:        events,
		tickInterval:  tickInterval,
		submitWorkers: submitWorkers,
		retryLimit:    retryLimit,
		submitOptions: submitOptions,
		clock:         clock.RealClock{},
		stats:         NewBenchmarkStats(),
	}
}

// Run executes assignment ticks until every job is in a terminal state or the
// context is cancelled. Ticks never overlap: a tick that outlasts the
// interval simply coalesces with the next ticker fire.
func (s *Scheduler) Run(ctx context.Context) error {
	// Submit the initial wave immediately rather than sleeping through the
	// first interval.
	done, err := s.cycle(ctx)
	if err != nil {
		log.WithError(err).Error("Error in scheduling cycle")
	}
	if done {
		return nil
	}

	ticker := s.clock.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			start := s.clock.Now()
			done, err := s.cycle(ctx)
			if err != nil {
				log.WithError(err).Error("Error in scheduling cycle")
			}
			log.Infof("Completed scheduling cycle in %s", s.clock.Now().Sub(start))
			if done {
				return nil
			}
		}
	}
}

// cycle runs one tick. It reports done once no job can make further progress.
//
// Running it twice with unchanged inputs is a no-op the second time: every
// decision is derived from the job database and the score snapshot, and a job
// already queued on the partition it would be sent to produces no action.
func (s *Scheduler) cycle(ctx context.Context) (bool, error) {
	txn := s.jobDb.WriteTxn()
	defer txn.Abort()

	s.applyStatusEvents(txn)

	now := s.clock.Now()
	statuses, err := s.partitionStatuses(txn, now)
	if err != nil {
		return false, err
	}
	actions, err := s.planAssignments(txn, statuses)
	if err != nil {
		return false, err
	}
	txn.Commit()

	if len(actions) > 0 {
		results := s.runActions(ctx, actions)
		foldTxn := s.jobDb.WriteTxn()
		defer foldTxn.Abort()
		s.applyActionResults(foldTxn, results)
		foldTxn.Commit()
	}

	return s.publishSnapshot(statuses, now)
}

// applyStatusEvents drains the poller channel and applies each event.
// A failed event leaves the job in its last known-good state.
func (s *Scheduler) applyStatusEvents(txn *memdb.Txn) {
	for {
		select {
		case event := <-s.events:
			if err := s.applyStatusEvent(txn, event); err != nil {
				log.WithError(err).Errorf("Failed to apply %s status event for job %s", event.Phase, event.JobId)
			}
		default:
			return
		}
	}
}

func (s *Scheduler) applyStatusEvent(txn *memdb.Txn, event StatusEvent) error {
	job, err := s.jobDb.GetById(txn, event.JobId)
	if err != nil {
		return err
	}
	// The handle check drops reports about a submission the job no longer
	// holds, e.g. after a requeue raced with the poller.
	if job == nil || job.InTerminalState() || job.Handle != event.Handle {
		log.Debugf("Dropping stale %s status event for job %s", event.Phase, event.JobId)
		return nil
	}
	switch event.Phase {
	case slurm.PhaseQueued:
		// Still waiting in a partition queue; nothing to record.
		return nil
	case slurm.PhaseRunning:
		if job.State == JobSubmitted {
			_, err := s.jobDb.Transition(txn, job.JobId, JobRunning, TransitionDetails{})
			return err
		}
		return nil
	case slurm.PhaseCompleted:
		return s.applyCompletion(txn, job, event)
	case slurm.PhaseFailed:
		return s.applyFailure(txn, job, event)
	case slurm.PhasePreempted:
		log.Warnf("Job %s (Slurm job %s) was preempted on partition %s and will be resubmitted", job.JobId, job.Handle, job.Partition)
		_, err := s.jobDb.Transition(txn, job.JobId, JobPending, TransitionDetails{})
		return err
	default:
		log.Warnf("Job %s (Slurm job %s) is in the unrecognized state %q", job.JobId, job.Handle, event.State)
		return nil
	}
}

func (s *Scheduler) applyCompletion(txn *memdb.Txn, job *Job, event StatusEvent) error {
	now := s.clock.Now()
	for i := 0; i < job.NumCommands(); i++ {
		s.tracker.RecordCompletion(job.Partition, now)
	}
	// CPUTimeRAW is elapsed time multiplied by the allocated core count, idle
	// cores included; dividing by the partition's batch width is the closest
	// available estimate of the time each command took.
	partition := s.registry.MustGet(job.Partition)
	commandSeconds := float64(event.CPUTimeSeconds) / float64(partition.CommandsPerJob)
	s.stats.Record(commandSeconds, job.NumCommands())
	log.Infof("Job %s completed %d commands on partition %s", job.JobId, job.NumCommands(), job.Partition)
	_, err := s.jobDb.Transition(txn, job.JobId, JobCompleted, TransitionDetails{})
	return err
}

func (s *Scheduler) applyFailure(txn *memdb.Txn, job *Job, event StatusEvent) error {
	log.Warnf("Job %s (Slurm job %s) failed on partition %s with state %s; its commands were: %s",
		job.JobId, job.Handle, job.Partition, event.State, strings.Join(job.Commands, "; "))
	if job.TotalAttempts() >= s.retryLimit {
		jobFailuresCounter.WithLabelValues(job.Partition).Inc()
		log.Errorf("Job %s has failed %d times and will not be retried", job.JobId, job.TotalAttempts()+1)
		_, err := s.jobDb.Transition(txn, job.JobId, JobFailed, TransitionDetails{RecordAttempt: true})
		return err
	}
	// Back to Pending; the recorded attempt steers the job away from this
	// partition on the next tick.
	_, err := s.jobDb.Transition(txn, job.JobId, JobPending, TransitionDetails{RecordAttempt: true})
	return err
}

// partitionStatuses snapshots every partition's score and occupancy.
// All placement decisions this tick are made against this snapshot.
func (s *Scheduler) partitionStatuses(txn *memdb.Txn, now time.Time) ([]PartitionStatus, error) {
	occupancy, err := s.jobDb.Occupancy(txn)
	if err != nil {
		return nil, err
	}
	statuses := make([]PartitionStatus, 0, s.registry.Len())
	for _, partition := range s.registry.All() {
		statuses = append(statuses, PartitionStatus{
			Name:     partition.Name,
			Index:    partition.Index,
			Score:    s.tracker.Score(partition.Name, now),
			Load:     occupancy[partition.Name],
			Capacity: partition.MaxConcurrentJobs,
		})
	}
	return statuses, nil
}

// schedulerAction is one external action decided this tick.
type schedulerAction struct {
	jobId string
	// Slurm job id to cancel before resubmitting. Empty for a first submission.
	cancelHandle string
	// Partition the job is moving away from. For logs only.
	fromPartition string
	partition     string
	request       slurm.SubmitRequest
}

type actionResult struct {
	jobId          string
	partition      string
	fromPartition  string
	reassignment   bool
	handle         string
	alreadyStarted bool
	cancelErr      error
	submitErr      error
}

// planAssignments decides, for every job not yet running, which partition it
// should be queued on, and records the chosen assignments in the job database.
// The returned actions carry the external calls still to be made.
func (s *Scheduler) planAssignments(txn *memdb.Txn, statuses []PartitionStatus) ([]*schedulerAction, error) {
	// Estimates use the tick-start snapshot; occupancy additionally counts
	// slots claimed earlier in this same tick so the caps hold throughout.
	occupancy := make(map[string]int, len(statuses))
	scores := make(map[string]int, len(statuses))
	for _, status := range statuses {
		occupancy[status.Name] = status.Load
		scores[status.Name] = status.Score
	}

	jobs, err := s.jobDb.GetAll(txn)
	if err != nil {
		return nil, err
	}

	actions := make([]*schedulerAction, 0)
	for _, job := range jobs {
		// Only jobs that have not reached cluster nodes may move.
		if job.State != JobPending && job.State != JobSubmitted {
			continue
		}
		best, estimate := s.selectPartition(job, statuses)
		partition := s.registry.MustGet(best)

		if job.State == JobPending {
			if occupancy[best] >= partition.MaxConcurrentJobs {
				// The chosen partition is full. Waiting for a fast partition
				// can beat running on a slow one, so the job stays Pending
				// and the choice is revisited next tick.
				continue
			}
			if _, err := s.jobDb.RecordAssignment(txn, job.JobId, best); err != nil {
				return nil, err
			}
			if _, err := s.jobDb.Transition(txn, job.JobId, JobAssigned, TransitionDetails{}); err != nil {
				return nil, err
			}
			occupancy[best]++
			assignmentsCounter.WithLabelValues(best).Inc()
			log.Infof("Assigning job %s to partition %s (estimate %.3f)", job.JobId, best, estimate.Ticks())
			actions = append(actions, &schedulerAction{
				jobId:     job.JobId,
				partition: best,
				request:   s.submitRequest(job, partition),
			})
			continue
		}

		// Submitted but, as far as we know, still pending in a Slurm queue.
		if best == job.Partition {
			continue
		}
		// Load alone never moves queued work: cancelling and resubmitting
		// costs queue position, and load-driven moves oscillate when equally
		// scored partitions trade jobs. Only a partition that has proven
		// strictly faster within the scoring window pulls a queued job away.
		if scores[best] <= scores[job.Partition] {
			continue
		}
		if occupancy[best] >= partition.MaxConcurrentJobs {
			continue
		}
		// Claim the destination slot now; the origin slot is freed only once
		// the cancellation is confirmed, so the job is never counted twice.
		occupancy[best]++
		reassignmentsCounter.WithLabelValues(best).Inc()
		log.Infof("Reassigning job %s from partition %s to partition %s (estimate %.3f)",
			job.JobId, job.Partition, best, estimate.Ticks())
		actions = append(actions, &schedulerAction{
			jobId:         job.JobId,
			cancelHandle:  job.Handle,
			fromPartition: job.Partition,
			partition:     best,
			request:       s.submitRequest(job, partition),
		})
	}
	return actions, nil
}

// selectPartition returns the name of the partition estimated to finish the
// job soonest, with its estimate. Only partitions the job has failed on the
// fewest times are candidates. A job already occupying a slot is excluded
// from its own partition's load, so an unchanged tick re-selects the same
// partition instead of oscillating. Iterating in registry order makes exact
// ties resolve to the lowest index implicitly.
func (s *Scheduler) selectPartition(job *Job, statuses []PartitionStatus) (string, Estimate) {
	minAttempts := math.MaxInt
	for _, status := range statuses {
		if job.Attempts[status.Name] < minAttempts {
			minAttempts = job.Attempts[status.Name]
		}
	}
	best := ""
	var bestEstimate Estimate
	for _, status := range statuses {
		if job.Attempts[status.Name] > minAttempts {
			continue
		}
		load := status.Load
		if job.Partition == status.Name {
			load--
		}
		estimate := EstimateCompletionTime(load, status.Score)
		if best == "" || estimate.Less(bestEstimate) {
			best = status.Name
			bestEstimate = estimate
		}
	}
	return best, bestEstimate
}

func (s *Scheduler) submitRequest(job *Job, partition *Partition) slurm.SubmitRequest {
	var memoryKB int64
	if s.submitOptions.MemoryGBPerCommand > 0 {
		memoryKB = int64(math.Ceil(s.submitOptions.MemoryGBPerCommand * float64(job.NumCommands()) * 1e6))
	}
	return slurm.SubmitRequest{
		Partition:      partition.Name,
		Account:        partition.Account,
		Qos:            partition.Qos,
		MemoryKB:       memoryKB,
		TimeoutMinutes: s.submitOptions.TimeoutMinutes,
		OutputPattern:  s.submitOptions.OutputPattern,
		Commands:       job.Commands,
	}
}

// runActions issues the tick's external calls on a bounded worker pool so one
// slow Slurm round trip never blocks the others.
func (s *Scheduler) runActions(ctx context.Context, actions []*schedulerAction) []*actionResult {
	wg := &sync.WaitGroup{}
	actionsCh := make(chan *schedulerAction)
	resultsCh := make(chan *actionResult, len(actions))

	for i := 0; i < s.submitWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for action := range actionsCh {
				resultsCh <- s.runAction(ctx, action)
			}
		}()
	}
	for _, action := range actions {
		actionsCh <- action
	}
	close(actionsCh)
	wg.Wait()
	close(resultsCh)

	results := make([]*actionResult, 0, len(actions))
	for result := range resultsCh {
		results = append(results, result)
	}
	return results
}

func (s *Scheduler) runAction(ctx context.Context, action *schedulerAction) *actionResult {
	result := &actionResult{
		jobId:         action.jobId,
		partition:     action.partition,
		fromPartition: action.fromPartition,
		reassignment:  action.cancelHandle != "",
	}
	if action.cancelHandle != "" {
		outcome, err := s.slurmClient.Cancel(ctx, action.cancelHandle)
		if err != nil {
			result.cancelErr = &schedulererrors.ErrExternalCall{Op: "cancel", Handle: action.cancelHandle, Inner: err}
			return result
		}
		if outcome == slurm.OutcomeAlreadyStarted {
			result.alreadyStarted = true
			return result
		}
	}
	submissionId := uuid.New()
	log.Infof("Submitting job %s to partition %s (submission %s)", action.jobId, action.partition, submissionId)
	handle, err := s.slurmClient.Submit(ctx, action.request)
	if err != nil {
		result.submitErr = &schedulererrors.ErrExternalCall{Op: "submit", Partition: action.partition, Inner: err}
		return result
	}
	result.handle = handle
	return result
}

// applyActionResults folds the outcomes of the tick's external calls back
// into the job database. Each job's outcome is recorded independently; a
// recording error is a programming bug, logged loudly and skipped so the
// remaining results still land.
func (s *Scheduler) applyActionResults(txn *memdb.Txn, results []*actionResult) {
	for _, result := range results {
		if err := s.applyActionResult(txn, result); err != nil {
			log.WithError(err).Errorf("Failed to record action result for job %s", result.jobId)
		}
	}
}

func (s *Scheduler) applyActionResult(txn *memdb.Txn, result *actionResult) error {
	switch {
	case result.cancelErr != nil:
		// The job is still queued on its old partition, which remains its
		// last known-good state. The move is retried next tick.
		log.WithError(result.cancelErr).Warnf("Failed to cancel job %s for reassignment to partition %s", result.jobId, result.partition)
		return nil
	case result.alreadyStarted:
		// The cancel raced with the job starting. It is immovable now.
		log.Infof("Job %s started on partition %s before it could be reassigned; leaving it there", result.jobId, result.fromPartition)
		_, err := s.jobDb.Transition(txn, result.jobId, JobRunning, TransitionDetails{})
		return err
	case result.submitErr != nil:
		jobFailuresCounter.WithLabelValues(result.partition).Inc()
		log.WithError(result.submitErr).Errorf("Failed to submit job %s to partition %s; marking it failed", result.jobId, result.partition)
		if result.reassignment {
			if err := s.recordReassignment(txn, result); err != nil {
				return err
			}
		}
		_, err := s.jobDb.Transition(txn, result.jobId, JobFailed, TransitionDetails{})
		return err
	default:
		if result.reassignment {
			if err := s.recordReassignment(txn, result); err != nil {
				return err
			}
		}
		_, err := s.jobDb.Transition(txn, result.jobId, JobSubmitted, TransitionDetails{Handle: result.handle})
		return err
	}
}

func (s *Scheduler) recordReassignment(txn *memdb.Txn, result *actionResult) error {
	if _, err := s.jobDb.Transition(txn, result.jobId, JobAssigned, TransitionDetails{}); err != nil {
		return err
	}
	_, err := s.jobDb.RecordAssignment(txn, result.jobId, result.partition)
	return err
}

// publishSnapshot recomputes progress and loads after the tick's actions have
// landed and publishes them for the metrics collector and the reporter.
// It reports done when no job can make further progress.
func (s *Scheduler) publishSnapshot(statuses []PartitionStatus, now time.Time) (bool, error) {
	txn := s.jobDb.ReadTxn()
	jobs, err := s.jobDb.GetAll(txn)
	if err != nil {
		return false, err
	}
	occupancy := map[string]int{}
	finished := 0
	failed := 0
	total := 0
	remaining := 0
	for _, job := range jobs {
		total += job.NumCommands()
		switch job.State {
		case JobCompleted:
			finished += job.NumCommands()
		case JobFailed, JobCancelled:
			failed += job.NumCommands()
		default:
			remaining++
		}
		switch job.State {
		case JobAssigned, JobSubmitted, JobRunning:
			occupancy[job.Partition]++
		}
	}

	snapshot := &TickSnapshot{
		Time:             now,
		Partitions:       make([]PartitionStatus, len(statuses)),
		FinishedCommands: finished,
		FailedCommands:   failed,
		TotalCommands:    total,
	}
	for i, status := range statuses {
		status.Load = occupancy[status.Name]
		snapshot.Partitions[i] = status
	}
	s.snapshot.Store(snapshot)
	return remaining == 0, nil
}

// Snapshot returns the state published at the end of the most recent tick,
// or nil before the first tick finishes. Safe to call from any goroutine.
func (s *Scheduler) Snapshot() *TickSnapshot {
	v := s.snapshot.Load()
	if v == nil {
		return nil
	}
	return v.(*TickSnapshot)
}

// Stats returns the accumulated per-command running time statistics.
func (s *Scheduler) Stats() *BenchmarkStats {
	return s.stats
}
