// Package slurm is the boundary between the metascheduler and the Slurm
// cluster. The core only ever talks to Slurm through the Client interface;
// CLIClient implements it on top of the sbatch/scancel/sacct commands.
package slurm

import "context"

// JobPhase is the normalized view of a Slurm job state.
type JobPhase int

const (
	PhaseUnknown JobPhase = iota
	// PhaseQueued means the job is waiting in a partition queue and can still be cancelled and moved.
	PhaseQueued
	// PhaseRunning covers every state in which the job occupies cluster nodes.
	PhaseRunning
	PhaseCompleted
	PhaseFailed
	// PhasePreempted means Slurm evicted the job; its commands did not finish.
	PhasePreempted
)

func (p JobPhase) String() string {
	switch p {
	case PhaseQueued:
		return "Queued"
	case PhaseRunning:
		return "Running"
	case PhaseCompleted:
		return "Completed"
	case PhaseFailed:
		return "Failed"
	case PhasePreempted:
		return "Preempted"
	default:
		return "Unknown"
	}
}

// Terminal returns true if no further phase change can occur for this submission.
func (p JobPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhasePreempted
}

// failedStates are the sacct states after which a job's commands have not run to completion
// and will not without a new submission.
var failedStates = map[string]bool{
	"BOOT_FAIL":     true,
	"CANCELLED":     true,
	"DEADLINE":      true,
	"FAILED":        true,
	"NODE_FAIL":     true,
	"OUT_OF_MEMORY": true,
	"TIMEOUT":       true,
}

// runningStates are the sacct states in which a job occupies nodes.
// A job in any of these states must be left alone.
var runningStates = map[string]bool{
	"COMPLETING":    true,
	"CONFIGURING":   true,
	"RESIZING":      true,
	"RESV_DEL_HOLD": true,
	"REQUEUE":       true,
	"REQUEUE_FED":   true,
	"REQUEUE_HOLD":  true,
	"REVOKED":       true,
	"RUNNING":       true,
	"SIGNALING":     true,
	"SPECIAL_EXIT":  true,
	"STOPPED":       true,
	"SUSPENDED":     true,
}

// PhaseForState maps a raw sacct job state to a JobPhase.
func PhaseForState(state string) JobPhase {
	switch {
	case state == "PENDING":
		return PhaseQueued
	case state == "COMPLETED":
		return PhaseCompleted
	case state == "PREEMPTED":
		return PhasePreempted
	case runningStates[state]:
		return PhaseRunning
	case failedStates[state]:
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}

// JobStatus is the result of a status query for one submission.
type JobStatus struct {
	// Raw sacct state, e.g. "PENDING" or "NODE_FAIL".
	State string
	Phase JobPhase
	// Total CPU time charged to the job in seconds. Only meaningful for completed jobs.
	// Slurm multiplies elapsed time by the number of allocated cores, even idle ones.
	CPUTimeSeconds int64
}

// SubmitRequest describes one job to submit.
type SubmitRequest struct {
	Partition string
	Account   string
	Qos       string
	// Requested memory in kilobytes. Zero means no explicit request.
	MemoryKB int64
	// Time limit in minutes. Zero means the partition default.
	TimeoutMinutes int
	// sbatch filename pattern for stdout and stderr, e.g. "./slurm-%j.out".
	OutputPattern string
	Commands      []string
}

// CancelOutcome reports what happened to the job a cancellation targeted.
type CancelOutcome int

const (
	// OutcomeCancelled means the job was still pending and has been removed from the queue.
	OutcomeCancelled CancelOutcome = iota
	// OutcomeAlreadyStarted means the job began running before the cancellation
	// took effect and has been left alone.
	OutcomeAlreadyStarted
)

// Client is the interface the scheduler uses to drive the batch system.
// All calls block for the duration of at least one round trip to Slurm.
type Client interface {
	// Submit submits a job and returns the Slurm job id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Cancel removes a still-pending job from its queue. It never cancels a
	// job that has already started; that case is reported as OutcomeAlreadyStarted.
	Cancel(ctx context.Context, handle string) (CancelOutcome, error)
	// Status queries the current state of a submission.
	Status(ctx context.Context, handle string) (JobStatus, error)
	// CancelAll unconditionally cancels the given submissions, running or not.
	// Used for shutdown cleanup only.
	CancelAll(ctx context.Context, handles []string) error
}
