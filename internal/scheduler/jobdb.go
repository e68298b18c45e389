package scheduler

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/flotillaproject/flotilla/internal/scheduler/schedulererrors"
)

const (
	jobsTable = "jobs"
	idIndex   = "id" // index for looking up jobs by id
)

// JobState is a job's position in its lifecycle.
type JobState int

const (
	// JobPending means the job is waiting for the scheduler to pick a partition.
	JobPending JobState = iota
	// JobAssigned means a partition has been chosen but Slurm has not been told yet.
	JobAssigned
	// JobSubmitted means sbatch returned a job id but the job has not started on cluster nodes.
	JobSubmitted
	// JobRunning means the job occupies cluster nodes. Running jobs are never reassigned.
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "Pending"
	case JobAssigned:
		return "Assigned"
	case JobSubmitted:
		return "Submitted"
	case JobRunning:
		return "Running"
	case JobCompleted:
		return "Completed"
	case JobFailed:
		return "Failed"
	case JobCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal returns true if no further transitions are legal from this state.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// legalTransitions is the job state machine. A transition absent from this
// table is a programming bug and is rejected whole.
var legalTransitions = map[JobState][]JobState{
	JobPending:   {JobAssigned, JobCancelled},
	JobAssigned:  {JobSubmitted, JobFailed, JobCancelled},
	JobSubmitted: {JobAssigned, JobRunning, JobCompleted, JobFailed, JobPending, JobCancelled},
	JobRunning:   {JobCompleted, JobFailed, JobPending, JobCancelled},
}

func transitionLegal(from JobState, to JobState) bool {
	for _, state := range legalTransitions[from] {
		if state == to {
			return true
		}
	}
	return false
}

// Job is one schedulable unit: a batch of commands submitted to Slurm together.
type Job struct {
	// String representation of the job id. ULIDs sort by creation time, so
	// iterating the id index visits jobs in the order they were created.
	JobId string
	// The command batch. Formed once at startup and never modified; the
	// scheduler only ever looks at its length.
	Commands []string
	State    JobState
	// Name of the partition this job is currently assigned to.
	// Empty before first assignment and after a requeue.
	Partition string
	// Slurm job id of the current submission. Empty unless Submitted or Running.
	Handle string
	// Number of failed executions per partition. Jobs prefer partitions they
	// have failed on the fewest times.
	Attempts map[string]int
}

func (job *Job) NumCommands() int {
	return len(job.Commands)
}

// TotalAttempts returns the number of failed executions across all partitions.
func (job *Job) TotalAttempts() int {
	total := 0
	for _, count := range job.Attempts {
		total += count
	}
	return total
}

// InTerminalState returns true if the job is in a terminal state
func (job *Job) InTerminalState() bool {
	return job.State.Terminal()
}

// DeepCopy deep copies the job. Jobs stored in the JobDb cannot be modified
// in-place; mutate a copy and upsert it.
func (job *Job) DeepCopy() *Job {
	if job == nil {
		return nil
	}
	return &Job{
		JobId:     job.JobId,
		Commands:  job.Commands,
		State:     job.State,
		Partition: job.Partition,
		Handle:    job.Handle,
		Attempts:  maps.Clone(job.Attempts),
	}
}

// JobDb is the authoritative store of every job's lifecycle state and current
// partition assignment.
// It is implemented on top of https://github.com/hashicorp/go-memdb which is a
// simple in-memory database built on immutable radix trees: writes are
// serialized through write transactions committed by the scheduler loop, while
// the poller and the reporter read consistent snapshots concurrently.
type JobDb struct {
	// In-memory database. Stores *Job.
	Db *memdb.MemDB
}

func NewJobDb() (*JobDb, error) {
	db, err := memdb.NewMemDB(jobDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobDb{Db: db}, nil
}

// Upsert will insert the given jobs if they don't already exist or update them if they do.
// Any jobs passed to this function *must not* be subsequently modified.
func (jobDb *JobDb) Upsert(txn *memdb.Txn, jobs []*Job) error {
	for _, job := range jobs {
		err := txn.Insert(jobsTable, job)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetById returns the job with the given id or nil if no such job exists.
// The job returned by this function *must not* be subsequently modified.
func (jobDb *JobDb) GetById(txn *memdb.Txn, id string) (*Job, error) {
	var job *Job = nil
	iter, err := txn.Get(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := iter.Next()
	if result != nil {
		job = result.(*Job)
	}
	return job, nil
}

// GetAll returns all jobs in the database ordered by job id, which for ULID
// ids is creation order. The jobs returned *must not* be subsequently modified.
func (jobDb *JobDb) GetAll(txn *memdb.Txn) ([]*Job, error) {
	iter, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*Job, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*Job))
	}
	return result, nil
}

// Occupancy returns, per partition, the number of jobs currently holding a
// slot there: those in states Assigned, Submitted or Running.
func (jobDb *JobDb) Occupancy(txn *memdb.Txn) (map[string]int, error) {
	jobs, err := jobDb.GetAll(txn)
	if err != nil {
		return nil, err
	}
	occupancy := map[string]int{}
	for _, job := range jobs {
		switch job.State {
		case JobAssigned, JobSubmitted, JobRunning:
			occupancy[job.Partition]++
		}
	}
	return occupancy, nil
}

// TransitionDetails carries the state-specific facts a transition records.
type TransitionDetails struct {
	// Slurm job id to record. Only meaningful when transitioning to Submitted.
	Handle string
	// If true, the failed execution is counted against the job's current
	// partition before the assignment is cleared. Meaningful when requeueing
	// after a failure; preemptions requeue without recording an attempt.
	RecordAttempt bool
}

// Transition moves a job to a new state, applying the side effects the state
// machine requires: entering Pending clears the assignment and handle,
// entering Submitted records the new handle. An illegal transition returns
// ErrIllegalTransition and mutates nothing.
func (jobDb *JobDb) Transition(txn *memdb.Txn, id string, newState JobState, details TransitionDetails) (*Job, error) {
	job, err := jobDb.GetById(txn, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.Errorf("cannot transition unknown job %s", id)
	}
	if !transitionLegal(job.State, newState) {
		return nil, &schedulererrors.ErrIllegalTransition{
			JobId: id,
			From:  job.State.String(),
			To:    newState.String(),
		}
	}
	job = job.DeepCopy()
	if details.RecordAttempt && job.Partition != "" {
		job.Attempts[job.Partition]++
	}
	job.State = newState
	switch newState {
	case JobPending:
		job.Partition = ""
		job.Handle = ""
	case JobSubmitted:
		job.Handle = details.Handle
	case JobAssigned:
		// Reassignment in flight: the old submission is gone.
		job.Handle = ""
	}
	if err := txn.Insert(jobsTable, job); err != nil {
		return nil, errors.WithStack(err)
	}
	return job, nil
}

// RecordAssignment sets the job's current partition. Only legal before the
// job has been handed to Slurm, i.e. in states Pending and Assigned.
func (jobDb *JobDb) RecordAssignment(txn *memdb.Txn, id string, partition string) (*Job, error) {
	job, err := jobDb.GetById(txn, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.Errorf("cannot assign unknown job %s", id)
	}
	if job.State != JobPending && job.State != JobAssigned {
		return nil, &schedulererrors.ErrIllegalTransition{
			JobId: id,
			From:  job.State.String(),
			To:    JobAssigned.String(),
		}
	}
	job = job.DeepCopy()
	job.Partition = partition
	if err := txn.Insert(jobsTable, job); err != nil {
		return nil, errors.WithStack(err)
	}
	return job, nil
}

// ReadTxn returns a read-only transaction.
// Multiple read-only transactions can access the db concurrently.
func (jobDb *JobDb) ReadTxn() *memdb.Txn {
	return jobDb.Db.Txn(false)
}

// WriteTxn returns a writeable transaction.
// Only a single write transaction may access the db at any given time.
func (jobDb *JobDb) WriteTxn() *memdb.Txn {
	return jobDb.Db.Txn(true)
}

// jobDbSchema creates the database schema: a single jobs table indexed by id.
func jobDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex, // lookup by primary key
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "JobId"},
					},
				},
			},
		},
	}
}
