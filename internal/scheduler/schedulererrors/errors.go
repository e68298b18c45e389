// Package schedulererrors contains the error kinds the scheduling core can
// surface. Callers distinguish them with errors.As; everything else is wrapped
// transport or programming error context.
package schedulererrors

import "fmt"

// ErrExternalCall indicates a Slurm call failed after its retry budget was
// exhausted. The job the call was made for is left in its last known-good state.
type ErrExternalCall struct {
	// The operation that failed, e.g. "submit" or "cancel"
	Op string
	// Partition the call was directed at, if any
	Partition string
	// Slurm job id the call was directed at, if any
	Handle string
	// The underlying error
	Inner error
}

func (err *ErrExternalCall) Error() (s string) {
	s = fmt.Sprintf("external %s call failed", err.Op)
	if err.Partition != "" {
		s += fmt.Sprintf(" for partition %s", err.Partition)
	}
	if err.Handle != "" {
		s += fmt.Sprintf(" for job %s", err.Handle)
	}
	if err.Inner != nil {
		s += ": " + err.Inner.Error()
	}
	return s
}

func (err *ErrExternalCall) Unwrap() error {
	return err.Inner
}

// ErrIllegalTransition indicates an attempted job state change that violates
// the job state machine. It is a programming bug, never a runtime condition;
// the offending mutation is rejected whole.
type ErrIllegalTransition struct {
	JobId string
	From  string
	To    string
}

func (err *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s for job %s", err.From, err.To, err.JobId)
}

// ErrUnknownPartition indicates a reference to a partition absent from the
// registry. Partition configuration is immutable after load, so this is a
// configuration or logic bug and the process fails fast.
type ErrUnknownPartition struct {
	Name string
}

func (err *ErrUnknownPartition) Error() string {
	return fmt.Sprintf("partition %q is not in the partition registry", err.Name)
}
