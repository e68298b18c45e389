package slurm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeClient(runner *fakeRunner) *CLIClient {
	return &CLIClient{runner: runner, attempts: 3}
}

func TestSubmitBuildsSbatchInvocation(t *testing.T) {
	runner := &fakeRunner{output: "Submitted batch job 4242\n"}
	client := newFakeClient(runner)

	handle, err := client.Submit(context.Background(), SubmitRequest{
		Partition:      "gpu",
		Account:        "proj",
		Qos:            "high",
		MemoryKB:       4000000,
		TimeoutMinutes: 120,
		OutputPattern:  "./out/slurm-%j.out",
		Commands:       []string{"echo one", "echo two"},
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", handle)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "sbatch", call.name)
	assert.Equal(t, []string{
		"-A", "proj", "-p", "gpu",
		"--mem", "4000000K",
		"-t", "120",
		"--qos", "high",
		"-o", "./out/slurm-%j.out", "-e", "./out/slurm-%j.out",
		"-n", "1", "--no-requeue",
	}, call.args)
	assert.Equal(t, "#!/bin/bash\nparallel << 'EOF'\necho one\necho two\nEOF\n", call.stdin)
}

func TestSubmitOmitsOptionalArgs(t *testing.T) {
	runner := &fakeRunner{output: "Submitted batch job 1\n"}
	client := newFakeClient(runner)

	_, err := client.Submit(context.Background(), SubmitRequest{
		Partition: "cpu",
		Account:   "proj",
		Commands:  []string{"true"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"-A", "proj", "-p", "cpu", "-n", "1", "--no-requeue"}, runner.calls[0].args)
}

func TestSubmitRejectsUnparsableOutput(t *testing.T) {
	runner := &fakeRunner{output: "sbatch: error: something\n"}
	client := newFakeClient(runner)

	_, err := client.Submit(context.Background(), SubmitRequest{Partition: "cpu", Account: "proj"})
	assert.ErrorContains(t, err, "could not parse sbatch output")
}

func TestRunRetriesTransientFailures(t *testing.T) {
	runner := &fakeRunner{output: "Submitted batch job 7\n", failures: 2}
	client := newFakeClient(runner)

	handle, err := client.Submit(context.Background(), SubmitRequest{Partition: "cpu", Account: "proj"})
	require.NoError(t, err)
	assert.Equal(t, "7", handle)
	assert.Len(t, runner.calls, 3)
}

func TestRunSurfacesTheErrorOnceRetriesAreExhausted(t *testing.T) {
	runner := &fakeRunner{output: "Submitted batch job 7\n", failures: 3}
	client := newFakeClient(runner)

	_, err := client.Submit(context.Background(), SubmitRequest{Partition: "cpu", Account: "proj"})
	assert.Error(t, err)
}

func TestCancelPendingJob(t *testing.T) {
	runner := &fakeRunner{}
	client := newFakeClient(runner)

	outcome, err := client.Cancel(context.Background(), "55")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Equal(t, []string{"--state=PENDING", "55"}, runner.calls[0].args)
}

func TestCancelOfStartedJobReportsAlreadyStarted(t *testing.T) {
	runner := &fakeRunner{
		errsByName:   map[string]error{"scancel": assert.AnError},
		outputByName: map[string]string{"sacct": "RUNNING|0\n"},
	}
	client := newFakeClient(runner)

	outcome, err := client.Cancel(context.Background(), "55")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyStarted, outcome)
}

func TestCancelOfStillPendingJobSurfacesTheError(t *testing.T) {
	runner := &fakeRunner{
		errsByName:   map[string]error{"scancel": assert.AnError},
		outputByName: map[string]string{"sacct": "PENDING|0\n"},
	}
	client := newFakeClient(runner)

	_, err := client.Cancel(context.Background(), "55")
	assert.ErrorContains(t, err, "failed to cancel pending job 55")
}

func TestStatusParsesSacctOutput(t *testing.T) {
	tests := map[string]struct {
		output   string
		expected JobStatus
	}{
		"pending": {
			output:   "PENDING|0\n",
			expected: JobStatus{State: "PENDING", Phase: PhaseQueued},
		},
		"running": {
			output:   "RUNNING|123\n",
			expected: JobStatus{State: "RUNNING", Phase: PhaseRunning, CPUTimeSeconds: 123},
		},
		"completed with steps": {
			output:   "COMPLETED|3600\nCOMPLETED|3600\nCOMPLETED|0\n",
			expected: JobStatus{State: "COMPLETED", Phase: PhaseCompleted, CPUTimeSeconds: 3600},
		},
		"cancelled by a user": {
			output:   "CANCELLED by 1000|17\n",
			expected: JobStatus{State: "CANCELLED", Phase: PhaseFailed, CPUTimeSeconds: 17},
		},
		"leading blank line": {
			output:   "\nTIMEOUT|50\n",
			expected: JobStatus{State: "TIMEOUT", Phase: PhaseFailed, CPUTimeSeconds: 50},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			runner := &fakeRunner{output: tc.output}
			client := newFakeClient(runner)

			status, err := client.Status(context.Background(), "99")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, status)
			assert.Equal(t, "sacct", runner.calls[0].name)
			assert.Equal(t, []string{"-j", "99", "--noheader", "--parsable2", "-o", "State,CPUTimeRAW"}, runner.calls[0].args)
		})
	}
}

func TestStatusRejectsGarbledSacctOutput(t *testing.T) {
	for name, output := range map[string]string{
		"empty":       "",
		"whitespace":  "\n \n",
		"punctuation": "|||\n",
	} {
		t.Run(name, func(t *testing.T) {
			runner := &fakeRunner{output: output}
			client := newFakeClient(runner)

			_, err := client.Status(context.Background(), "99")
			assert.Error(t, err)
		})
	}
}

func TestPhaseForState(t *testing.T) {
	assert.Equal(t, PhaseQueued, PhaseForState("PENDING"))
	assert.Equal(t, PhaseCompleted, PhaseForState("COMPLETED"))
	assert.Equal(t, PhasePreempted, PhaseForState("PREEMPTED"))
	for state := range runningStates {
		assert.Equalf(t, PhaseRunning, PhaseForState(state), "state %s", state)
	}
	for state := range failedStates {
		assert.Equalf(t, PhaseFailed, PhaseForState(state), "state %s", state)
	}
	assert.Equal(t, PhaseUnknown, PhaseForState("SOMETHING_NEW"))
}

func TestCancelAllCancelsEveryHandle(t *testing.T) {
	runner := &fakeRunner{}
	client := newFakeClient(runner)

	require.NoError(t, client.CancelAll(context.Background(), []string{"1", "2", "3"}))

	cancelled := map[string]bool{}
	for _, call := range runner.calls {
		require.Equal(t, "scancel", call.name)
		require.Len(t, call.args, 1)
		cancelled[call.args[0]] = true
	}
	assert.Equal(t, map[string]bool{"1": true, "2": true, "3": true}, cancelled)
}

func TestCancelAllCollectsErrors(t *testing.T) {
	runner := &fakeRunner{errsByName: map[string]error{"scancel": assert.AnError}}
	client := newFakeClient(runner)

	err := client.CancelAll(context.Background(), []string{"1", "2"})
	assert.Error(t, err)
}

type runnerCall struct {
	name  string
	args  []string
	stdin string
}

// fakeRunner records invocations and serves canned output. The first
// `failures` calls fail, imitating Slurm's transient flakiness.
type fakeRunner struct {
	output       string
	outputByName map[string]string
	errsByName   map[string]error
	failures     int
	calls        []runnerCall
}

func (r *fakeRunner) Run(_ context.Context, stdin string, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, runnerCall{name: name, args: args, stdin: stdin})
	if err, ok := r.errsByName[name]; ok {
		return nil, err
	}
	if r.failures > 0 {
		r.failures--
		return nil, assert.AnError
	}
	if out, ok := r.outputByName[name]; ok {
		return []byte(out), nil
	}
	return []byte(r.output), nil
}
