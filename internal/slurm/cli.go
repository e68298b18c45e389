package slurm

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var requestDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "flotilla_slurm_request_duration_seconds",
		Help:    "Time taken by each Slurm command line invocation",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	},
	[]string{"command"},
)

var submittedJobRegex = regexp.MustCompile(`Submitted batch job (\d+)`)

// firstWordRegex extracts the leading state token from sacct output such as "CANCELLED by 1000".
var firstWordRegex = regexp.MustCompile(`\w+`)

// CommandRunner runs one external command, feeding it stdin and returning its stdout.
// It exists so that tests can substitute a fake for the exec-backed implementation.
type CommandRunner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out, errors.Errorf("%s: %s: %s", name, exitErr, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, errors.Wrapf(err, "%s", name)
	}
	return out, nil
}

// CLIClient implements Client by shelling out to the Slurm command line tools.
// Slurm's tools fail transiently under load, so every call is retried with
// exponential backoff before the error is surfaced to the caller.
type CLIClient struct {
	runner     CommandRunner
	attempts   uint
	retryDelay time.Duration
}

func NewCLIClient(attempts uint, retryDelay time.Duration) *CLIClient {
	return &CLIClient{
		runner:     execRunner{},
		attempts:   attempts,
		retryDelay: retryDelay,
	}
}

func (c *CLIClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	args := sbatchArgs(req)
	script := sbatchScript(req.Commands)
	out, err := c.run(ctx, script, "sbatch", args...)
	if err != nil {
		return "", err
	}
	match := submittedJobRegex.FindStringSubmatch(string(out))
	if match == nil {
		return "", errors.Errorf("could not parse sbatch output %q", strings.TrimSpace(string(out)))
	}
	return match[1], nil
}

func (c *CLIClient) Cancel(ctx context.Context, handle string) (CancelOutcome, error) {
	// Restricting scancel to pending jobs means a job that started between our
	// last poll and now is left running rather than killed.
	_, err := c.run(ctx, "", "scancel", "--state=PENDING", handle)
	if err == nil {
		return OutcomeCancelled, nil
	}
	status, statusErr := c.Status(ctx, handle)
	if statusErr != nil {
		return 0, errors.Wrapf(err, "failed to cancel job %s", handle)
	}
	if status.Phase == PhaseQueued {
		// Still pending yet scancel failed: a transient Slurm error, let the caller retry.
		return 0, errors.Wrapf(err, "failed to cancel pending job %s", handle)
	}
	return OutcomeAlreadyStarted, nil
}

func (c *CLIClient) Status(ctx context.Context, handle string) (JobStatus, error) {
	out, err := c.run(ctx, "", "sacct", "-j", handle, "--noheader", "--parsable2", "-o", "State,CPUTimeRAW")
	if err != nil {
		return JobStatus{}, err
	}
	return parseSacctOutput(string(out))
}

func (c *CLIClient) CancelAll(ctx context.Context, handles []string) error {
	wg := &sync.WaitGroup{}
	errsCh := make(chan error, len(handles))
	for _, handle := range handles {
		wg.Add(1)
		go func(handle string) {
			defer wg.Done()
			if _, err := c.runner.Run(ctx, "", "scancel", handle); err != nil {
				errsCh <- errors.Wrapf(err, "failed to cancel job %s", handle)
			}
		}(handle)
	}
	wg.Wait()
	close(errsCh)

	var result *multierror.Error
	for err := range errsCh {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (c *CLIClient) run(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	var out []byte
	err := retry.Do(
		func() error {
			start := time.Now()
			b, err := c.runner.Run(ctx, stdin, name, args...)
			requestDurationHist.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if err != nil {
				log.WithError(err).Warnf("%s failed, will retry", name)
				return err
			}
			out = b
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return out, err
}

func sbatchArgs(req SubmitRequest) []string {
	args := []string{"-A", req.Account, "-p", req.Partition}
	if req.MemoryKB > 0 {
		args = append(args, "--mem", strconv.FormatInt(req.MemoryKB, 10)+"K")
	}
	if req.TimeoutMinutes > 0 {
		args = append(args, "-t", strconv.Itoa(req.TimeoutMinutes))
	}
	if req.Qos != "" {
		args = append(args, "--qos", req.Qos)
	}
	if req.OutputPattern != "" {
		args = append(args, "-o", req.OutputPattern, "-e", req.OutputPattern)
	}
	return append(args, "-n", "1", "--no-requeue")
}

// sbatchScript builds the batch script read by sbatch on stdin.
// The commands run concurrently under GNU parallel on the allocated node.
func sbatchScript(commands []string) string {
	sb := strings.Builder{}
	sb.WriteString("#!/bin/bash\n")
	sb.WriteString("parallel << 'EOF'\n")
	for _, command := range commands {
		sb.WriteString(command)
		sb.WriteString("\n")
	}
	sb.WriteString("EOF\n")
	return sb.String()
}

func parseSacctOutput(out string) (JobStatus, error) {
	// sacct emits one line per job step; the first line is the job itself.
	var line string
	for _, l := range strings.Split(out, "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
	}
	if line == "" {
		return JobStatus{}, errors.Errorf("empty sacct output")
	}
	fields := strings.Split(line, "|")
	state := firstWordRegex.FindString(fields[0])
	if state == "" {
		// Slurm is flaky: sacct sometimes succeeds but returns garbage.
		return JobStatus{}, errors.Errorf("could not parse sacct output %q", strings.TrimSpace(out))
	}
	var cpuTime int64
	if len(fields) > 1 {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64); err == nil {
			cpuTime = parsed
		}
	}
	return JobStatus{
		State:          state,
		Phase:          PhaseForState(state),
		CPUTimeSeconds: cpuTime,
	}, nil
}

var _ Client = &CLIClient{}
