package configuration

import (
	"time"

	"github.com/pkg/errors"
)

type FlotillaConfig struct {
	// Ordered list of partitions jobs may be scheduled on.
	// The order is significant: it is the tie-break key when partitions estimate equally.
	Partitions []PartitionConfig `validate:"required,min=1,dive"`
	Scheduling SchedulingConfig
	Slurm      SlurmConfig
	Metrics    MetricsConfig
}

type PartitionConfig struct {
	// Slurm partition name.
	Name string `validate:"required"`
	// Maximum number of jobs the metascheduler may have queued or running here at once.
	MaxConcurrentJobs int `validate:"required,gt=0"`
	// Maximum number of commands one job on this partition can hold.
	CommandsPerJob int `validate:"required,gt=0"`
	// Account passed to sbatch -A.
	Account string `validate:"required"`
	// Optional quality of service passed to sbatch --qos.
	Qos string
}

type SchedulingConfig struct {
	// Interval between assignment control loop ticks.
	TickInterval time.Duration `validate:"required"`
	// Number of commands packed into each job.
	CommandsPerJob int `validate:"required,gt=0"`
	// Number of times a job may fail and be resubmitted before it is marked failed.
	RetryLimit int `validate:"gte=0"`
	// Number of goroutines issuing submit and cancel calls concurrently.
	SubmitWorkers int `validate:"required,gt=0"`
	// Minimum memory needed by the most greedy command, in gigabytes. Zero for no request.
	MemoryGBPerCommand float64 `validate:"gte=0"`
	// Minutes needed by the slowest command. Zero for the partition default limit.
	TimeoutMinutes int `validate:"gte=0"`
	// Directory each job's stdout and stderr are saved in.
	OutputDir string `validate:"required"`
	// Interval between progress reports. Zero disables reporting.
	ReportInterval time.Duration
}

type SlurmConfig struct {
	// Number of attempts for each Slurm command before its failure is surfaced.
	Retries uint `validate:"required,gt=0"`
	// Initial backoff delay between attempts.
	RetryDelay time.Duration `validate:"required"`
	// Interval between sacct status sweeps.
	PollInterval time.Duration `validate:"required"`
	// Number of goroutines issuing status queries concurrently.
	PollWorkers int `validate:"required,gt=0"`
}

type MetricsConfig struct {
	// Port to serve prometheus metrics on. Zero disables the metrics server.
	Port uint16
}

// Validate performs the cross-field checks struct tags cannot express.
func (c FlotillaConfig) Validate() error {
	seen := map[string]bool{}
	for _, partition := range c.Partitions {
		if seen[partition.Name] {
			return errors.Errorf("partition %s is configured twice", partition.Name)
		}
		seen[partition.Name] = true
		// Batches are formed once and never resized, so every partition must be
		// able to accept a full batch or jobs could not move freely between partitions.
		if partition.CommandsPerJob < c.Scheduling.CommandsPerJob {
			return errors.Errorf(
				"partition %s accepts %d commands per job, which is less than the batch size %d",
				partition.Name, partition.CommandsPerJob, c.Scheduling.CommandsPerJob)
		}
	}
	return nil
}
