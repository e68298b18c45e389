package scheduler

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/flotillaproject/flotilla/internal/slurm"
)

// reportedCacheSize bounds the memory spent remembering which terminal states
// have already been sent to the scheduler.
const reportedCacheSize = 8192

// Poller periodically queries Slurm for the status of every submission the
// scheduler is waiting on. It never writes shared state itself: it reads
// consistent job database snapshots and sends its findings to the scheduler
// loop through the event channel, which is the single serialization point.
type Poller struct {
	jobDb       *JobDb
	slurmClient slurm.Client
	events      chan<- StatusEvent
	interval    time.Duration
	// Number of goroutines issuing status queries concurrently.
	workers int
	clock   clock.Clock
	// Terminal reports already sent, so a slow scheduler tick does not
	// receive the same completion twice.
	reported *lru.Cache
}

func NewPoller(
	jobDb *JobDb,
	slurmClient slurm.Client,
	events chan<- StatusEvent,
	interval time.Duration,
	workers int,
) (*Poller, error) {
	reported, err := lru.New(reportedCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Poller{
		jobDb:       jobDb,
		slurmClient: slurmClient,
		events:      events,
		interval:    interval,
		workers:     workers,
		clock:       clock.RealClock{},
		reported:    reported,
	}, nil
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := p.poll(ctx); err != nil {
				log.WithError(err).Error("Error polling job statuses")
			}
		}
	}
}

// poll queries the status of every submitted or running job through a bounded
// worker pool and sends the findings to the scheduler. A job whose query
// fails is skipped and picked up again next round; Slurm's accounting
// database fails transiently under load and the job's state cannot have been
// lost, only delayed.
func (p *Poller) poll(ctx context.Context) error {
	txn := p.jobDb.ReadTxn()
	jobs, err := p.jobDb.GetAll(txn)
	if err != nil {
		return err
	}
	toPoll := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if (job.State == JobSubmitted || job.State == JobRunning) && job.Handle != "" {
			toPoll = append(toPoll, job)
		}
	}
	if len(toPoll) == 0 {
		return nil
	}

	wg := &sync.WaitGroup{}
	jobsCh := make(chan *Job)
	eventsCh := make(chan StatusEvent, len(toPoll))
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobsCh {
				status, err := p.slurmClient.Status(ctx, job.Handle)
				if err != nil {
					log.WithError(err).Warnf("Failed to determine the state of job %s (Slurm job %s)", job.JobId, job.Handle)
					continue
				}
				eventsCh <- StatusEvent{
					JobId:          job.JobId,
					Handle:         job.Handle,
					Phase:          status.Phase,
					State:          status.State,
					CPUTimeSeconds: status.CPUTimeSeconds,
				}
			}
		}()
	}
	for _, job := range toPoll {
		jobsCh <- job
	}
	close(jobsCh)
	wg.Wait()
	close(eventsCh)

	for event := range eventsCh {
		if event.Phase == slurm.PhaseQueued {
			// Nothing the scheduler would record; it sees queued jobs in the
			// job database already.
			continue
		}
		if event.Phase.Terminal() {
			key := event.Handle + "/" + event.Phase.String()
			if p.reported.Contains(key) {
				continue
			}
			p.reported.Add(key, true)
		}
		select {
		case p.events <- event:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
