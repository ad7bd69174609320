package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Handler processes a single claimed job. Returning an error triggers a retry
// until the job's retry attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

type Config struct {
	Concurrency        int           `split_words:"true" default:"5"`
	RatePerSecond      float64       `split_words:"true" default:"10"`
	PollInterval       time.Duration `split_words:"true" default:"500ms"`
	MaxAttempts        int           `split_words:"true" default:"3"`
	BackoffBase        time.Duration `split_words:"true" default:"1s"`
	BackoffMax         time.Duration `split_words:"true" default:"30s"`
	StallTimeout       time.Duration `split_words:"true" default:"2m"`
	JobTimeout         time.Duration `split_words:"true" default:"90s"`
	ClaimBatch         int           `split_words:"true" default:"10"`
	CompletedRetention time.Duration `split_words:"true" default:"24h"`
	FailedRetention    time.Duration `split_words:"true" default:"168h"`
	PurgeInterval      time.Duration `split_words:"true" default:"5m"`
}

// Dispatcher polls the job store and runs claimed jobs through a handler.
// Jobs for the same phone execute on a single lane in claim order, so one
// lead never has two turns processed concurrently. A weighted semaphore
// bounds total in-flight jobs and a rate limiter caps handler starts.
type Dispatcher struct {
	store   JobStore
	handler Handler
	cfg     Config

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	lanes  map[string]chan Job
	wg     sync.WaitGroup
	laneWG sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewDispatcher(store JobStore, handler Handler, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	return &Dispatcher{
		store:   store,
		handler: handler,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		now:     time.Now,
		lanes:   make(map[string]chan Job),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the poll and maintenance loops. Ctx cancellation behaves
// like Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(2)
	go d.pollLoop(ctx)
	go d.maintenanceLoop(ctx)
}

// Stop halts polling, lets lanes drain their queued jobs, and waits for
// in-flight handlers to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })

	d.mu.Lock()
	for phone, lane := range d.lanes {
		close(lane)
		delete(d.lanes, phone)
	}
	d.mu.Unlock()

	d.laneWG.Wait()
	d.wg.Wait()
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	jobs, err := d.store.ClaimDue(ctx, d.cfg.ClaimBatch, d.now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("queue: claim failed")
		}
		return
	}
	for _, job := range jobs {
		d.submit(job)
	}
}

// submit routes the job onto its phone lane, creating the lane on first use.
func (d *Dispatcher) submit(job Job) {
	d.mu.Lock()
	select {
	case <-d.stopCh:
		d.mu.Unlock()
		return
	default:
	}
	lane, ok := d.lanes[job.Phone]
	if !ok {
		lane = make(chan Job, 100)
		d.lanes[job.Phone] = lane
		d.laneWG.Add(1)
		go d.runLane(lane)
	}

	// The send happens under the lock so Stop cannot close the lane
	// between the lookup and the send.
	select {
	case lane <- job:
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		// Lane saturated. Give the claim back for a later poll instead of
		// blocking the poll loop; the bounce does not count as an attempt.
		now := d.now().UTC()
		if err := d.store.Release(context.Background(), job.ID, now.Add(d.cfg.PollInterval), now); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("queue: release on full lane failed")
		}
	}
}

func (d *Dispatcher) runLane(lane <-chan Job) {
	defer d.laneWG.Done()
	for job := range lane {
		d.runJob(job)
	}
}

func (d *Dispatcher) runJob(job Job) {
	// Jobs already claimed keep running through shutdown; they get their
	// own deadline instead of the dispatcher's lifecycle context.
	ctx := context.Background()
	if d.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.JobTimeout)
		defer cancel()
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.retryOrFail(job, err)
		return
	}
	defer d.sem.Release(1)

	if err := d.limiter.Wait(ctx); err != nil {
		d.retryOrFail(job, err)
		return
	}

	started := d.now()
	err := d.handler(ctx, job)
	elapsed := time.Since(started)

	if err != nil {
		log.Error().
			Err(err).
			Str("job_id", job.ID).
			Str("phone", job.Phone).
			Int("attempt", job.Attempts).
			Dur("elapsed", elapsed).
			Msg("queue: job failed")
		d.retryOrFail(job, err)
		return
	}

	log.Debug().
		Str("job_id", job.ID).
		Str("phone", job.Phone).
		Dur("elapsed", elapsed).
		Msg("queue: job completed")
	now := d.now().UTC()
	if err := d.store.MarkCompleted(context.Background(), job.ID, now); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("queue: mark completed failed")
	}
}

func (d *Dispatcher) retryOrFail(job Job, cause error) {
	now := d.now().UTC()
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	if job.Attempts >= maxAttempts {
		if err := d.store.MarkFailed(context.Background(), job.ID, cause.Error(), now); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("queue: mark failed failed")
		}
		return
	}
	runAt := now.Add(d.backoff(job.Attempts))
	if err := d.store.Requeue(context.Background(), job.ID, runAt, cause.Error(), now); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("queue: requeue failed")
	}
}

// backoff doubles per attempt starting from BackoffBase, capped at BackoffMax.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := d.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if delay > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return delay
}

func (d *Dispatcher) maintenanceLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.PurgeInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.maintainOnce(ctx)
		}
	}
}

func (d *Dispatcher) maintainOnce(ctx context.Context) {
	now := d.now().UTC()

	if d.cfg.StallTimeout > 0 {
		n, err := d.store.RequeueStalled(ctx, now.Add(-d.cfg.StallTimeout), now)
		if err != nil {
			log.Error().Err(err).Msg("queue: stalled requeue failed")
		} else if n > 0 {
			log.Warn().Int("count", n).Msg("queue: requeued stalled jobs")
		}
	}

	n, err := d.store.Purge(ctx, now.Add(-d.cfg.CompletedRetention), now.Add(-d.cfg.FailedRetention))
	if err != nil {
		log.Error().Err(err).Msg("queue: purge failed")
	} else if n > 0 {
		log.Debug().Int("count", n).Msg("queue: purged jobs")
	}
}

// Stats reports queue depth by status.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	return d.store.Stats(ctx, d.now().UTC())
}
