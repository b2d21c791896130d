// Package worker runs directory refresh jobs taken from the Redis queue.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/voyagen/mayotv/internal/cache"
	"github.com/voyagen/mayotv/internal/logger"
	"github.com/voyagen/mayotv/internal/metrics"
	"github.com/voyagen/mayotv/internal/models"
)

const (
	DefaultPollTimeout = 5 * time.Second
	DefaultMaxTries    = 3
)

// Jobs yields refresh jobs. Pop returns (nil, nil) when nothing arrived
// within timeout.
type Jobs interface {
	Pop(ctx context.Context, timeout time.Duration) (*cache.RefreshJob, error)
}

// Refresher rebuilds and persists the directory.
type Refresher interface {
	Refresh(ctx context.Context) (*models.Directory, error)
}

// Locker acquires the cluster-wide refresh lock. It returns cache.ErrLocked
// when another worker holds it.
type Locker func(ctx context.Context) (unlock func(), err error)

// RedisLocker guards refreshes with cache.TryLock on key.
func RedisLocker(r *cache.Redis, key string, ttl time.Duration) Locker {
	return func(ctx context.Context) (func(), error) {
		return cache.TryLock(ctx, r, key, ttl)
	}
}

// Refresh consumes jobs until its context is cancelled.
type Refresh struct {
	jobs        Jobs
	dir         Refresher
	lock        Locker
	onRefreshed func(context.Context)
	pollTimeout time.Duration
	maxTries    uint
	newBackOff  func() *backoff.ExponentialBackOff
	log         logger.Logger
}

type Option func(*Refresh)

func WithLocker(l Locker) Option {
	return func(w *Refresh) { w.lock = l }
}

// WithOnRefreshed registers a hook run after every successful rebuild.
func WithOnRefreshed(fn func(context.Context)) Option {
	return func(w *Refresh) { w.onRefreshed = fn }
}

func WithPollTimeout(d time.Duration) Option {
	return func(w *Refresh) {
		if d > 0 {
			w.pollTimeout = d
		}
	}
}

// WithRetry sets how many times a failing rebuild is attempted per job and
// the first delay between attempts.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(w *Refresh) {
		if maxTries > 0 {
			w.maxTries = maxTries
		}
		if initial > 0 {
			w.newBackOff = func() *backoff.ExponentialBackOff {
				b := backoff.NewExponentialBackOff()
				b.InitialInterval = initial
				b.MaxInterval = 20 * initial
				return b
			}
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(w *Refresh) { w.log = l }
}

func NewRefresh(jobs Jobs, dir Refresher, opts ...Option) *Refresh {
	w := &Refresh{
		jobs:        jobs,
		dir:         dir,
		pollTimeout: DefaultPollTimeout,
		maxTries:    DefaultMaxTries,
		newBackOff:  backoff.NewExponentialBackOff,
		log:         logger.NewTestLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Component("refresh-worker")
	return w
}

// Run polls for jobs until ctx is cancelled. Queue errors back off
// exponentially instead of spinning.
func (w *Refresh) Run(ctx context.Context) {
	w.log.Info().Msg("refresh worker started")
	defer w.log.Info().Msg("refresh worker stopped")

	pause := w.newBackOff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.jobs.Pop(ctx, w.pollTimeout)
		if err != nil {
			delay := pause.NextBackOff()
			w.log.Warn().Err(err).Dur("retry_in", delay).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		pause.Reset()
		if job == nil {
			continue // timeout, loop back to check ctx
		}

		if err := w.Handle(ctx, *job); err != nil && !errors.Is(err, cache.ErrLocked) {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("refresh failed")
		}
	}
}

// Handle runs one job under the lock, retrying the rebuild with
// exponential backoff. A job that finds the lock held is dropped, since
// the holder is already rebuilding.
func (w *Refresh) Handle(ctx context.Context, job cache.RefreshJob) error {
	log := w.log.With().Str("job_id", job.ID).Str("reason", job.Reason).Logger()

	if w.lock != nil {
		unlock, err := w.lock(ctx)
		if err != nil {
			if errors.Is(err, cache.ErrLocked) {
				metrics.RefreshJobs.WithLabelValues("locked").Inc()
				log.Debug().Msg("refresh already running elsewhere")
			} else {
				metrics.RefreshJobs.WithLabelValues("error").Inc()
			}
			return err
		}
		defer unlock()
	}

	start := time.Now()
	dir, err := backoff.Retry(ctx, func() (*models.Directory, error) {
		return w.dir.Refresh(ctx)
	}, backoff.WithBackOff(w.newBackOff()), backoff.WithMaxTries(w.maxTries))
	if err != nil {
		metrics.RefreshJobs.WithLabelValues("error").Inc()
		return err
	}

	metrics.RefreshJobs.WithLabelValues("ok").Inc()
	log.Info().
		Int("channels", len(dir.AllChannels)).
		Dur("took", time.Since(start)).
		Msg("directory refreshed")
	if w.onRefreshed != nil {
		w.onRefreshed(ctx)
	}
	return nil
}
