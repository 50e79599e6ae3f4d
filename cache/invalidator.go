package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrInvalidationDeferred is returned when an invalidation could not be
// applied inline and was handed to the background queue.
var ErrInvalidationDeferred = errors.New("cache invalidation deferred")

// Invalidation names the tags and key patterns a write made stale.
type Invalidation struct {
	Tags     []string
	Patterns []string
}

// Empty reports whether there is nothing to invalidate.
func (inv Invalidation) Empty() bool {
	return len(inv.Tags) == 0 && len(inv.Patterns) == 0
}

// InvalidatorConfig bounds inline and background retries.
type InvalidatorConfig struct {
	// MaxTries and MaxElapsed bound the inline attempt made on the request path.
	MaxTries   uint
	MaxElapsed time.Duration
	// QueueSize is the background queue capacity; jobs beyond it are dropped.
	QueueSize int
	// BackgroundTries and BackgroundElapsed bound each background job.
	BackgroundTries   uint
	BackgroundElapsed time.Duration
	Logger            *zap.Logger
}

// DefaultInvalidatorConfig returns production defaults.
func DefaultInvalidatorConfig() InvalidatorConfig {
	return InvalidatorConfig{
		MaxTries:          3,
		MaxElapsed:        500 * time.Millisecond,
		QueueSize:         1024,
		BackgroundTries:   10,
		BackgroundElapsed: 30 * time.Second,
	}
}

// InvalidatorStats reports escalation counters.
type InvalidatorStats struct {
	Deferred  uint64
	Dropped   uint64
	Abandoned uint64
}

// Invalidator applies post-write invalidations. Each is retried inline with
// exponential backoff; one that still fails moves to a background queue that
// keeps retrying. Dropped and abandoned jobs are logged at Error.
type Invalidator struct {
	cache  *Cache
	cfg    InvalidatorConfig
	logger *zap.Logger

	// mu orders enqueue against Close so no job lands after the drain.
	mu        sync.RWMutex
	closed    bool
	ch        chan Invalidation
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	deferred  atomic.Uint64
	dropped   atomic.Uint64
	abandoned atomic.Uint64
}

// NewInvalidator starts the background worker. Call Close to drain it.
func NewInvalidator(c *Cache, cfg InvalidatorConfig) *Invalidator {
	def := DefaultInvalidatorConfig()
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BackgroundTries == 0 {
		cfg.BackgroundTries = def.BackgroundTries
	}
	if cfg.BackgroundElapsed <= 0 {
		cfg.BackgroundElapsed = def.BackgroundElapsed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	inv := &Invalidator{
		cache:  c,
		cfg:    cfg,
		logger: logger.Named("cache.invalidator"),
		ch:     make(chan Invalidation, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	inv.wg.Add(1)
	go inv.run()

	return inv
}

// Invalidate applies job, retrying within the inline budget. If that fails
// the job is queued and ErrInvalidationDeferred is returned; the caller's
// write has still succeeded.
func (i *Invalidator) Invalidate(ctx context.Context, job Invalidation) error {
	if job.Empty() {
		return nil
	}

	// Detached from request cancellation.
	err := i.attempt(context.WithoutCancel(ctx), job, i.cfg.MaxTries, i.cfg.MaxElapsed, initialInterval(i.cfg.MaxElapsed))
	if err == nil {
		return nil
	}

	i.logger.Warn("cache invalidation failed inline, deferring",
		zap.Strings("tags", job.Tags),
		zap.Strings("patterns", job.Patterns),
		zap.Error(err),
	)
	i.enqueue(job)
	return ErrInvalidationDeferred
}

func (i *Invalidator) attempt(ctx context.Context, job Invalidation, tries uint, elapsed, initial time.Duration) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = initial
	expBackoff.MaxInterval = elapsed
	expBackoff.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if len(job.Tags) > 0 {
			if _, err := i.cache.InvalidateByTag(ctx, job.Tags...); err != nil {
				return struct{}{}, err
			}
		}
		if len(job.Patterns) > 0 {
			if _, err := i.cache.InvalidateByPattern(ctx, job.Patterns...); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(elapsed),
	)
	return err
}

func (i *Invalidator) enqueue(job Invalidation) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		i.dropped.Add(1)
		i.logger.Error("cache invalidation dropped, invalidator closed",
			zap.Strings("tags", job.Tags),
			zap.Strings("patterns", job.Patterns),
		)
		return
	}
	select {
	case i.ch <- job:
		i.deferred.Add(1)
	default:
		i.dropped.Add(1)
		i.logger.Error("cache invalidation dropped, queue full",
			zap.Strings("tags", job.Tags),
			zap.Strings("patterns", job.Patterns),
		)
	}
}

func (i *Invalidator) run() {
	defer i.wg.Done()

	for {
		select {
		case job := <-i.ch:
			i.process(job)
		case <-i.done:
			for {
				select {
				case job := <-i.ch:
					i.process(job)
				default:
					return
				}
			}
		}
	}
}

func (i *Invalidator) process(job Invalidation) {
	err := i.attempt(context.Background(), job, i.cfg.BackgroundTries, i.cfg.BackgroundElapsed, initialInterval(i.cfg.BackgroundElapsed))
	if err == nil {
		return
	}
	i.abandoned.Add(1)
	i.logger.Error("cache invalidation abandoned",
		zap.Strings("tags", job.Tags),
		zap.Strings("patterns", job.Patterns),
		zap.Error(err),
	)
}

// Close stops accepting jobs and drains the queue.
func (i *Invalidator) Close() {
	if i == nil {
		return
	}
	i.closeOnce.Do(func() {
		i.mu.Lock()
		i.closed = true
		i.mu.Unlock()

		close(i.done)
		i.wg.Wait()
	})
}

// Stats returns escalation counters.
func (i *Invalidator) Stats() InvalidatorStats {
	if i == nil {
		return InvalidatorStats{}
	}
	return InvalidatorStats{
		Deferred:  i.deferred.Load(),
		Dropped:   i.dropped.Load(),
		Abandoned: i.abandoned.Load(),
	}
}

func initialInterval(budget time.Duration) time.Duration {
	d := budget / 10
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
