package poller

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bavix/nestbridge/internal/clock"
	"github.com/bavix/nestbridge/internal/metrics"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultBackoff  = time.Second

	flightKey = "poll"
)

// Fetcher performs one network call.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options configures a Poller.
type Options struct {
	Clock    clock.Clock
	Interval time.Duration
	Backoff  time.Duration
	Logger   zerolog.Logger
}

// Poller throttles a fetcher: at most one network call per interval, and at
// most one in flight. Only successful calls open the throttle window.
type Poller[T any] struct {
	fetch    Fetcher[T]
	clock    clock.Clock
	interval time.Duration
	backoff  time.Duration
	log      zerolog.Logger

	sf singleflight.Group

	mu     sync.Mutex
	last   T
	lastAt time.Time
	have   bool

	// epoch names the current flight; started is set once its fetch began.
	epoch     uint64
	started   bool
	lastEpoch uint64
}

// New creates a Poller.
func New[T any](fetch Fetcher[T], opts Options) *Poller[T] {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}

	return &Poller[T]{
		fetch:    fetch,
		clock:    opts.Clock,
		interval: opts.Interval,
		backoff:  opts.Backoff,
		log:      opts.Logger,
	}
}

// Poll returns the cached result while the window is open, otherwise it
// joins or starts a network call.
func (p *Poller[T]) Poll(ctx context.Context) (T, error) {
	if v, ok := p.cached(); ok {
		metrics.M.PollCached.Inc()

		return v, nil
	}

	return p.call(ctx, false)
}

// Fresh ignores the throttle window and never returns a result whose fetch
// began before Fresh was called. Callers arriving before the fetch starts
// share one call.
func (p *Poller[T]) Fresh(ctx context.Context) (T, error) {
	return p.call(ctx, true)
}

// PollUntil retries Poll with a fixed backoff until it succeeds or ctx is done.
func (p *Poller[T]) PollUntil(ctx context.Context) (T, error) {
	for attempt := 1; ; attempt++ {
		v, err := p.Poll(ctx)
		if err == nil {
			return v, nil
		}

		if ctx.Err() != nil {
			return v, ctx.Err()
		}

		p.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", p.backoff).Msg("poll failed, retrying")

		select {
		case <-ctx.Done():
			var zero T

			return zero, ctx.Err()
		case <-p.clock.After(p.backoff):
		}
	}
}

// Last returns the last successful result and when it was fetched.
func (p *Poller[T]) Last() (T, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.last, p.lastAt, p.have
}

// Invalidate closes the throttle window; the next Poll hits the network.
func (p *Poller[T]) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastAt = time.Time{}
	p.have = false
}

func (p *Poller[T]) cached() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.have && p.clock.Now().Sub(p.lastAt) < p.interval {
		return p.last, true
	}

	var zero T

	return zero, false
}

func (p *Poller[T]) call(ctx context.Context, fresh bool) (T, error) {
	p.mu.Lock()
	if fresh && p.started {
		p.epoch++
		p.started = false
	}

	epoch := p.epoch
	p.mu.Unlock()

	// the shared call outlives any single caller's cancellation
	ch := p.sf.DoChan(flightKey+"/"+strconv.FormatUint(epoch, 10), func() (any, error) {
		p.mu.Lock()
		if p.epoch == epoch {
			p.started = true
		}
		p.mu.Unlock()

		v, err := p.fetch(context.WithoutCancel(ctx))
		if err != nil {
			metrics.M.PollError.Inc()

			return v, err
		}

		metrics.M.PollNetwork.Inc()

		p.mu.Lock()
		// a slower flight from an older epoch must not overwrite a fresher result
		if epoch >= p.lastEpoch {
			p.last, p.lastAt, p.have, p.lastEpoch = v, p.clock.Now(), true, epoch
		}
		p.mu.Unlock()

		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero T

		return zero, ctx.Err()
	case res := <-ch:
		v, _ := res.Val.(T)

		return v, res.Err
	}
}
