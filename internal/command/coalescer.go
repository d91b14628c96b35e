package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bavix/nestbridge/internal/clock"
	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/keyed"
	"github.com/bavix/nestbridge/internal/metrics"
)

const (
	DefaultDebounce = 12 * time.Second
	DefaultMaxDefer = 60 * time.Second
)

// State of a device queue.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateFlushing State = "flushing"
)

type pending struct {
	id      string
	cmd     Command
	seq     uint64
	waiters []chan error
}

func (p *pending) resolve(err error) {
	if p == nil {
		return
	}

	for _, w := range p.waiters {
		w <- err
	}
}

type queue struct {
	batch    map[Family]*pending
	first    time.Time
	timer    clock.Timer
	armGen   uint64
	flushing bool
}

// Options configures a Coalescer.
type Options struct {
	Clock    clock.Clock
	Debounce time.Duration
	MaxDefer time.Duration
	Logger   zerolog.Logger
}

// Coalescer batches commands per device and family behind a debounce window.
// Different devices flush concurrently; flushes of one device are serialized.
type Coalescer struct {
	ctx       context.Context //nolint:containedctx // lifetime of background flushes
	registry  *device.Registry
	profile   Profile
	sender    Sender
	reconcile Reconciler
	clock     clock.Clock
	debounce  time.Duration
	maxDefer  time.Duration
	log       zerolog.Logger

	flushLocks keyed.Mutex

	mu     sync.Mutex
	seq    uint64
	queues map[string]*queue
}

// New creates a Coalescer. Flushes run under ctx.
func New(
	ctx context.Context,
	registry *device.Registry,
	profile Profile,
	sender Sender,
	reconcile Reconciler,
	opts Options,
) *Coalescer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.MaxDefer < opts.Debounce {
		opts.MaxDefer = max(DefaultMaxDefer, opts.Debounce)
	}

	if reconcile == nil {
		reconcile = func(context.Context, string) {}
	}

	return &Coalescer{
		ctx:       ctx,
		registry:  registry,
		profile:   profile,
		sender:    sender,
		reconcile: reconcile,
		clock:     opts.Clock,
		debounce:  opts.Debounce,
		maxDefer:  opts.MaxDefer,
		log:       opts.Logger,
		queues:    make(map[string]*queue),
	}
}

// Submit enqueues cmd and waits for the flush that carries it.
// If ctx ends first the command still flushes.
func (c *Coalescer) Submit(ctx context.Context, deviceID string, cmd Command) error {
	ch, err := c.Enqueue(deviceID, cmd)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

// Enqueue adds cmd to the device queue. The channel receives the outcome.
func (c *Coalescer) Enqueue(deviceID string, cmd Command) (<-chan error, error) {
	family, err := c.profile.Family(cmd)
	if err != nil {
		return nil, err
	}

	if !c.registry.Present(deviceID) {
		return nil, customerrors.ErrDeviceNotFoundWithID(deviceID)
	}

	done := make(chan error, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[deviceID]
	if !ok {
		q = &queue{}
		c.queues[deviceID] = q
	}

	now := c.clock.Now()

	if len(q.batch) == 0 {
		q.batch = make(map[Family]*pending)
		q.first = now
	}

	c.seq++

	if prev, ok := q.batch[family]; ok {
		merged := cmd.With(nil)
		if prev.cmd.Name == cmd.Name {
			merged = prev.cmd.With(cmd.Params)
		}

		prev.cmd = merged
		prev.seq = c.seq
		prev.waiters = append(prev.waiters, done)

		metrics.M.CommandsCoalesced.Inc()
		c.log.Debug().Str("device_id", deviceID).Str("family", string(family)).
			Str("command", cmd.Name).Msg("command merged into pending")
	} else {
		q.batch[family] = &pending{
			id:      uuid.NewString(),
			cmd:     cmd.With(nil),
			seq:     c.seq,
			waiters: []chan error{done},
		}
	}

	c.armLocked(deviceID, q, now)

	return done, nil
}

// State reports the queue state of a device.
func (c *Coalescer) State(deviceID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[deviceID]

	switch {
	case !ok:
		return StateIdle
	case len(q.batch) > 0:
		return StatePending
	case q.flushing:
		return StateFlushing
	default:
		return StateIdle
	}
}

// Flush flushes the device queue now instead of waiting for the debounce.
func (c *Coalescer) Flush(deviceID string) {
	c.mu.Lock()

	q, ok := c.queues[deviceID]
	if !ok || len(q.batch) == 0 {
		c.mu.Unlock()

		return
	}

	if q.timer != nil {
		q.timer.Stop()
	}

	q.armGen++
	gen := q.armGen
	c.mu.Unlock()

	c.flush(deviceID, gen)
}

func (c *Coalescer) armLocked(deviceID string, q *queue, now time.Time) {
	if q.timer != nil {
		q.timer.Stop()
	}

	deadline := now.Add(c.debounce)
	if limit := q.first.Add(c.maxDefer); deadline.After(limit) {
		deadline = limit
	}

	q.armGen++
	gen := q.armGen
	q.timer = c.clock.AfterFunc(deadline.Sub(now), func() { c.flush(deviceID, gen) })
}

func (c *Coalescer) flush(deviceID string, gen uint64) {
	unlock := c.flushLocks.Lock(deviceID)
	defer unlock()

	c.mu.Lock()

	q, ok := c.queues[deviceID]
	if !ok || q.armGen != gen || len(q.batch) == 0 {
		c.mu.Unlock()

		return
	}

	batch := q.batch
	q.batch = nil
	q.timer = nil
	q.flushing = true
	c.mu.Unlock()

	c.run(deviceID, batch)

	c.mu.Lock()
	q.flushing = false

	if len(q.batch) == 0 {
		delete(c.queues, deviceID)
	}
	c.mu.Unlock()
}

func (c *Coalescer) run(deviceID string, batch map[Family]*pending) {
	log := c.log.With().Str("device_id", deviceID).Logger()
	modeP, setP := batch[FamilyMode], batch[FamilySetpoint]

	d, ok := c.registry.Get(deviceID)
	if !ok || d.Missing {
		err := customerrors.ErrDeviceNotFoundWithID(deviceID)
		modeP.resolve(err)
		setP.resolve(err)
		log.Warn().Err(err).Msg("device vanished before flush")

		return
	}

	if setP != nil {
		modeP, setP = c.resolveModes(d, modeP, setP, log)
	}

	ctx := c.ctx

	if modeP != nil {
		err := c.sender.Send(ctx, deviceID, modeP.cmd)
		metrics.RecordCommand(string(FamilyMode), outcome(err))

		if err != nil {
			log.Error().Err(err).Str("command", modeP.cmd.Name).Msg("mode command failed")

			modeP.resolve(err)
			setP.resolve(fmt.Errorf("mode change failed: %w", err))
			c.reconcile(ctx, deviceID)

			return
		}

		log.Info().Str("command_id", modeP.id).Str("command", modeP.cmd.Name).
			Interface("params", modeP.cmd.Params).Msg("mode command sent")
	}

	var setErr error

	if setP != nil {
		cmd := c.profile.Complete(setP.cmd, d)
		setErr = c.sender.Send(ctx, deviceID, cmd)
		metrics.RecordCommand(string(FamilySetpoint), outcome(setErr))

		if setErr != nil {
			log.Error().Err(setErr).Str("command", cmd.Name).Msg("setpoint command failed")
		} else {
			log.Info().Str("command_id", setP.id).Str("command", cmd.Name).
				Interface("params", cmd.Params).Msg("setpoint command sent")
		}
	}

	c.reconcile(ctx, deviceID)

	modeP.resolve(nil)
	setP.resolve(setErr)
}

// resolveModes applies the cross-family rule: the later submission decides
// the mode. A setpoint that loses is dropped.
func (c *Coalescer) resolveModes(d *device.Device, modeP, setP *pending, log zerolog.Logger) (*pending, *pending) {
	required, ok := c.profile.RequiredMode(setP.cmd)
	if !ok {
		return modeP, setP
	}

	if modeP == nil {
		if c.profile.CurrentMode(d) != required {
			log.Debug().Str("mode", required).Msg("setpoint requires mode change")

			return &pending{id: uuid.NewString(), cmd: c.profile.ModeCommand(required)}, setP
		}

		return nil, setP
	}

	if c.profile.ModeOf(modeP.cmd) == required {
		return modeP, setP
	}

	if setP.seq > modeP.seq {
		modeP.cmd = c.profile.ModeCommand(required)

		return modeP, setP
	}

	setP.resolve(customerrors.ErrCommandSuperseded)
	metrics.RecordCommand(string(FamilySetpoint), "superseded")

	return modeP, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
