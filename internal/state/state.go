// Package state keeps the canonical observable state of every device.
//
// Three sources feed it: full poll snapshots replace the trait set, push
// deltas overlay it field by field, and push events raise transient booleans
// that reset on their own timer. After every merge the derived view is
// recomputed and published when it differs from the last published one.
package state

import (
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bavix/nestbridge/internal/clock"
	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/keyed"
	"github.com/bavix/nestbridge/internal/metrics"
)

const (
	DefaultResetAfter = 30 * time.Second
	DefaultMediaTTL   = 25 * time.Second
)

// EventKind identifies a transient event.
type EventKind string

const (
	EventMotion EventKind = "motion"
	EventPerson EventKind = "person"
	EventChime  EventKind = "chime"
)

// Event is a transient detection pushed by the remote service.
type Event struct {
	Kind EventKind `json:"kind"`
	ID   string    `json:"id"`
}

// Deriver computes the observable view of a device from its raw traits.
type Deriver interface {
	Derive(d *device.Device) map[string]any
}

// DeriverFunc adapts a function to Deriver.
type DeriverFunc func(d *device.Device) map[string]any

func (f DeriverFunc) Derive(d *device.Device) map[string]any { return f(d) }

// Snapshot is the published state of one device.
type Snapshot struct {
	DeviceID string             `json:"device_id"`
	Kind     device.Kind        `json:"kind"`
	Name     string             `json:"name"`
	State    map[string]any     `json:"state"`
	Events   map[EventKind]bool `json:"events"`
}

// Publisher receives snapshots that changed. It is called with the device
// lock held and must not call back into the Reconciler for the same device.
type Publisher interface {
	StateChanged(s Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(s Snapshot)

func (f PublisherFunc) StateChanged(s Snapshot) { f(s) }

type eventState struct {
	active    bool
	id        string
	idExpires time.Time
	timer     clock.Timer
	gen       uint64
}

type deviceState struct {
	events    map[EventKind]*eventState
	published *Snapshot
}

// Options configures a Reconciler.
type Options struct {
	Clock      clock.Clock
	ResetAfter time.Duration
	MediaTTL   time.Duration
	Logger     zerolog.Logger
}

// Reconciler merges state sources per device. Device records live in the
// registry; the reconciler only keeps event timers and the last published view.
type Reconciler struct {
	registry *device.Registry
	deriver  Deriver
	pub      Publisher
	clock    clock.Clock
	reset    time.Duration
	mediaTTL time.Duration
	log      zerolog.Logger

	locks keyed.Mutex

	mu     sync.Mutex
	states map[string]*deviceState
}

// New creates a Reconciler.
func New(registry *device.Registry, deriver Deriver, pub Publisher, opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	if opts.ResetAfter <= 0 {
		opts.ResetAfter = DefaultResetAfter
	}

	if opts.MediaTTL <= 0 || opts.MediaTTL > opts.ResetAfter {
		opts.MediaTTL = min(DefaultMediaTTL, opts.ResetAfter)
	}

	if pub == nil {
		pub = PublisherFunc(func(Snapshot) {})
	}

	return &Reconciler{
		registry: registry,
		deriver:  deriver,
		pub:      pub,
		clock:    opts.Clock,
		reset:    opts.ResetAfter,
		mediaTTL: opts.MediaTTL,
		log:      opts.Logger,
		states:   make(map[string]*deviceState),
	}
}

// ApplySnapshot replaces every trait of the device.
func (r *Reconciler) ApplySnapshot(id string, traits device.Traits) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if err := r.registry.Update(id, func(d *device.Device) {
		d.Traits = traits.Clone()
	}); err != nil {
		return err
	}

	return r.publishLocked(id)
}

// ApplyDelta overlays traits onto the current state. Fields absent from
// the delta are untouched.
func (r *Reconciler) ApplyDelta(id string, traits device.Traits) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if err := r.registry.Update(id, func(d *device.Device) {
		if d.Traits == nil {
			d.Traits = device.Traits{}
		}

		d.Traits.Overlay(traits)
	}); err != nil {
		return err
	}

	return r.publishLocked(id)
}

// ApplyEvent raises the event boolean and (re)starts its reset timer.
// A repeat of the same kind extends the window; kinds are independent.
func (r *Reconciler) ApplyEvent(id string, ev Event) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if _, ok := r.registry.Get(id); !ok {
		return customerrors.ErrDeviceNotFoundWithID(id)
	}

	st := r.stateLocked(id)

	es, ok := st.events[ev.Kind]
	if !ok {
		es = &eventState{}
		st.events[ev.Kind] = es
	}

	if es.timer != nil {
		es.timer.Stop()
	}

	now := r.clock.Now()
	es.gen++
	es.active = true

	if ev.ID != "" {
		es.id = ev.ID
		es.idExpires = now.Add(r.mediaTTL)
	}

	gen := es.gen
	es.timer = r.clock.AfterFunc(r.reset, func() { r.expire(id, ev.Kind, gen) })

	metrics.RecordEvent(string(ev.Kind))
	r.log.Debug().Str("device_id", id).Str("event", string(ev.Kind)).Msg("event raised")

	return r.publishLocked(id)
}

func (r *Reconciler) expire(id string, kind EventKind, gen uint64) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	st, ok := r.states[id]
	r.mu.Unlock()

	if !ok {
		return
	}

	es, ok := st.events[kind]
	if !ok || es.gen != gen {
		return
	}

	es.active = false
	es.timer = nil

	if err := r.publishLocked(id); err != nil {
		r.log.Debug().Err(err).Str("device_id", id).Msg("event reset for vanished device")
	}
}

// EventID returns the media reference of the latest event of kind while it
// is still valid. Its window is shorter than the boolean's.
func (r *Reconciler) EventID(id string, kind EventKind) (string, bool) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	st, ok := r.states[id]
	r.mu.Unlock()

	if !ok {
		return "", false
	}

	es, ok := st.events[kind]
	if !ok || es.id == "" || !r.clock.Now().Before(es.idExpires) {
		return "", false
	}

	return es.id, true
}

// LatestEventID returns the most recent valid media reference of any kind.
func (r *Reconciler) LatestEventID(id string) (string, bool) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	st, ok := r.states[id]
	r.mu.Unlock()

	if !ok {
		return "", false
	}

	var (
		best    string
		bestExp time.Time
		now     = r.clock.Now()
	)

	for _, es := range st.events {
		if es.id != "" && now.Before(es.idExpires) && es.idExpires.After(bestExp) {
			best, bestExp = es.id, es.idExpires
		}
	}

	return best, best != ""
}

// Snapshot builds the current view of the device.
func (r *Reconciler) Snapshot(id string) (Snapshot, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	return r.buildLocked(id)
}

// Forget cancels the device's timers and drops its published view.
func (r *Reconciler) Forget(id string) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	st, ok := r.states[id]
	delete(r.states, id)
	r.mu.Unlock()

	if !ok {
		return
	}

	for _, es := range st.events {
		if es.timer != nil {
			es.timer.Stop()
		}
	}
}

func (r *Reconciler) stateLocked(id string) *deviceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		st = &deviceState{events: make(map[EventKind]*eventState)}
		r.states[id] = st
	}

	return st
}

func (r *Reconciler) buildLocked(id string) (Snapshot, error) {
	d, ok := r.registry.Get(id)
	if !ok {
		return Snapshot{}, customerrors.ErrDeviceNotFoundWithID(id)
	}

	snap := Snapshot{
		DeviceID: id,
		Kind:     d.Kind,
		Name:     d.Name,
		State:    map[string]any{},
		Events:   map[EventKind]bool{},
	}

	if r.deriver != nil {
		if derived := r.deriver.Derive(d); derived != nil {
			snap.State = roundMap(derived)
		}
	}

	if d.Kind.HasCamera() {
		snap.Events[EventMotion] = false
		snap.Events[EventPerson] = false

		if d.Kind == device.KindDoorbell {
			snap.Events[EventChime] = false
		}
	}

	r.mu.Lock()
	st, ok := r.states[id]
	r.mu.Unlock()

	if ok {
		for kind, es := range st.events {
			snap.Events[kind] = es.active
		}
	}

	return snap, nil
}

func (r *Reconciler) publishLocked(id string) error {
	snap, err := r.buildLocked(id)
	if err != nil {
		return err
	}

	st := r.stateLocked(id)
	if st.published != nil && reflect.DeepEqual(*st.published, snap) {
		return nil
	}

	st.published = &snap
	r.pub.StateChanged(snap)

	return nil
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func roundMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = roundValue(v)
	}

	return out
}

func roundValue(v any) any {
	switch x := v.(type) {
	case float64:
		return Round1(x)
	case float32:
		return Round1(float64(x))
	case map[string]any:
		return roundMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = roundValue(x[i])
		}

		return out
	default:
		return v
	}
}
