package device

import (
	"slices"
	"sync"

	"github.com/bavix/nestbridge/internal/clock"
	customerrors "github.com/bavix/nestbridge/internal/errors"
)

// Registry owns the set of known devices. Callers hold ids and look devices
// up on every operation; records are never handed out by reference.
type Registry struct {
	clock   clock.Clock
	devices map[string]*Device
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}

	return &Registry{
		clock:   clk,
		devices: make(map[string]*Device),
	}
}

// Sync reconciles the registry against a full discovery pass. Devices absent
// from entries are marked missing, never removed.
func (r *Registry) Sync(entries []Entry) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	seen := make(map[string]struct{}, len(entries))

	var diff Diff

	for _, e := range entries {
		if e.ID == "" {
			continue
		}

		seen[e.ID] = struct{}{}

		d, ok := r.devices[e.ID]
		if !ok {
			r.devices[e.ID] = &Device{
				ID:           e.ID,
				Name:         e.Name,
				Kind:         e.Kind,
				Capabilities: slices.Clone(e.Capabilities),
				Traits:       Traits{},
				CreatedAt:    now,
				UpdatedAt:    now,
				LastSeen:     now,
			}
			diff.Added = append(diff.Added, e.ID)

			continue
		}

		d.LastSeen = now

		if d.Missing {
			d.Missing = false
			diff.Returned = append(diff.Returned, e.ID)
		}

		if !sameEntry(d, e) {
			d.Name = e.Name
			d.Kind = e.Kind
			d.Capabilities = slices.Clone(e.Capabilities)
			d.UpdatedAt = now
			diff.Updated = append(diff.Updated, e.ID)
		}
	}

	for _, id := range sortedKeys(r.devices) {
		d := r.devices[id]
		if _, ok := seen[id]; !ok && !d.Missing {
			d.Missing = true
			d.UpdatedAt = now
			diff.Missing = append(diff.Missing, id)
		}
	}

	slices.Sort(diff.Added)
	slices.Sort(diff.Updated)
	slices.Sort(diff.Returned)

	return diff
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}

	return d.Clone(), true
}

// Present reports whether the device is known and was in the last discovery.
func (r *Registry) Present(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]

	return ok && !d.Missing
}

// Update runs fn on the stored record under the registry lock.
// fn must not call back into the registry.
func (r *Registry) Update(id string, fn func(d *Device)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return customerrors.ErrDeviceNotFoundWithID(id)
	}

	fn(d)
	d.UpdatedAt = r.clock.Now()

	return nil
}

// List returns copies of all devices, missing ones included, sorted by id.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, id := range sortedKeys(r.devices) {
		out = append(out, r.devices[id].Clone())
	}

	return out
}

// Manifest lists the present devices.
func (r *Registry) Manifest() Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := Manifest{Devices: make([]ManifestEntry, 0, len(r.devices))}

	for _, id := range sortedKeys(r.devices) {
		d := r.devices[id]
		if d.Missing {
			continue
		}

		m.Devices = append(m.Devices, ManifestEntry{
			ID:           d.ID,
			Kind:         d.Kind,
			Name:         d.Name,
			Capabilities: slices.Clone(d.Capabilities),
		})
	}

	return m
}

// Len returns the number of present devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0

	for _, d := range r.devices {
		if !d.Missing {
			n++
		}
	}

	return n
}
