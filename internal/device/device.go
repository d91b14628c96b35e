package device

import (
	"maps"
	"slices"
	"time"
)

// Kind is the device category exposed to the host.
type Kind string

const (
	KindThermostat Kind = "thermostat"
	KindCamera     Kind = "camera"
	KindDoorbell   Kind = "doorbell"
	KindDisplay    Kind = "display"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindThermostat, KindCamera, KindDoorbell, KindDisplay:
		return true
	default:
		return false
	}
}

// HasCamera reports whether devices of this kind can stream video.
func (k Kind) HasCamera() bool {
	return k == KindCamera || k == KindDoorbell || k == KindDisplay
}

// Traits maps a trait name to its opaque attribute bag.
type Traits map[string]map[string]any

// Clone returns a deep copy of the traits.
func (t Traits) Clone() Traits {
	if t == nil {
		return Traits{}
	}

	out := make(Traits, len(t))
	for name, attrs := range t {
		out[name] = cloneMap(attrs)
	}

	return out
}

// Overlay merges delta into t field by field. Nested objects are merged
// recursively, every other value is replaced.
func (t Traits) Overlay(delta Traits) {
	for name, attrs := range delta {
		cur, ok := t[name]
		if !ok || cur == nil {
			t[name] = cloneMap(attrs)

			continue
		}

		overlayMap(cur, attrs)
	}
}

func overlayMap(dst, src map[string]any) {
	for k, v := range src {
		srcChild, srcIsMap := v.(map[string]any)
		dstChild, dstIsMap := dst[k].(map[string]any)

		if srcIsMap && dstIsMap {
			overlayMap(dstChild, srcChild)

			continue
		}

		dst[k] = cloneValue(v)
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}

		return out
	default:
		return v
	}
}

// Device is the registry record of one remote device.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	Capabilities []string  `json:"capabilities"`
	Traits       Traits    `json:"traits"`
	Missing      bool      `json:"missing"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Clone creates a deep copy of the device.
func (d *Device) Clone() *Device {
	c := *d
	c.Capabilities = slices.Clone(d.Capabilities)
	c.Traits = d.Traits.Clone()

	return &c
}

// Entry is one device as reported by a discovery pass.
type Entry struct {
	ID           string
	Name         string
	Kind         Kind
	Capabilities []string
}

// ManifestEntry describes one device to the host.
type ManifestEntry struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// Manifest is the current device set, sorted by id.
type Manifest struct {
	Devices []ManifestEntry `json:"devices"`
}

// IDs returns the device ids of the manifest.
func (m Manifest) IDs() []string {
	ids := make([]string, 0, len(m.Devices))
	for _, d := range m.Devices {
		ids = append(ids, d.ID)
	}

	return ids
}

// Diff is the result of a Sync pass.
type Diff struct {
	Added    []string `json:"added,omitempty"`
	Updated  []string `json:"updated,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	Returned []string `json:"returned,omitempty"`
}

// Changed reports whether the device set or any identity field changed.
func (d Diff) Changed() bool {
	return len(d.Added)+len(d.Updated)+len(d.Missing)+len(d.Returned) > 0
}

func sameEntry(d *Device, e Entry) bool {
	return d.Name == e.Name && d.Kind == e.Kind && slices.Equal(d.Capabilities, e.Capabilities)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
