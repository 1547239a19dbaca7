package plugin

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/kclink/kclink-go/pkg/identity"
)

// Registry errors.
var (
	ErrDuplicatePlugin = errors.New("plugin: duplicate plugin name")
	ErrInvalidPlugin   = errors.New("plugin: invalid descriptor")
)

// Registry is the set of plugins available to sessions.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry creates a registry holding descs. It fails on the first
// invalid or duplicate descriptor.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]Descriptor)}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds d.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPlugin)
	}
	if d.Factory == nil {
		return fmt.Errorf("%w: %s has no factory", ErrInvalidPlugin, d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, d.Name)
	}
	d.IncomingCapabilities = slices.Clone(d.IncomingCapabilities)
	d.OutgoingCapabilities = slices.Clone(d.OutgoingCapabilities)
	r.descriptors[d.Name] = d
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Descriptors returns every descriptor, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IncomingCapabilities returns the union of every plugin's incoming types,
// sorted. This is what the host announces it can consume.
func (r *Registry) IncomingCapabilities() []string {
	return r.union(func(d Descriptor) []string { return d.IncomingCapabilities })
}

// OutgoingCapabilities returns the union of every plugin's outgoing types,
// sorted.
func (r *Registry) OutgoingCapabilities() []string {
	return r.union(func(d Descriptor) []string { return d.OutgoingCapabilities })
}

func (r *Registry) union(pick func(Descriptor) []string) []string {
	var out []string
	for _, d := range r.Descriptors() {
		out = append(out, pick(d)...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Supported returns the descriptors eligible for a peer, sorted by name. A
// descriptor is eligible when its incoming set intersects the peer's
// outgoing set, or its outgoing set intersects the peer's incoming set.
func (r *Registry) Supported(id identity.Identity) []Descriptor {
	var out []Descriptor
	for _, d := range r.Descriptors() {
		if intersects(d.IncomingCapabilities, id.OutgoingCapabilities) ||
			intersects(d.OutgoingCapabilities, id.IncomingCapabilities) {
			out = append(out, d)
		}
	}
	return out
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
