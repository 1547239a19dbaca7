package device

import "sync"

// Property names a Device attribute that changed.
type Property string

// Observable properties.
const (
	PropertyConnected   Property = "connected"
	PropertyPaired      Property = "paired"
	PropertyFingerprint Property = "fingerprint"
	PropertyPlugins     Property = "plugins"
	PropertyIdentity    Property = "identity"
	PropertyTrust       Property = "trust"
	PropertyIcon        Property = "symbolic-icon-name"
)

// Change is a property change notification. Value holds the new value:
// bool for connected and paired, string for fingerprint and icon, []string
// for plugins, identity.Identity for identity and pairing.State for trust.
type Change struct {
	DeviceID string
	Property Property
	Value    any
}

// Observer receives change notifications on the device loop.
type Observer func(Change)

type observers struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]Observer
}

func (o *observers) add(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[uint64]Observer)
	}
	o.next++
	id := o.next
	o.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) notify(c Change) {
	o.mu.RLock()
	fns := make([]Observer, 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
