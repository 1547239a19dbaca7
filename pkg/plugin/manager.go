package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kclink/kclink-go/pkg/identity"
	"github.com/kclink/kclink-go/pkg/log"
	"github.com/kclink/kclink-go/pkg/packet"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Registry *Registry
	Host     Host

	// Logger for operational logging (optional).
	Logger *slog.Logger

	// Recorder receives plugin state changes and errors (optional).
	Recorder log.Recorder
}

// Registration is a loaded plugin.
type Registration struct {
	Descriptor Descriptor
	Instance   Plugin

	// Types are the packet types routed to this plugin.
	Types []string
}

// Manager owns the loaded plugins and routing table of one session.
type Manager struct {
	registry *Registry
	host     Host
	logger   *slog.Logger
	rec      log.Recorder

	// batch serializes LoadAll and UnloadAll.
	batch sync.Mutex

	mu     sync.RWMutex
	loaded map[string]*Registration
	routes map[string]string
}

// NewManager creates a manager with nothing loaded.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Registry == nil {
		cfg.Registry, _ = NewRegistry()
	}
	return &Manager{
		registry: cfg.Registry,
		host:     cfg.Host,
		logger:   cfg.Logger,
		rec:      cfg.Recorder,
		loaded:   make(map[string]*Registration),
		routes:   make(map[string]string),
	}
}

// Registry returns the registry plugins are selected from.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// LoadAll instantiates every plugin supported by id that is not loaded yet,
// and unloads loaded plugins the peer no longer supports. Failures are
// isolated per plugin.
func (m *Manager) LoadAll(ctx context.Context, id identity.Identity) BatchResult {
	m.batch.Lock()
	defer m.batch.Unlock()

	var result BatchResult
	supported := m.registry.Supported(id)

	keep := make(map[string]bool, len(supported))
	for _, d := range supported {
		keep[d.Name] = true
	}
	for _, name := range m.Loaded() {
		if !keep[name] {
			result.Results = append(result.Results, m.unload(ctx, name))
		}
	}

	for _, d := range supported {
		m.mu.RLock()
		_, already := m.loaded[d.Name]
		m.mu.RUnlock()
		if already {
			continue
		}
		result.Results = append(result.Results, m.load(d))
	}
	return result
}

func (m *Manager) load(d Descriptor) Result {
	res := Result{Name: d.Name, Op: OpLoad}

	instance, err := instantiate(d, m.host)
	if err != nil {
		res.Err = fmt.Errorf("%w: %s: %v", ErrInstantiation, d.Name, err)
		m.logger.Warn("plugin failed to load", "plugin", d.Name, "error", err)
		m.rec.Error(log.LayerPlugin, res.Err, "load "+d.Name)
		return res
	}

	reg := &Registration{Descriptor: d, Instance: instance}

	m.mu.Lock()
	for _, typ := range d.IncomingCapabilities {
		if owner, taken := m.routes[typ]; taken {
			if owner != d.Name {
				res.Conflicts = append(res.Conflicts, typ)
			}
			continue
		}
		m.routes[typ] = d.Name
		reg.Types = append(reg.Types, typ)
	}
	m.loaded[d.Name] = reg
	m.mu.Unlock()

	if err := res.ConflictError(); err != nil {
		m.logger.Warn("packet type conflict", "plugin", d.Name, "types", res.Conflicts)
		m.rec.Error(log.LayerPlugin, err, "load "+d.Name)
	}
	m.logger.Debug("plugin loaded", "plugin", d.Name, "types", reg.Types)
	m.rec.State(log.LayerPlugin, log.StateEntityPlugin, "", d.Name+":loaded", "")
	return res
}

func instantiate(d Descriptor, host Host) (p Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()
	p, err = d.Factory(host)
	if err == nil && p == nil {
		err = fmt.Errorf("factory returned no plugin")
	}
	return p, err
}

// UnloadAll removes every plugin's routes and destroys it. Afterwards
// nothing is loaded and nothing is routed, even if some Destroy calls failed.
func (m *Manager) UnloadAll(ctx context.Context) BatchResult {
	m.batch.Lock()
	defer m.batch.Unlock()

	var result BatchResult
	for _, name := range m.Loaded() {
		result.Results = append(result.Results, m.unload(ctx, name))
	}
	return result
}

func (m *Manager) unload(ctx context.Context, name string) Result {
	res := Result{Name: name, Op: OpUnload}

	m.mu.Lock()
	reg, ok := m.loaded[name]
	if !ok {
		m.mu.Unlock()
		return res
	}
	for _, typ := range reg.Types {
		delete(m.routes, typ)
	}
	delete(m.loaded, name)
	m.mu.Unlock()

	if err := destroy(ctx, reg.Instance); err != nil {
		res.Err = fmt.Errorf("%w: %s: %v", ErrDestruction, name, err)
		m.logger.Warn("plugin failed to unload cleanly", "plugin", name, "error", err)
		m.rec.Error(log.LayerPlugin, res.Err, "unload "+name)
	}
	m.logger.Debug("plugin unloaded", "plugin", name)
	m.rec.State(log.LayerPlugin, log.StateEntityPlugin, name+":loaded", "", "")
	return res
}

func destroy(ctx context.Context, p Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destroy panicked: %v", r)
		}
	}()
	return p.Destroy(ctx)
}

// Handler returns the plugin routed for packetType.
func (m *Manager) Handler(packetType string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.routes[packetType]
	if !ok {
		return nil, false
	}
	return m.loaded[name].Instance, true
}

// Dispatch routes p to its plugin. It reports whether a plugin handled the
// type; a handler error or panic is returned, never propagated as a panic.
func (m *Manager) Dispatch(ctx context.Context, p *packet.Packet) (handled bool, err error) {
	h, ok := m.Handler(p.Type)
	if !ok {
		return false, nil
	}

	handled = true
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, p.Type, r)
		}
	}()
	err = h.HandlePacket(ctx, p)
	return handled, err
}

// Loaded returns the names of loaded plugins, sorted.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registration returns the loaded plugin with the given name.
func (m *Manager) Registration(name string) (Registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.loaded[name]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Routes returns a copy of the routing table, packet type to plugin name.
func (m *Manager) Routes() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.routes))
	for k, v := range m.routes {
		out[k] = v
	}
	return out
}
