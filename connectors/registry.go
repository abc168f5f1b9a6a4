// ABOUTME: Static connector registry built once at boot from YAML config.
// ABOUTME: Unknown drivers are fatal; a connector failing Initialize is logged and skipped; runtime failures quarantine it.
package connectors

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConnectorConfig is one entry of the director's connectors section.
type ConnectorConfig struct {
	Driver  string         `yaml:"driver"`
	Enabled *bool          `yaml:"enabled"`
	Options map[string]any `yaml:"options"`
}

// Driver constructs a connector from its registry name and raw options.
type Driver func(name string, options map[string]any) (Connector, error)

var (
	driversMu sync.Mutex
	drivers   = map[string]Driver{}
)

// RegisterDriver makes a driver available under the given name. Panics
// on duplicate registration; drivers register from init functions.
func RegisterDriver(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("connector driver %q registered twice", name))
	}
	drivers[name] = driver
}

// DecodeOptions maps the raw options object onto a driver's typed
// options struct via YAML round-trip.
func DecodeOptions(options map[string]any, out any) error {
	raw, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}

// Registry holds the long-lived connector instances. Routing is a map
// lookup by name; a misbehaving connector is quarantined (removed) and
// stays gone until the next boot.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry constructs and initializes one connector per enabled
// config entry. An unknown driver name is a fatal config error. A
// connector whose Initialize fails is logged and left out.
func NewRegistry(ctx context.Context, configs map[string]ConnectorConfig) (*Registry, error) {
	r := &Registry{connectors: make(map[string]Connector)}
	for name, cfg := range configs {
		if cfg.Enabled != nil && !*cfg.Enabled {
			log.Printf("component=connectors action=skip_disabled connector=%s", name)
			continue
		}
		driversMu.Lock()
		driver, ok := drivers[cfg.Driver]
		driversMu.Unlock()
		if !ok {
			return nil, fmt.Errorf("connector %q: unknown driver %q", name, cfg.Driver)
		}
		c, err := driver(name, cfg.Options)
		if err != nil {
			return nil, fmt.Errorf("connector %q: %w", name, err)
		}
		if err := c.Initialize(ctx); err != nil {
			log.Printf("component=connectors action=init_failed connector=%s err=%v", name, err)
			continue
		}
		r.connectors[name] = c
		log.Printf("component=connectors action=initialized connector=%s driver=%s", name, cfg.Driver)
	}
	return r, nil
}

// Get returns the connector registered under name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names lists the live connector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Quarantine removes a connector after a runtime failure. Its pending
// items are reported failed by the caller.
func (r *Registry) Quarantine(name string, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[name]; !ok {
		return
	}
	delete(r.connectors, name)
	log.Printf("component=connectors action=quarantine connector=%s err=%v", name, reason)
}

// Healthcheck pings every live connector and quarantines the failing ones.
func (r *Registry) Healthcheck(ctx context.Context) {
	for _, name := range r.Names() {
		c, ok := r.Get(name)
		if !ok {
			continue
		}
		if err := c.Health(ctx); err != nil {
			r.Quarantine(name, err)
		}
	}
}

// Shutdown stops every live connector. Errors are logged, not returned;
// shutdown keeps going.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.connectors {
		if err := c.Shutdown(ctx); err != nil {
			log.Printf("component=connectors action=shutdown_failed connector=%s err=%v", name, err)
		}
		delete(r.connectors, name)
	}
}
