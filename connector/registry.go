package connector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pithecene-io/sandbox/log"
)

// ErrDuplicateConnector is returned by Register when a connector with the
// same name is already registered. Connectors are singletons.
var ErrDuplicateConnector = errors.New("connector already registered")

// Registry holds the connector set. It is populated once at process start
// and read-only afterwards, so iteration needs no locking.
type Registry struct {
	configDirs []string
	logger     *log.Logger

	order   []string
	entries map[string]*entry
}

type entry struct {
	conn      Connector
	available bool
}

// NewRegistry creates an empty registry. configDirs are the directories
// searched for per-connector config.yml files (first hit wins).
func NewRegistry(configDirs []string, logger *log.Logger) *Registry {
	return &Registry{
		configDirs: configDirs,
		logger:     logger,
		entries:    map[string]*entry{},
	}
}

// Register adds a connector to the registry, loading its config.yml if it
// is Configurable. A second registration under the same name is an error.
// A Configure failure does not fail registration: the connector is kept but
// marked unavailable, and the rest of the system is unaffected.
func (r *Registry) Register(c Connector) error {
	name := c.Name()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnector, name)
	}

	e := &entry{conn: c, available: true}
	if configurable, ok := c.(Configurable); ok {
		raw := r.readConfig(name)
		if err := configurable.Configure(raw); err != nil {
			r.logger.Error("connector configuration failed", map[string]any{
				"connector": name,
				"error":     err.Error(),
			})
			e.available = false
		}
	}

	r.entries[name] = e
	r.order = append(r.order, name)
	r.logger.Info("registered connector", map[string]any{
		"connector": name,
		"available": e.available,
	})
	return nil
}

// readConfig returns the raw config.yml bytes for the named connector, or
// nil if no config file exists in any search directory. A missing file is
// not an error: the connector runs with its defaults.
func (r *Registry) readConfig(name string) []byte {
	for _, dir := range r.configDirs {
		path := filepath.Join(dir, name, "config.yml")
		data, err := os.ReadFile(path)
		if err == nil {
			r.logger.Debug("loaded connector config", map[string]any{
				"connector": name,
				"path":      path,
			})
			return data
		}
		if !os.IsNotExist(err) {
			r.logger.Warn("cannot read connector config, trying default", map[string]any{
				"connector": name,
				"path":      path,
				"error":     err.Error(),
			})
		}
	}
	return nil
}

// Get returns the named connector if it is registered and available.
func (r *Registry) Get(name string) (Connector, bool) {
	e, ok := r.entries[name]
	if !ok || !e.available {
		return nil, false
	}
	return e.conn, true
}

// Connectors returns the available connectors in registration order.
// Unavailable connectors (initialization errors) are skipped with a
// warning.
func (r *Registry) Connectors() []Connector {
	conns := make([]Connector, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		if !e.available {
			r.logger.Warn("connector unavailable: probable initialization error", map[string]any{
				"connector": name,
			})
			continue
		}
		conns = append(conns, e.conn)
	}
	return conns
}
