package connector

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry scans the connector directory and keeps the parsed connectors in
// memory, indexed by id.
type Registry struct {
	dir        string
	connectors map[string]*Connector
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewRegistry creates a new connector registry
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	return &Registry{
		dir:        dir,
		connectors: make(map[string]*Connector),
		logger:     logger.With("component", "connector_registry"),
	}
}

// Scan (re)loads every *.yaml / *.yml file of the connector directory.
// Files that fail to parse or validate are skipped with a warning.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read connector directory: %w", err)
	}

	loaded := make(map[string]*Connector)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		c, err := LoadFile(path)
		if err != nil {
			r.logger.Warn("Failed to load connector", "file", entry.Name(), "error", err)
			continue
		}

		if _, dup := loaded[c.ID()]; dup {
			r.logger.Warn("Duplicate connector id, keeping first", "id", c.ID(), "file", entry.Name())
			continue
		}
		loaded[c.ID()] = c

		r.logger.Info("Loaded connector",
			"id", c.ID(),
			"name", c.Info.DisplayName,
			"force_serialization", c.Info.ForceSerialization,
			"monitor_types", len(c.Monitors),
		)
	}

	r.mu.Lock()
	r.connectors = loaded
	r.mu.Unlock()

	return nil
}

// Register adds a connector that was built in memory.
func (r *Registry) Register(c *Connector) error {
	if err := Prepare(c); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.ID()] = c
	return nil
}

// GetByID returns the connector with the given id.
func (r *Registry) GetByID(id string) (*Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// Select returns the connectors with the given ids, in order. Unknown ids
// are reported as an error after the known ones have been collected.
func (r *Registry) Select(ids []string) ([]*Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connector, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if c, ok := r.connectors[id]; ok {
			out = append(out, c)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("unknown connectors: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// List returns all connectors ordered by id.
func (r *Registry) List() []*Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// LoadFile parses and validates a connector file.
func LoadFile(path string) (*Connector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a connector document and prepares it for use.
func Parse(data []byte) (*Connector, error) {
	var c Connector
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse connector: %w", err)
	}
	if err := Prepare(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
