package zcl

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds the cluster definitions known to the bridge.
type Registry struct {
	mu       sync.RWMutex
	clusters map[uint16]*ClusterDef
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clusters: make(map[uint16]*ClusterDef),
		logger:   logger,
	}
}

// Register adds a cluster definition. Attributes of an already registered
// cluster are merged in; existing attribute IDs win.
func (r *Registry) Register(c ClusterDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.clusters[c.ID]
	if !ok {
		r.clusters[c.ID] = c.clone()
		r.logger.Debug("cluster registered", "id", fmt.Sprintf("0x%04X", c.ID), "name", c.Name)
		return
	}
	for _, attr := range c.Attributes {
		if existing.FindAttribute(attr.ID) == nil {
			existing.Attributes = append(existing.Attributes, attr)
		}
	}
	r.logger.Debug("cluster merged", "id", fmt.Sprintf("0x%04X", c.ID), "name", existing.Name)
}

// Get returns a copy of the cluster definition, or nil if not found.
func (r *Registry) Get(id uint16) *ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[id]
	if c == nil {
		return nil
	}
	return c.clone()
}

// Attribute returns the definition of a single attribute.
func (r *Registry) Attribute(clusterID, attrID uint16) (AttributeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[clusterID]
	if c == nil {
		return AttributeDef{}, false
	}
	a := c.FindAttribute(attrID)
	if a == nil {
		return AttributeDef{}, false
	}
	return *a, true
}
