// Package inventory resolves the nodes and node groups that executions can
// target. Individual sources are merged by an aggregating provider; callers
// only ever see the combined view.
package inventory

import (
	"context"
)

// Node is one reachable target.
type Node struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Group is a named set of node ids. Source records which inventory source
// contributed the group.
type Group struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Source string   `json:"source" yaml:"source,omitempty"`
	Nodes  []string `json:"nodes" yaml:"nodes"`
}

// Inventory is the aggregated view over all sources.
type Inventory struct {
	Nodes  []Node  `json:"nodes" yaml:"nodes"`
	Groups []Group `json:"groups" yaml:"groups"`
}

// NodeNames maps node id to display name. Presence in the map doubles as
// the membership check used for target validation.
func (inv Inventory) NodeNames() map[string]string {
	names := make(map[string]string, len(inv.Nodes))
	for _, n := range inv.Nodes {
		names[n.ID] = n.Name
	}
	return names
}

// FindGroup returns the group with the given id.
func (inv Inventory) FindGroup(id string) (Group, bool) {
	for _, g := range inv.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}

// Provider serves the aggregated inventory. Implementations must be cheap
// to call repeatedly; batch creation asks several times per request.
type Provider interface {
	GetAggregatedInventory(ctx context.Context) (Inventory, error)
}

// Source is one backing system contributing nodes and groups.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Inventory, error)
}

// Fixed is a Provider that always serves the same inventory.
type Fixed struct {
	Inv Inventory
}

func (f Fixed) GetAggregatedInventory(ctx context.Context) (Inventory, error) {
	return f.Inv, nil
}
