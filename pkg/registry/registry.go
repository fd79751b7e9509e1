// Package registry holds the local node tree that discovery creates and the
// pollers update.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/storage"
	"github.com/jameshartig/emporiasync/pkg/types"
)

var ErrNodeExists = errors.New("node already exists")

// NodeUpdateError is returned when a value cannot be applied to a node.
type NodeUpdateError struct {
	Address string
	Driver  types.Driver
	Err     error
}

func (e *NodeUpdateError) Error() string {
	return fmt.Sprintf("update %s on node %s: %v", e.Driver, e.Address, e.Err)
}

func (e *NodeUpdateError) Unwrap() error {
	return e.Err
}

// Observer is notified after nodes are added, removed, or their values
// change. Observers are called synchronously and must not call back into the
// registry's write methods.
type Observer interface {
	OnNodeAdded(ctx context.Context, node types.NodeInfo)
	OnNodeRemoved(ctx context.Context, node types.NodeInfo)
	OnDriverChanged(ctx context.Context, node types.NodeInfo, driver types.Driver, value float64)
}

// Registry is the in-process node store. It is safe for concurrent use.
type Registry struct {
	db  storage.Database
	now func() time.Time

	mu        sync.RWMutex
	nodes     map[string]*types.NodeInfo
	observers []Observer
}

// New returns an empty registry backed by db.
func New(db storage.Database) *Registry {
	return &Registry{
		db:    db,
		now:   time.Now,
		nodes: make(map[string]*types.NodeInfo),
	}
}

// Observe registers o for future node events.
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Load replaces the in-memory nodes with what storage holds.
func (r *Registry) Load(ctx context.Context) error {
	nodes, err := r.db.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]*types.NodeInfo, len(nodes))
	for _, n := range nodes {
		c := n.Clone()
		r.nodes[n.Address] = &c
	}
	log.Ctx(ctx).DebugContext(ctx, "loaded nodes", slog.Int("count", len(nodes)))
	return nil
}

// Node returns a handle to the node at address, or nil if there is none.
func (r *Registry) Node(address string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.nodes[address]; !ok {
		return nil
	}
	return &Node{r: r, address: address}
}

// AddNode creates a node. It fails with ErrNodeExists if the address is
// taken.
func (r *Registry) AddNode(ctx context.Context, info types.NodeInfo) (*Node, error) {
	if info.Address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if info.Kind == 0 {
		return nil, fmt.Errorf("node %s has no kind", info.Address)
	}
	n := info.Clone()
	n.UpdatedAt = r.now()

	r.mu.Lock()
	if _, ok := r.nodes[n.Address]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, n.Address)
	}
	r.nodes[n.Address] = &n
	observers := r.observers
	snapshot := n.Clone()
	r.mu.Unlock()

	if err := r.db.UpsertNode(ctx, snapshot); err != nil {
		r.mu.Lock()
		delete(r.nodes, n.Address)
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to persist node %s: %w", n.Address, err)
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"added node",
		slog.String("address", snapshot.Address),
		slog.String("kind", snapshot.Kind.String()),
		slog.String("name", snapshot.Name),
	)
	for _, o := range observers {
		o.OnNodeAdded(ctx, snapshot)
	}
	return &Node{r: r, address: n.Address}, nil
}

// RemoveNode deletes the node at address along with every node below it.
// Children are removed before their parents.
func (r *Registry) RemoveNode(ctx context.Context, address string) error {
	r.mu.RLock()
	if _, ok := r.nodes[address]; !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", storage.ErrNodeNotFound, address)
	}
	var removed []types.NodeInfo
	var collect func(addr string)
	collect = func(addr string) {
		var children []string
		for a, n := range r.nodes {
			if n.Parent == addr {
				children = append(children, a)
			}
		}
		sort.Strings(children)
		for _, c := range children {
			collect(c)
		}
		removed = append(removed, r.nodes[addr].Clone())
	}
	collect(address)
	observers := r.observers
	r.mu.RUnlock()

	for _, n := range removed {
		if err := r.db.DeleteNode(ctx, n.Address); err != nil {
			return fmt.Errorf("failed to delete node %s: %w", n.Address, err)
		}
		r.mu.Lock()
		delete(r.nodes, n.Address)
		r.mu.Unlock()

		log.Ctx(ctx).InfoContext(ctx, "removed node", slog.String("address", n.Address))
		for _, o := range observers {
			o.OnNodeRemoved(ctx, n)
		}
	}
	return nil
}

// Nodes returns a snapshot of every node ordered by address.
func (r *Registry) Nodes() []types.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Info returns a snapshot of the node at address.
func (r *Registry) Info(address string) (types.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[address]
	if !ok {
		return types.NodeInfo{}, false
	}
	return n.Clone(), true
}

// set applies value to driver on the node at address. Storage is only
// written when the value changed.
func (r *Registry) set(ctx context.Context, address string, driver types.Driver, value float64) error {
	r.mu.Lock()
	n, ok := r.nodes[address]
	if !ok {
		r.mu.Unlock()
		return &NodeUpdateError{Address: address, Driver: driver, Err: storage.ErrNodeNotFound}
	}
	if !n.Kind.Accepts(driver) {
		r.mu.Unlock()
		return &NodeUpdateError{
			Address: address,
			Driver:  driver,
			Err:     fmt.Errorf("%s nodes do not expose %s", n.Kind, driver),
		}
	}
	if n.Drivers == nil {
		n.Drivers = make(map[types.Driver]float64)
	}
	prev, had := n.Drivers[driver]
	n.Drivers[driver] = value
	n.UpdatedAt = r.now()
	snapshot := n.Clone()
	observers := r.observers
	r.mu.Unlock()

	if had && prev == value {
		return nil
	}
	if err := r.db.UpsertNode(ctx, snapshot); err != nil {
		r.rollback(address, driver, value, prev, had)
		return &NodeUpdateError{Address: address, Driver: driver, Err: err}
	}
	for _, o := range observers {
		o.OnDriverChanged(ctx, snapshot, driver, value)
	}
	return nil
}

// rollback restores the value a failed write replaced so the next update
// with the same value is retried. A newer value written meanwhile is kept.
func (r *Registry) rollback(address string, driver types.Driver, value, prev float64, had bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[address]
	if !ok {
		return
	}
	if cur, ok := n.Drivers[driver]; !ok || cur != value {
		return
	}
	if had {
		n.Drivers[driver] = prev
	} else {
		delete(n.Drivers, driver)
	}
}
