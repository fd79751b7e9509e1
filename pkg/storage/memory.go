package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jameshartig/emporiasync/pkg/types"
)

// Memory keeps nodes in process memory. Nothing survives a restart.
type Memory struct {
	mu    sync.Mutex
	nodes map[string]types.NodeInfo
}

var _ Database = (*Memory)(nil)

// NewMemory returns an empty Memory database.
func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]types.NodeInfo)}
}

// ListNodes returns the stored nodes ordered by address.
func (m *Memory) ListNodes(ctx context.Context) ([]types.NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := make([]types.NodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes, nil
}

func (m *Memory) GetNode(ctx context.Context, address string) (types.NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[address]
	if !ok {
		return types.NodeInfo{}, fmt.Errorf("%w: %s", ErrNodeNotFound, address)
	}
	return n.Clone(), nil
}

func (m *Memory) UpsertNode(ctx context.Context, node types.NodeInfo) error {
	if node.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.Address] = node.Clone()
	return nil
}

func (m *Memory) DeleteNode(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, address)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
