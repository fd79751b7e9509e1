package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jameshartig/emporiasync/pkg/controller"
	"github.com/jameshartig/emporiasync/pkg/discovery"
	"github.com/jameshartig/emporiasync/pkg/storage"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockController struct {
	mock.Mock
	notices *controller.Notices
}

func newMockController() *mockController {
	return &mockController{notices: controller.NewNotices()}
}

func (m *mockController) Ready() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockController) Devices() []types.Device {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]types.Device)
}

func (m *mockController) Customer() types.Customer {
	args := m.Called()
	return args.Get(0).(types.Customer)
}

func (m *mockController) Notices() *controller.Notices {
	return m.notices
}

func (m *mockController) Discover(ctx context.Context) (*discovery.Topology, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*discovery.Topology), args.Error(1)
}

func (m *mockController) SetOutlet(ctx context.Context, gid int64, on bool) (types.Outlet, error) {
	args := m.Called(ctx, gid, on)
	return args.Get(0).(types.Outlet), args.Error(1)
}

func (m *mockController) SetCharger(ctx context.Context, gid int64, on bool, rate int) (types.Charger, error) {
	args := m.Called(ctx, gid, on, rate)
	return args.Get(0).(types.Charger), args.Error(1)
}

func (m *mockController) ChartUsage(ctx context.Context, gid int64, channelNum string, start, end time.Time, scale types.Scale) (types.ChartUsage, error) {
	args := m.Called(ctx, gid, channelNum, start, end, scale)
	return args.Get(0).(types.ChartUsage), args.Error(1)
}

type memNodes struct {
	mu        sync.Mutex
	nodes     []types.NodeInfo
	removeErr error
}

func newMemNodes(nodes ...types.NodeInfo) *memNodes {
	return &memNodes{nodes: append([]types.NodeInfo(nil), nodes...)}
}

func (m *memNodes) Nodes() []types.NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.NodeInfo(nil), m.nodes...)
}

func (m *memNodes) Info(address string) (types.NodeInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.Address == address {
			return n, true
		}
	}
	return types.NodeInfo{}, false
}

func (m *memNodes) RemoveNode(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	for i, n := range m.nodes {
		if n.Address == address {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", storage.ErrNodeNotFound, address)
}
