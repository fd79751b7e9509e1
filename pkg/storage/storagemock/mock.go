package storagemock

import (
	"context"

	"github.com/jameshartig/emporiasync/pkg/storage"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) ListNodes(ctx context.Context) ([]types.NodeInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.NodeInfo), args.Error(1)
}

func (m *MockDatabase) GetNode(ctx context.Context, address string) (types.NodeInfo, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(types.NodeInfo), args.Error(1)
}

func (m *MockDatabase) UpsertNode(ctx context.Context, node types.NodeInfo) error {
	args := m.Called(ctx, node)
	return args.Error(0)
}

func (m *MockDatabase) DeleteNode(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
