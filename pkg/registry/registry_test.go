package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/jameshartig/emporiasync/pkg/storage"
	"github.com/jameshartig/emporiasync/pkg/storage/storagemock"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	added   []string
	removed []string
	changed []types.Driver
}

func (o *recordingObserver) OnNodeAdded(ctx context.Context, node types.NodeInfo) {
	o.added = append(o.added, node.Address)
}

func (o *recordingObserver) OnNodeRemoved(ctx context.Context, node types.NodeInfo) {
	o.removed = append(o.removed, node.Address)
}

func (o *recordingObserver) OnDriverChanged(ctx context.Context, node types.NodeInfo, driver types.Driver, value float64) {
	o.changed = append(o.changed, driver)
}

func TestAddNode(t *testing.T) {
	ctx := context.Background()
	r := New(storage.NewMemory())
	obs := &recordingObserver{}
	r.Observe(obs)

	n, err := r.AddNode(ctx, types.NodeInfo{Address: "1001", Name: "Main", Kind: types.NodeKindDevice, GID: 1001})
	require.NoError(t, err)
	assert.Equal(t, "1001", n.Address())
	assert.Equal(t, types.NodeKindDevice, n.Kind())
	assert.False(t, n.Info().UpdatedAt.IsZero())

	_, err = r.AddNode(ctx, types.NodeInfo{Address: "1001", Kind: types.NodeKindDevice})
	assert.ErrorIs(t, err, ErrNodeExists)

	_, err = r.AddNode(ctx, types.NodeInfo{Address: "", Kind: types.NodeKindDevice})
	assert.Error(t, err)

	assert.Nil(t, r.Node("1002"))
	assert.NotNil(t, r.Node("1001"))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"1001"}, obs.added)
}

func TestAddNodePersistFailure(t *testing.T) {
	ctx := context.Background()
	db := new(storagemock.MockDatabase)
	db.On("UpsertNode", mock.Anything, mock.Anything).Return(errors.New("unavailable"))

	r := New(db)
	_, err := r.AddNode(ctx, types.NodeInfo{Address: "1001", Kind: types.NodeKindDevice})
	require.Error(t, err)
	assert.Nil(t, r.Node("1001"))
	db.AssertExpectations(t)
}

func TestNodeUpdates(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	r := New(db)
	obs := &recordingObserver{}
	r.Observe(obs)

	_, err := r.AddNode(ctx, types.NodeInfo{Address: "1001_2", Kind: types.NodeKindChannel, GID: 1001, ChannelNum: "2"})
	require.NoError(t, err)
	_, err = r.AddNode(ctx, types.NodeInfo{Address: "2001", Kind: types.NodeKindCharger, GID: 2001})
	require.NoError(t, err)

	ch := r.Node("1001_2")
	require.NoError(t, ch.UpdateCurrent(ctx, 7.2))
	require.NoError(t, ch.UpdateMinute(ctx, 3.0))
	require.NoError(t, ch.UpdateHour(ctx, 1.5))
	require.NoError(t, ch.UpdateDay(ctx, 12))
	require.NoError(t, ch.UpdateMonth(ctx, 300))

	info := ch.Info()
	assert.Equal(t, 7.2, info.Drivers[types.DriverPower])
	assert.Equal(t, 3.0, info.Drivers[types.DriverMinute])
	assert.Equal(t, 1.5, info.Drivers[types.DriverHour])
	assert.Equal(t, 12.0, info.Drivers[types.DriverDay])
	assert.Equal(t, 300.0, info.Drivers[types.DriverMonth])

	t.Run("Persisted", func(t *testing.T) {
		stored := storedNode(t, db, "1001_2")
		assert.Equal(t, 300.0, stored.Drivers[types.DriverMonth])
	})

	t.Run("KindRejectsDriver", func(t *testing.T) {
		err := ch.UpdateStatus(ctx, true)
		var nue *NodeUpdateError
		require.ErrorAs(t, err, &nue)
		assert.Equal(t, "1001_2", nue.Address)
		assert.Equal(t, types.DriverStatus, nue.Driver)

		assert.Error(t, ch.UpdateChargeRate(ctx, 32))
	})

	t.Run("Charger", func(t *testing.T) {
		c := r.Node("2001")
		require.NoError(t, c.UpdateState(ctx, true))
		require.NoError(t, c.UpdateChargeRate(ctx, 32))
		require.NoError(t, c.UpdateMaxChargeRate(ctx, 40))
		info := c.Info()
		assert.Equal(t, 1.0, info.Drivers[types.DriverStatus])
		assert.Equal(t, 32.0, info.Drivers[types.DriverChargeRate])
		assert.Equal(t, 40.0, info.Drivers[types.DriverMaxChargeRate])
	})

	t.Run("UpdateScale", func(t *testing.T) {
		require.NoError(t, ch.UpdateScale(ctx, types.ScaleSecond, 1.25))
		assert.Equal(t, 1.25, ch.Info().Drivers[types.DriverPower])

		var nue *NodeUpdateError
		assert.ErrorAs(t, ch.UpdateScale(ctx, types.ScaleWeek, 1), &nue)
	})

	t.Run("UnchangedValueNotNotified", func(t *testing.T) {
		before := len(obs.changed)
		require.NoError(t, ch.UpdateHour(ctx, 1.5))
		assert.Len(t, obs.changed, before)
	})
}

func TestUpdatePersistFailure(t *testing.T) {
	ctx := context.Background()
	db := new(storagemock.MockDatabase)
	db.On("UpsertNode", mock.Anything, mock.MatchedBy(func(n types.NodeInfo) bool {
		return n.Address == "1001_2" && len(n.Drivers) > 0
	})).Return(errors.New("write failed"))
	db.On("UpsertNode", mock.Anything, mock.Anything).Return(nil)

	r := New(db)
	_, err := r.AddNode(ctx, types.NodeInfo{Address: "1001_2", Kind: types.NodeKindChannel})
	require.NoError(t, err)

	err = r.Node("1001_2").UpdateCurrent(ctx, 1)
	var nue *NodeUpdateError
	require.ErrorAs(t, err, &nue)
	assert.ErrorContains(t, err, "write failed")
}

// flakyDB fails the next n node writes.
type flakyDB struct {
	*storage.Memory
	failures int
}

func (f *flakyDB) UpsertNode(ctx context.Context, node types.NodeInfo) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("write failed")
	}
	return f.Memory.UpsertNode(ctx, node)
}

func storedNode(t *testing.T, db storage.Database, address string) types.NodeInfo {
	t.Helper()
	nodes, err := db.ListNodes(context.Background())
	require.NoError(t, err)
	for _, n := range nodes {
		if n.Address == address {
			return n
		}
	}
	require.Failf(t, "node not stored", "address %s", address)
	return types.NodeInfo{}
}

func TestUpdateRetriedAfterPersistFailure(t *testing.T) {
	ctx := context.Background()
	db := &flakyDB{Memory: storage.NewMemory()}
	r := New(db)
	obs := &recordingObserver{}
	r.Observe(obs)

	ch, err := r.AddNode(ctx, types.NodeInfo{Address: "1001_2", Kind: types.NodeKindChannel})
	require.NoError(t, err)

	t.Run("NewDriver", func(t *testing.T) {
		db.failures = 1
		assert.Error(t, ch.UpdateCurrent(ctx, 7.2))
		_, ok := ch.Info().Drivers[types.DriverPower]
		assert.False(t, ok)
		assert.Empty(t, obs.changed)

		require.NoError(t, ch.UpdateCurrent(ctx, 7.2))
		assert.Equal(t, 7.2, storedNode(t, db, "1001_2").Drivers[types.DriverPower])
		assert.Equal(t, []types.Driver{types.DriverPower}, obs.changed)
	})

	t.Run("ExistingDriver", func(t *testing.T) {
		db.failures = 1
		assert.Error(t, ch.UpdateCurrent(ctx, 8.4))
		assert.Equal(t, 7.2, ch.Info().Drivers[types.DriverPower])

		require.NoError(t, ch.UpdateCurrent(ctx, 8.4))
		assert.Equal(t, 8.4, storedNode(t, db, "1001_2").Drivers[types.DriverPower])
		assert.Len(t, obs.changed, 2)
	})
}

func TestRemoveNode(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	r := New(db)
	obs := &recordingObserver{}
	r.Observe(obs)

	for _, n := range []types.NodeInfo{
		{Address: "1001", Kind: types.NodeKindDevice},
		{Address: "1001_1", Parent: "1001", Kind: types.NodeKindChannel},
		{Address: "1001_2", Parent: "1001", Kind: types.NodeKindChannel},
		{Address: "1002", Parent: "1001_2", Kind: types.NodeKindDevice},
		{Address: "2001", Kind: types.NodeKindCharger},
	} {
		_, err := r.AddNode(ctx, n)
		require.NoError(t, err)
	}

	require.NoError(t, r.RemoveNode(ctx, "1001"))
	assert.Equal(t, []string{"1001_1", "1002", "1001_2", "1001"}, obs.removed)
	assert.Equal(t, 1, r.Len())
	assert.NotNil(t, r.Node("2001"))

	nodes, err := db.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "2001", nodes[0].Address)

	assert.ErrorIs(t, r.RemoveNode(ctx, "1001"), storage.ErrNodeNotFound)

	t.Run("DeleteFailure", func(t *testing.T) {
		m := new(storagemock.MockDatabase)
		m.On("UpsertNode", mock.Anything, mock.Anything).Return(nil)
		m.On("DeleteNode", mock.Anything, "3001").Return(errors.New("unavailable"))
		r := New(m)
		_, err := r.AddNode(ctx, types.NodeInfo{Address: "3001", Kind: types.NodeKindOutlet})
		require.NoError(t, err)

		assert.Error(t, r.RemoveNode(ctx, "3001"))
		assert.NotNil(t, r.Node("3001"))
	})
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	require.NoError(t, db.UpsertNode(ctx, types.NodeInfo{Address: "1001", Kind: types.NodeKindDevice}))
	require.NoError(t, db.UpsertNode(ctx, types.NodeInfo{Address: "1001_2", Parent: "1001", Kind: types.NodeKindChannel}))

	r := New(db)
	require.NoError(t, r.Load(ctx))

	nodes := r.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "1001", nodes[0].Address)
	assert.Equal(t, "1001", nodes[1].Parent)

	t.Run("ListFailure", func(t *testing.T) {
		m := new(storagemock.MockDatabase)
		m.On("ListNodes", mock.Anything).Return(nil, errors.New("boom"))
		assert.Error(t, New(m).Load(ctx))
	})
}
