package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
		namespace: "test",
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := f.GetNode(ctx, "missing")
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("EmptyAddress", func(t *testing.T) {
		_, err := f.GetNode(ctx, "")
		assert.ErrorContains(t, err, "address cannot be empty")
		assert.ErrorContains(t, f.UpsertNode(ctx, types.NodeInfo{}), "address cannot be empty")
	})

	t.Run("Nodes", func(t *testing.T) {
		dev := types.NodeInfo{
			Address: "1001",
			Name:    "Main Panel",
			Kind:    types.NodeKindDevice,
			GID:     1001,
			Drivers: map[types.Driver]float64{types.DriverStatus: 1},
		}
		ch := types.NodeInfo{
			Address:    "1001_2",
			Parent:     "1001",
			Name:       "Dryer",
			Kind:       types.NodeKindChannel,
			GID:        1001,
			ChannelNum: "2",
			Drivers:    map[types.Driver]float64{types.DriverPower: 3.0},
		}
		require.NoError(t, f.UpsertNode(ctx, ch))
		require.NoError(t, f.UpsertNode(ctx, dev))

		got, err := f.GetNode(ctx, "1001_2")
		require.NoError(t, err)
		assert.Equal(t, ch.Name, got.Name)
		assert.Equal(t, types.NodeKindChannel, got.Kind)
		assert.Equal(t, 3.0, got.Drivers[types.DriverPower])

		nodes, err := f.ListNodes(ctx)
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "1001", nodes[0].Address)
		assert.Equal(t, "1001_2", nodes[1].Address)

		require.NoError(t, f.DeleteNode(ctx, "1001_2"))
		_, err = f.GetNode(ctx, "1001_2")
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})
}
