package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jameshartig/emporiasync/pkg/discovery"
	"github.com/jameshartig/emporiasync/pkg/registry"
	"github.com/jameshartig/emporiasync/pkg/storage"
	"github.com/jameshartig/emporiasync/pkg/storage/storagemock"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) DeviceListUsage(ctx context.Context, gids []int64, instant time.Time, scale types.Scale, unit types.Unit) (map[int64]types.UsageDevice, error) {
	args := m.Called(ctx, gids, scale)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int64]types.UsageDevice), args.Error(1)
}

func (m *mockAPI) DevicesStatus(ctx context.Context) (types.DevicesStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.DevicesStatus), args.Error(1)
}

func f(v float64) *float64 {
	return &v
}

func usageDevice(gid int64, readings map[string]float64) types.UsageDevice {
	ud := types.UsageDevice{GID: gid, Channels: make(map[string]types.ChannelUsage)}
	for num, v := range readings {
		ud.Channels[num] = types.ChannelUsage{DeviceGID: gid, ChannelNum: num, Usage: f(v)}
	}
	return ud
}

func seed(t *testing.T, reg *registry.Registry, nodes ...types.NodeInfo) {
	t.Helper()
	for _, n := range nodes {
		_, err := reg.AddNode(context.Background(), n)
		require.NoError(t, err)
	}
}

func device(addr string, gid int64, kind types.NodeKind) types.NodeInfo {
	return types.NodeInfo{Address: addr, Kind: kind, GID: gid}
}

func channel(addr string, gid int64, num string) types.NodeInfo {
	return types.NodeInfo{Address: addr, Kind: types.NodeKindChannel, GID: gid, ChannelNum: num, Parent: "1001"}
}

func TestUsageConversion(t *testing.T) {
	tests := []struct {
		scale  types.Scale
		raw    float64
		want   float64
		driver types.Driver
	}{
		{types.ScaleSecond, 0.002, 7.2, types.DriverPower},
		{types.ScaleMinute, 0.05, 3.0, types.DriverMinute},
		{types.ScaleHour, 1.23456, 1.2346, types.DriverHour},
		{types.ScaleDay, 12.5, 12.5, types.DriverDay},
		{types.ScaleMonth, 301.00004, 301.0, types.DriverMonth},
	}
	for _, tt := range tests {
		t.Run(string(tt.scale), func(t *testing.T) {
			reg := registry.New(storage.NewMemory())
			seed(t, reg, device("1001", 1001, types.NodeKindDevice), channel("1001_1", 1001, "1"))

			api := new(mockAPI)
			api.On("DeviceListUsage", mock.Anything, []int64{1001}, tt.scale).Return(map[int64]types.UsageDevice{
				1001: usageDevice(1001, map[string]float64{types.AggregateChannel: tt.raw, "1": tt.raw}),
			}, nil)

			report, err := NewUsage(api, reg, nil).Query(context.Background(), []int64{1001}, tt.scale, false)
			require.NoError(t, err)
			assert.Empty(t, report.Failed())
			assert.Equal(t, 2, report.Succeeded())

			assert.Equal(t, tt.want, reg.Node("1001").Info().Drivers[tt.driver])
			assert.Equal(t, tt.want, reg.Node("1001_1").Info().Drivers[tt.driver])
			for _, res := range report.Results {
				assert.Equal(t, scaleOp(tt.scale), res.Op)
			}
		})
	}
}

func TestUsageRejectsUnpollableScale(t *testing.T) {
	api := new(mockAPI)
	_, err := NewUsage(api, registry.New(storage.NewMemory()), nil).Query(context.Background(), []int64{1}, types.ScaleWeek, false)
	assert.Error(t, err)
	api.AssertNotCalled(t, "DeviceListUsage", mock.Anything, mock.Anything, mock.Anything)
}

func TestUsageFetchFailure(t *testing.T) {
	api := new(mockAPI)
	api.On("DeviceListUsage", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("status 503"))

	_, err := NewUsage(api, registry.New(storage.NewMemory()), nil).Query(context.Background(), []int64{1}, types.ScaleSecond, false)
	assert.ErrorContains(t, err, "status 503")
}

func TestUsagePartialFailure(t *testing.T) {
	ctx := context.Background()
	db := new(storagemock.MockDatabase)
	db.On("UpsertNode", mock.Anything, mock.MatchedBy(func(n types.NodeInfo) bool {
		return n.Address == "1001_2" && len(n.Drivers) > 0
	})).Return(errors.New("write failed"))
	db.On("UpsertNode", mock.Anything, mock.Anything).Return(nil)

	reg := registry.New(db)
	seed(t, reg, device("1001", 1001, types.NodeKindDevice), channel("1001_2", 1001, "2"), channel("1001_3", 1001, "3"))

	api := new(mockAPI)
	api.On("DeviceListUsage", mock.Anything, []int64{1001}, types.ScaleSecond).Return(map[int64]types.UsageDevice{
		1001: usageDevice(1001, map[string]float64{"2": 0.001, "3": 0.002}),
	}, nil)

	report, err := NewUsage(api, reg, nil).Query(ctx, []int64{1001}, types.ScaleSecond, false)
	require.NoError(t, err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "1001_2", failed[0].Address)
	var nue *registry.NodeUpdateError
	assert.ErrorAs(t, failed[0].Err, &nue)

	assert.Equal(t, 7.2, reg.Node("1001_3").Info().Drivers[types.DriverPower])
}

func TestUsageSelfHeal(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(storage.NewMemory())
	seed(t, reg, device("1001", 1001, types.NodeKindDevice))

	api := new(mockAPI)
	api.On("DeviceListUsage", mock.Anything, []int64{1001}, types.ScaleMinute).Return(map[int64]types.UsageDevice{
		1001: usageDevice(1001, map[string]float64{"5": 0.05}),
	}, nil)

	t.Run("Disabled", func(t *testing.T) {
		u := NewUsage(api, reg, nil)
		u.SelfHeal = false
		report, err := u.Query(ctx, []int64{1001}, types.ScaleMinute, false)
		require.NoError(t, err)
		require.Len(t, report.Failed(), 1)
		assert.ErrorIs(t, report.Failed()[0].Err, ErrNodeMissing)
		assert.Nil(t, reg.Node("1001_5"))
	})

	t.Run("Enabled", func(t *testing.T) {
		report, err := NewUsage(api, reg, nil).Query(ctx, []int64{1001}, types.ScaleMinute, false)
		require.NoError(t, err)
		assert.Empty(t, report.Failed())
		require.Len(t, report.Results, 2)
		assert.Equal(t, OpCreate, report.Results[0].Op)
		assert.Equal(t, OpMinute, report.Results[1].Op)

		n := reg.Node("1001_5")
		require.NotNil(t, n)
		info := n.Info()
		assert.Equal(t, "channel_5", info.Name)
		assert.Equal(t, "1001", info.Parent)
		assert.Equal(t, types.NodeKindChannel, info.Kind)
		assert.Equal(t, 3.0, info.Drivers[types.DriverMinute])
	})

	t.Run("MissingDeviceNotCreated", func(t *testing.T) {
		api := new(mockAPI)
		api.On("DeviceListUsage", mock.Anything, []int64{4004}, types.ScaleMinute).Return(map[int64]types.UsageDevice{
			4004: usageDevice(4004, map[string]float64{types.AggregateChannel: 0.05}),
		}, nil)
		report, err := NewUsage(api, reg, nil).Query(ctx, []int64{4004}, types.ScaleMinute, false)
		require.NoError(t, err)
		require.Len(t, report.Failed(), 1)
		assert.Equal(t, "4004", report.Failed()[0].Address)
		assert.Nil(t, reg.Node("4004"))
	})
}

func TestUsageNested(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(storage.NewMemory())
	seed(t, reg,
		device("1001", 1001, types.NodeKindDevice),
		device("5001", 5001, types.NodeKindDevice),
		channel("5001_3", 5001, "3"),
	)

	top := usageDevice(1001, map[string]float64{types.AggregateChannel: 0.01})
	agg := top.Channels[types.AggregateChannel]
	agg.NestedDevices = map[int64]types.UsageDevice{
		5001: usageDevice(5001, map[string]float64{types.AggregateChannel: 0.004, "3": 0.001}),
	}
	top.Channels[types.AggregateChannel] = agg

	api := new(mockAPI)
	api.On("DeviceListUsage", mock.Anything, []int64{1001}, types.ScaleSecond).Return(map[int64]types.UsageDevice{1001: top}, nil)

	report, err := NewUsage(api, reg, nil).Query(ctx, []int64{1001}, types.ScaleSecond, false)
	require.NoError(t, err)
	assert.Empty(t, report.Failed())
	assert.Equal(t, 36.0, reg.Node("1001").Info().Drivers[types.DriverPower])
	assert.Equal(t, 14.4, reg.Node("5001").Info().Drivers[types.DriverPower])
	assert.Equal(t, 3.6, reg.Node("5001_3").Info().Drivers[types.DriverPower])
}

func TestUsageNestedDepthLimit(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(storage.NewMemory())

	// each level nests the next under its aggregate channel
	var ud types.UsageDevice
	for gid := int64(discovery.MaxDepth + 2); gid >= 1; gid-- {
		next := usageDevice(gid, map[string]float64{types.AggregateChannel: 0.001})
		if ud.GID != 0 {
			c := next.Channels[types.AggregateChannel]
			c.NestedDevices = map[int64]types.UsageDevice{ud.GID: ud}
			next.Channels[types.AggregateChannel] = c
		}
		ud = next
	}

	api := new(mockAPI)
	api.On("DeviceListUsage", mock.Anything, []int64{1}, types.ScaleSecond).Return(map[int64]types.UsageDevice{1: ud}, nil)

	report, err := NewUsage(api, reg, nil).Query(ctx, []int64{1}, types.ScaleSecond, false)
	require.NoError(t, err)

	var tooDeep int
	for _, res := range report.Failed() {
		if errors.Is(res.Err, discovery.ErrTopologyTooDeep) {
			tooDeep++
			assert.Equal(t, OpNested, res.Op)
		}
	}
	assert.Equal(t, 1, tooDeep)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(storage.NewMemory())
	seed(t, reg,
		device("1001", 1001, types.NodeKindDevice),
		device("2001", 2001, types.NodeKindOutlet),
		device("3001", 3001, types.NodeKindCharger),
	)

	api := new(mockAPI)
	api.On("DevicesStatus", mock.Anything).Return(types.DevicesStatus{
		Outlets: []types.Outlet{
			{DeviceGID: 2001, On: true},
			{DeviceGID: 2999, On: true},
		},
		Chargers: []types.Charger{
			{DeviceGID: 3001, On: true, ChargingRate: 16, MaxChargingRate: 40},
		},
		Connectivity: []types.DeviceConnectivity{
			{DeviceGID: 1001, Connected: true},
			{DeviceGID: 2001, Connected: false},
			{DeviceGID: 9999, Connected: true},
		},
	}, nil)

	report, err := NewStatus(api, reg).Query(ctx)
	require.NoError(t, err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "2999", failed[0].Address)
	assert.ErrorIs(t, failed[0].Err, ErrNodeMissing)

	assert.Equal(t, 1.0, reg.Node("1001").Info().Drivers[types.DriverStatus])
	assert.Equal(t, 1.0, reg.Node("2001").Info().Drivers[types.DriverStatus])

	charger := reg.Node("3001").Info()
	assert.Equal(t, 1.0, charger.Drivers[types.DriverStatus])
	assert.Equal(t, 16.0, charger.Drivers[types.DriverChargeRate])
	assert.Equal(t, 40.0, charger.Drivers[types.DriverMaxChargeRate])
}

func TestUsageIncludeStatus(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(storage.NewMemory())
	seed(t, reg, device("1001", 1001, types.NodeKindDevice), device("2001", 2001, types.NodeKindOutlet))

	api := new(mockAPI)
	api.On("DeviceListUsage", mock.Anything, []int64{1001, 2001}, types.ScaleSecond).Return(map[int64]types.UsageDevice{
		1001: usageDevice(1001, map[string]float64{types.AggregateChannel: 0.001}),
	}, nil)
	api.On("DevicesStatus", mock.Anything).Return(types.DevicesStatus{
		Outlets: []types.Outlet{{DeviceGID: 2001, On: true}},
	}, nil).Once()

	u := NewUsage(api, reg, NewStatus(api, reg))
	report, err := u.Query(ctx, []int64{1001, 2001}, types.ScaleSecond, true)
	require.NoError(t, err)
	assert.NoError(t, report.StatusErr)
	require.Len(t, report.Results, 2)
	assert.Equal(t, OpState, report.Results[1].Op)
	assert.Equal(t, 1.0, reg.Node("2001").Info().Drivers[types.DriverStatus])

	t.Run("StatusFailureKeepsUsage", func(t *testing.T) {
		api.On("DevicesStatus", mock.Anything).Return(types.DevicesStatus{}, errors.New("status 500"))
		report, err := u.Query(ctx, []int64{1001, 2001}, types.ScaleSecond, true)
		require.NoError(t, err)
		assert.ErrorContains(t, report.StatusErr, "status 500")
		assert.Equal(t, 1, report.Succeeded())
	})
}
