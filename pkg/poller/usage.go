// Package poller applies usage and status readings onto registry nodes.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jameshartig/emporiasync/pkg/address"
	"github.com/jameshartig/emporiasync/pkg/discovery"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/registry"
	"github.com/jameshartig/emporiasync/pkg/types"
)

// UsageAPI fetches device list usage.
type UsageAPI interface {
	DeviceListUsage(ctx context.Context, gids []int64, instant time.Time, scale types.Scale, unit types.Unit) (map[int64]types.UsageDevice, error)
}

// Usage polls usage at one scale and writes it onto nodes.
type Usage struct {
	api    UsageAPI
	reg    *registry.Registry
	status *Status

	// SelfHeal creates a missing channel node instead of dropping its sample.
	SelfHeal bool
}

// NewUsage returns a self-healing usage poller. status may be nil when
// combined polls are never requested.
func NewUsage(api UsageAPI, reg *registry.Registry, status *Status) *Usage {
	return &Usage{api: api, reg: reg, status: status, SelfHeal: true}
}

// Query fetches usage for gids at scale and applies every reading. The error
// is only non-nil when the fetch itself failed; per-node failures are in the
// report. With includeStatus the status poll runs in the same cycle.
func (u *Usage) Query(ctx context.Context, gids []int64, scale types.Scale, includeStatus bool) (Report, error) {
	report := Report{Scale: scale}
	if _, ok := scale.Driver(); !ok {
		return report, fmt.Errorf("scale %s is not pollable", scale)
	}

	if len(gids) > 0 {
		usage, err := u.api.DeviceListUsage(ctx, gids, time.Time{}, scale, types.UnitKWH)
		if err != nil {
			return report, fmt.Errorf("failed to get %s usage: %w", scale, err)
		}
		for _, gid := range sortedGIDs(usage) {
			u.apply(ctx, &report, usage[gid], scale, 0)
		}
	}

	if includeStatus && u.status != nil {
		sr, err := u.status.Query(ctx)
		if err != nil {
			report.StatusErr = err
		}
		report.Results = append(report.Results, sr.Results...)
	}
	return report, nil
}

func (u *Usage) apply(ctx context.Context, report *Report, ud types.UsageDevice, scale types.Scale, depth int) {
	if depth > discovery.MaxDepth {
		report.add(Result{
			Address: address.Device(ud.GID),
			Op:      OpNested,
			Err:     fmt.Errorf("%w: nested usage of device %d", discovery.ErrTopologyTooDeep, ud.GID),
		})
		return
	}

	nums := make([]string, 0, len(ud.Channels))
	for n := range ud.Channels {
		nums = append(nums, n)
	}
	sort.Strings(nums)

	for _, num := range nums {
		cu := ud.Channels[num]
		if cu.Usage != nil {
			u.dispatch(ctx, report, ud.GID, cu, scale)
		}
		for _, gid := range sortedGIDs(cu.NestedDevices) {
			u.apply(ctx, report, cu.NestedDevices[gid], scale, depth+1)
		}
	}
}

func (u *Usage) dispatch(ctx context.Context, report *Report, gid int64, cu types.ChannelUsage, scale types.Scale) {
	addr := address.Dispatch(gid, cu.ChannelNum)
	value := scale.Convert(*cu.Usage)
	op := scaleOp(scale)

	node := u.reg.Node(addr)
	if node == nil {
		if cu.ChannelNum == types.AggregateChannel || !u.SelfHeal {
			report.add(Result{Address: addr, Op: op, Value: value, Err: ErrNodeMissing})
			return
		}
		log.Ctx(ctx).InfoContext(ctx, "channel node missing, adding", slog.String("address", addr))
		created, err := u.reg.AddNode(ctx, types.NodeInfo{
			Address:    addr,
			Parent:     address.Device(gid),
			Name:       types.ChannelName(cu.Name, cu.ChannelNum),
			Kind:       types.NodeKindChannel,
			GID:        gid,
			ChannelNum: cu.ChannelNum,
		})
		report.add(Result{Address: addr, Op: OpCreate, Err: err})
		if err != nil {
			return
		}
		node = created
	}

	report.add(Result{
		Address: addr,
		Op:      op,
		Value:   value,
		Err:     node.UpdateScale(ctx, scale, value),
	})
}

func sortedGIDs(m map[int64]types.UsageDevice) []int64 {
	gids := make([]int64, 0, len(m))
	for g := range m {
		gids = append(gids, g)
	}
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })
	return gids
}
