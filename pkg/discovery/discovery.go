// Package discovery reconciles the cloud device hierarchy into registry
// nodes.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jameshartig/emporiasync/pkg/address"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/registry"
	"github.com/jameshartig/emporiasync/pkg/types"
)

// MaxDepth bounds recursion into sub-devices and nested usage.
const MaxDepth = 8

var (
	// ErrTopologyTooDeep is recorded when a branch nests deeper than MaxDepth.
	ErrTopologyTooDeep = errors.New("topology too deep")
	// ErrAddressConflict is recorded when two different devices or channels
	// canonicalize to the same address.
	ErrAddressConflict = errors.New("address conflict")
)

// DiscoveryError is returned when the device list cannot be fetched.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return "discovery failed: " + e.Err.Error()
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// API is the part of the cloud client discovery uses.
type API interface {
	Devices(ctx context.Context) ([]types.Device, error)
	PopulateDeviceProperties(ctx context.Context, d *types.Device) error
	DeviceListUsage(ctx context.Context, gids []int64, instant time.Time, scale types.Scale, unit types.Unit) (map[int64]types.UsageDevice, error)
}

// Builder runs discovery passes against a registry.
type Builder struct {
	api API
	reg *registry.Registry

	// ProbeNested makes discovery fetch one round of usage to find devices
	// that only appear nested under another device's channel.
	ProbeNested bool
}

// NewBuilder returns a builder that probes nested usage.
func NewBuilder(api API, reg *registry.Registry) *Builder {
	return &Builder{api: api, reg: reg, ProbeNested: true}
}

// Discover fetches the device list, merges records by gid, and creates the
// nodes that do not exist yet. Existing nodes are never modified.
func (b *Builder) Discover(ctx context.Context) (*Topology, error) {
	devices, err := b.api.Devices(ctx)
	if err != nil {
		return nil, &DiscoveryError{Err: err}
	}

	topo := newTopology()
	for _, d := range devices {
		if _, seen := topo.Devices[d.GID]; !seen {
			b.populate(ctx, &d)
		}
		topo.merge(d)
		topo.addTarget(d.GID)
	}

	for _, gid := range topo.Targets {
		if topo.created[gid] {
			continue
		}
		d := topo.Devices[gid]
		var parent string
		if _, ok := topo.Devices[d.ParentGID]; ok && d.ParentGID != gid {
			parent = address.Device(d.ParentGID)
		}
		b.createDevice(ctx, topo, d, parent, 0)
	}

	if b.ProbeNested && len(topo.Targets) > 0 {
		usage, err := b.api.DeviceListUsage(ctx, topo.Targets, time.Time{}, types.ScaleSecond, types.UnitKWH)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to probe nested usage", slog.Any("error", err))
		} else {
			for _, gid := range topo.Targets {
				if ud, ok := usage[gid]; ok {
					b.walkUsage(ctx, topo, ud, 0)
				}
			}
		}
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"discovery complete",
		slog.Int("devices", len(topo.Devices)),
		slog.Int("targets", len(topo.Targets)),
		slog.Int("created", topo.Created),
		slog.Int("existing", topo.Existing),
		slog.Int("warnings", len(topo.Warnings)),
	)
	return topo, nil
}

func (b *Builder) populate(ctx context.Context, d *types.Device) {
	if err := b.api.PopulateDeviceProperties(ctx, d); err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"failed to get device properties, using defaults",
			slog.Int64("gid", d.GID),
			slog.Any("error", err),
		)
	}
}

// createDevice ensures nodes for d, its channels and its sub-devices.
func (b *Builder) createDevice(ctx context.Context, topo *Topology, d *types.Device, parent string, depth int) {
	if depth > MaxDepth {
		topo.warn(ctx, fmt.Errorf("%w: device %d at depth %d", ErrTopologyTooDeep, d.GID, depth))
		return
	}
	topo.created[d.GID] = true

	kind := types.ClassifyDevice(*d)
	addr := address.Device(d.GID)
	b.ensureNode(ctx, topo, deviceKey(d.GID), types.NodeInfo{
		Address: addr,
		Parent:  parent,
		Name:    d.DisplayName(),
		Kind:    kind,
		GID:     d.GID,
		// offline until the first status poll says otherwise
		Drivers: map[types.Driver]float64{types.DriverStatus: 0},
	})

	for _, ch := range d.Channels {
		if ch.IsAggregate() {
			continue
		}
		b.ensureChannel(ctx, topo, d.GID, ch.ChannelNum, ch.Name)
	}

	for _, child := range d.Devices {
		if topo.created[child.GID] {
			continue
		}
		if _, seen := topo.Devices[child.GID]; !seen {
			b.populate(ctx, &child)
		}
		merged := topo.merge(child)
		b.createDevice(ctx, topo, merged, addr, depth+1)
	}
}

func (b *Builder) ensureChannel(ctx context.Context, topo *Topology, gid int64, channelNum, name string) {
	b.ensureNode(ctx, topo, channelKey(gid, channelNum), types.NodeInfo{
		Address:    address.Channel(gid, channelNum),
		Parent:     address.Device(gid),
		Name:       types.ChannelName(name, channelNum),
		Kind:       types.NodeKindChannel,
		GID:        gid,
		ChannelNum: channelNum,
	})
}

// walkUsage creates nodes for devices that only show up nested in usage.
func (b *Builder) walkUsage(ctx context.Context, topo *Topology, ud types.UsageDevice, depth int) {
	if depth > MaxDepth {
		topo.warn(ctx, fmt.Errorf("%w: nested usage of device %d at depth %d", ErrTopologyTooDeep, ud.GID, depth))
		return
	}
	for _, num := range sortedChannels(ud.Channels) {
		cu := ud.Channels[num]
		for _, ngid := range sortedNested(cu.NestedDevices) {
			nested := cu.NestedDevices[ngid]
			if !topo.created[ngid] {
				if depth+1 > MaxDepth {
					topo.warn(ctx, fmt.Errorf("%w: nested device %d at depth %d", ErrTopologyTooDeep, ngid, depth+1))
					continue
				}
				topo.created[ngid] = true
				d := topo.merge(types.Device{GID: ngid})
				b.populate(ctx, d)
				b.ensureNode(ctx, topo, deviceKey(ngid), types.NodeInfo{
					Address: address.Device(ngid),
					Parent:  address.Dispatch(ud.GID, num),
					Name:    d.DisplayName(),
					Kind:    types.NodeKindDevice,
					GID:     ngid,
					Drivers: map[types.Driver]float64{types.DriverStatus: 0},
				})
			}
			for _, nnum := range sortedChannels(nested.Channels) {
				nc := nested.Channels[nnum]
				if nnum == types.AggregateChannel {
					continue
				}
				if !topo.Devices[ngid].HasChannel(nnum) {
					topo.Devices[ngid].Channels = append(topo.Devices[ngid].Channels, types.Channel{
						DeviceGID:  ngid,
						ChannelNum: nnum,
						Name:       nc.Name,
					})
				}
				b.ensureChannel(ctx, topo, ngid, nnum, nc.Name)
			}
			b.walkUsage(ctx, topo, nested, depth+1)
		}
	}
}

// ensureNode creates info's node unless it already exists.
func (b *Builder) ensureNode(ctx context.Context, topo *Topology, key string, info types.NodeInfo) {
	if owner, ok := topo.addresses[info.Address]; ok && owner != key {
		topo.warn(ctx, fmt.Errorf("%w: %s and %s both map to %s", ErrAddressConflict, owner, key, info.Address))
		return
	}
	topo.addresses[info.Address] = key

	if b.reg.Node(info.Address) != nil {
		topo.Existing++
		return
	}
	_, err := b.reg.AddNode(ctx, info)
	switch {
	case err == nil:
		topo.Created++
	case errors.Is(err, registry.ErrNodeExists):
		topo.Existing++
	default:
		topo.warn(ctx, fmt.Errorf("failed to create node %s: %w", info.Address, err))
	}
}
