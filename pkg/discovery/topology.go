package discovery

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/types"
)

// Topology is the result of a discovery pass.
type Topology struct {
	// Devices holds every device seen, merged by gid.
	Devices map[int64]*types.Device
	// Targets are the gids polled for usage, in the order first seen.
	Targets []int64

	Created  int
	Existing int
	// Warnings are branch-level problems that did not abort the pass.
	Warnings []error

	created   map[int64]bool
	addresses map[string]string
}

func newTopology() *Topology {
	return &Topology{
		Devices:   make(map[int64]*types.Device),
		created:   make(map[int64]bool),
		addresses: make(map[string]string),
	}
}

// merge folds d into the device already recorded under its gid and returns
// the merged record. Channels are de-duplicated by channel number.
func (t *Topology) merge(d types.Device) *types.Device {
	cur, ok := t.Devices[d.GID]
	if !ok {
		c := d
		c.Channels = nil
		for _, ch := range d.Channels {
			if !c.HasChannel(ch.ChannelNum) {
				c.Channels = append(c.Channels, ch)
			}
		}
		t.Devices[d.GID] = &c
		return &c
	}
	for _, ch := range d.Channels {
		if !cur.HasChannel(ch.ChannelNum) {
			cur.Channels = append(cur.Channels, ch)
		}
	}
	if cur.Outlet == nil {
		cur.Outlet = d.Outlet
	}
	if cur.Charger == nil {
		cur.Charger = d.Charger
	}
	if cur.Name == "" {
		cur.Name = d.Name
	}
	if cur.Model == "" {
		cur.Model = d.Model
	}
	if cur.ManufacturerID == "" {
		cur.ManufacturerID = d.ManufacturerID
	}
	if cur.Firmware == "" {
		cur.Firmware = d.Firmware
	}
	if cur.CentsPerKWH == 0 {
		cur.CentsPerKWH = d.CentsPerKWH
	}
	if cur.ParentGID == 0 {
		cur.ParentGID = d.ParentGID
	}
	cur.Devices = append(cur.Devices, d.Devices...)
	return cur
}

func (t *Topology) addTarget(gid int64) {
	for _, g := range t.Targets {
		if g == gid {
			return
		}
	}
	t.Targets = append(t.Targets, gid)
}

func (t *Topology) warn(ctx context.Context, err error) {
	log.Ctx(ctx).WarnContext(ctx, "discovery warning", slog.Any("error", err))
	t.Warnings = append(t.Warnings, err)
}

// Device returns the merged device with gid.
func (t *Topology) Device(gid int64) (types.Device, bool) {
	d, ok := t.Devices[gid]
	if !ok {
		return types.Device{}, false
	}
	return *d, true
}

func deviceKey(gid int64) string {
	return "device " + strconv.FormatInt(gid, 10)
}

func channelKey(gid int64, channelNum string) string {
	return "channel " + strconv.FormatInt(gid, 10) + "/" + channelNum
}

func sortedChannels(m map[string]types.ChannelUsage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedNested(m map[int64]types.UsageDevice) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
