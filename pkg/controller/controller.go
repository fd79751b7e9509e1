// Package controller drives login, discovery and the poll schedule.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jameshartig/emporiasync/pkg/address"
	"github.com/jameshartig/emporiasync/pkg/auth"
	"github.com/jameshartig/emporiasync/pkg/discovery"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/metrics"
	"github.com/jameshartig/emporiasync/pkg/poller"
	"github.com/jameshartig/emporiasync/pkg/registry"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	// ErrBusy is returned when another poll or discovery is running.
	ErrBusy = errors.New("poll already in progress")
	// ErrNotReady is returned by operations that need a discovered topology.
	ErrNotReady = errors.New("topology not discovered yet")
	// ErrUnknownDevice is returned when a gid has no matching capability.
	ErrUnknownDevice = errors.New("unknown device")
)

// Client is the cloud API surface the controller drives.
type Client interface {
	discovery.API
	poller.StatusAPI
	Login(ctx context.Context, creds auth.Credentials) (types.Customer, error)
	DownForMaintenance(ctx context.Context) (string, error)
	UpdateOutlet(ctx context.Context, o types.Outlet) (types.Outlet, error)
	UpdateCharger(ctx context.Context, c types.Charger) (types.Charger, error)
	ChartUsage(ctx context.Context, ch types.Channel, start, end time.Time, scale types.Scale, unit types.Unit) (types.ChartUsage, error)
}

// Options tune the poll schedule.
type Options struct {
	ShortPoll time.Duration
	LongPoll  time.Duration
	// HourEvery runs the hour scale on every Nth short poll.
	HourEvery  int
	PollMinute bool
	SelfHeal   bool
}

// DefaultOptions are used when no flags override them.
var DefaultOptions = Options{
	ShortPoll:  15 * time.Second,
	LongPoll:   5 * time.Minute,
	HourEvery:  10,
	PollMinute: true,
	SelfHeal:   true,
}

// Controller owns the session-backed client, the registry, the current
// topology and the ready state. Only one poll or discovery runs at a time.
type Controller struct {
	client  Client
	reg     *registry.Registry
	builder *discovery.Builder
	usage   *poller.Usage
	status  *poller.Status
	notices *Notices
	opts    Options

	pollMu sync.Mutex

	mu       sync.RWMutex
	ready    bool
	topo     *discovery.Topology
	customer types.Customer
	tick     int
}

// New returns a controller for client and reg.
func New(client Client, reg *registry.Registry, opts Options) *Controller {
	c := &Controller{
		client:  client,
		reg:     reg,
		builder: discovery.NewBuilder(client, reg),
		status:  poller.NewStatus(client, reg),
		notices: NewNotices(),
	}
	c.usage = poller.NewUsage(client, reg, c.status)
	c.setOptions(opts)
	return c
}

func (c *Controller) setOptions(opts Options) {
	if opts.HourEvery < 1 {
		opts.HourEvery = 1
	}
	c.opts = opts
	c.usage.SelfHeal = opts.SelfHeal
}

// Configured sets up the controller based on flags.
func Configured(client Client, reg *registry.Registry) *Controller {
	shortPoll := lflag.Duration("short-poll", DefaultOptions.ShortPoll, "Interval of the current usage and status poll")
	longPoll := lflag.Duration("long-poll", DefaultOptions.LongPoll, "Interval of the day and month usage poll")
	hourEvery := DefaultOptions.HourEvery
	lflag.JSON(&hourEvery, "hour-every", hourEvery, "Poll hourly usage on every Nth short poll")
	pollMinute := lflag.Bool("poll-minute", DefaultOptions.PollMinute, "Poll minute usage on every short poll")
	selfHeal := lflag.Bool("self-heal", DefaultOptions.SelfHeal, "Create channel nodes that show up in usage but were not discovered")
	probeNested := lflag.Bool("discover-nested", true, "Probe usage during discovery to find nested sub-devices")

	c := New(client, reg, DefaultOptions)

	lflag.Do(func() {
		c.setOptions(Options{
			ShortPoll:  *shortPoll,
			LongPoll:   *longPoll,
			HourEvery:  hourEvery,
			PollMinute: *pollMinute,
			SelfHeal:   *selfHeal,
		})
		c.builder.ProbeNested = *probeNested
	})

	return c
}

// Notices returns the operator-facing messages.
func (c *Controller) Notices() *Notices {
	return c.notices
}

// Ready reports whether discovery has succeeded.
func (c *Controller) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Devices returns a copy of every discovered device ordered by gid.
func (c *Controller) Devices() []types.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.topo == nil {
		return nil
	}
	out := make([]types.Device, 0, len(c.topo.Devices))
	for _, d := range c.topo.Devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GID < out[j].GID })
	return out
}

// Customer returns the logged in account profile.
func (c *Controller) Customer() types.Customer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.customer
}

// Start logs in, checks for a maintenance advisory and runs the first
// discovery. Only a login failure is returned; a failed discovery is retried
// by the next short poll.
func (c *Controller) Start(ctx context.Context, creds auth.Credentials) error {
	customer, err := c.client.Login(ctx, creds)
	if err != nil {
		var ae *auth.AuthError
		if errors.As(err, &ae) && creds.Username == "" && creds.Password == "" && !creds.Bundle.Complete() {
			c.notices.Set(ctx, NoticeConfig, "Enter a username and password or provide a token file")
		}
		c.notices.Set(ctx, NoticeAuth, "Login failed: "+err.Error())
		return fmt.Errorf("login failed: %w", err)
	}
	c.notices.Clear(NoticeConfig)
	c.notices.Clear(NoticeAuth)

	c.mu.Lock()
	c.customer = customer
	c.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "started", slog.Int64("customerGid", customer.GID))

	c.checkMaintenance(ctx)

	if _, err := c.Discover(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "initial discovery failed", slog.Any("error", err))
	}
	return nil
}

// Discover runs a discovery pass. The ready state is only set on success; a
// failure keeps the previous topology.
func (c *Controller) Discover(ctx context.Context) (*discovery.Topology, error) {
	if !c.pollMu.TryLock() {
		return nil, ErrBusy
	}
	defer c.pollMu.Unlock()
	return c.discoverLocked(ctx)
}

func (c *Controller) discoverLocked(ctx context.Context) (*discovery.Topology, error) {
	topo, err := c.builder.Discover(ctx)
	if err != nil {
		metrics.ObserveDiscovery(0, err)
		c.notices.Set(ctx, NoticeDiscovery, "Discovery failed: "+err.Error())
		return nil, err
	}
	metrics.ObserveDiscovery(topo.Created, nil)
	c.notices.Clear(NoticeDiscovery)
	if len(topo.Warnings) > 0 {
		c.notices.Set(ctx, NoticeTopology, fmt.Sprintf("%d parts of the device tree were skipped: %v", len(topo.Warnings), errors.Join(topo.Warnings...)))
	} else {
		c.notices.Clear(NoticeTopology)
	}

	c.mu.Lock()
	c.topo = topo
	c.ready = true
	c.mu.Unlock()
	return topo, nil
}

// ShortPoll polls current usage with status, minute usage when enabled, and
// hour usage on the first and every HourEvery-th tick. Before discovery
// succeeds it attempts discovery instead.
func (c *Controller) ShortPoll(ctx context.Context) error {
	if !c.pollMu.TryLock() {
		return ErrBusy
	}
	defer c.pollMu.Unlock()

	if !c.Ready() {
		_, err := c.discoverLocked(ctx)
		return err
	}

	c.mu.Lock()
	tick := c.tick
	c.tick++
	gids := c.topo.Targets
	c.mu.Unlock()

	ctx = log.WithAttrs(ctx, slog.Int("tick", tick))
	var errs []error
	errs = append(errs, c.poll(ctx, gids, types.ScaleSecond, true))
	if c.opts.PollMinute {
		errs = append(errs, c.poll(ctx, gids, types.ScaleMinute, false))
	}
	if tick%c.opts.HourEvery == 0 {
		errs = append(errs, c.poll(ctx, gids, types.ScaleHour, false))
	}
	return errors.Join(errs...)
}

// LongPoll polls day and month usage and refreshes the maintenance advisory.
func (c *Controller) LongPoll(ctx context.Context) error {
	if !c.pollMu.TryLock() {
		return ErrBusy
	}
	defer c.pollMu.Unlock()

	c.mu.RLock()
	ready := c.ready
	var gids []int64
	if ready {
		gids = c.topo.Targets
	}
	c.mu.RUnlock()

	c.checkMaintenance(ctx)
	if !ready {
		return ErrNotReady
	}
	return errors.Join(
		c.poll(ctx, gids, types.ScaleDay, false),
		c.poll(ctx, gids, types.ScaleMonth, false),
	)
}

func (c *Controller) poll(ctx context.Context, gids []int64, scale types.Scale, includeStatus bool) error {
	ctx = log.WithAttrs(ctx, slog.String("scale", string(scale)))
	start := time.Now()
	report, err := c.usage.Query(ctx, gids, scale, includeStatus)
	metrics.ObservePoll(scale, report, err, time.Since(start))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "usage poll failed", slog.Any("error", err))
		return err
	}
	report.Log(ctx)
	return nil
}

func (c *Controller) checkMaintenance(ctx context.Context) {
	msg, err := c.client.DownForMaintenance(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to check maintenance advisory", slog.Any("error", err))
		return
	}
	if msg == "" {
		c.notices.Clear(NoticeMaintenance)
		return
	}
	c.notices.Set(ctx, NoticeMaintenance, msg)
}

// Run fires the short and long polls on their intervals until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	short := time.NewTicker(c.opts.ShortPoll)
	defer short.Stop()
	long := time.NewTicker(c.opts.LongPoll)
	defer long.Stop()

	log.Ctx(ctx).InfoContext(
		ctx,
		"polling",
		slog.Duration("shortPoll", c.opts.ShortPoll),
		slog.Duration("longPoll", c.opts.LongPoll),
		slog.Int("hourEvery", c.opts.HourEvery),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-short.C:
			c.logTick(ctx, "short", c.ShortPoll(ctx))
		case <-long.C:
			c.logTick(ctx, "long", c.LongPoll(ctx))
		}
	}
}

func (c *Controller) logTick(ctx context.Context, which string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotReady):
		log.Ctx(ctx).DebugContext(ctx, "poll skipped", slog.String("poll", which), slog.Any("reason", err))
	default:
		log.Ctx(ctx).ErrorContext(ctx, "poll failed", slog.String("poll", which), slog.Any("error", err))
	}
}

func (c *Controller) device(gid int64) (types.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.topo == nil {
		return types.Device{}, ErrNotReady
	}
	d, ok := c.topo.Device(gid)
	if !ok {
		return types.Device{}, fmt.Errorf("%w: %d", ErrUnknownDevice, gid)
	}
	return d, nil
}

// SetOutlet switches an outlet and records the state the cloud applied.
func (c *Controller) SetOutlet(ctx context.Context, gid int64, on bool) (types.Outlet, error) {
	d, err := c.device(gid)
	if err != nil {
		return types.Outlet{}, err
	}
	if d.Outlet == nil {
		return types.Outlet{}, fmt.Errorf("%w: %d is not an outlet", ErrUnknownDevice, gid)
	}
	want := *d.Outlet
	want.On = on
	got, err := c.client.UpdateOutlet(ctx, want)
	if err != nil {
		return types.Outlet{}, fmt.Errorf("failed to update outlet %d: %w", gid, err)
	}

	c.mu.Lock()
	if cur, ok := c.topo.Devices[gid]; ok {
		o := got
		cur.Outlet = &o
	}
	c.mu.Unlock()

	if node := c.reg.Node(address.Device(gid)); node != nil {
		if err := node.UpdateState(ctx, got.On); err != nil {
			return got, err
		}
	}
	return got, nil
}

// SetCharger switches a charger and sets its rate in amps. A zero rate keeps
// the current one.
func (c *Controller) SetCharger(ctx context.Context, gid int64, on bool, rate int) (types.Charger, error) {
	d, err := c.device(gid)
	if err != nil {
		return types.Charger{}, err
	}
	if d.Charger == nil {
		return types.Charger{}, fmt.Errorf("%w: %d is not a charger", ErrUnknownDevice, gid)
	}
	want := *d.Charger
	want.On = on
	if rate > 0 {
		want.ChargingRate = rate
	}
	got, err := c.client.UpdateCharger(ctx, want)
	if err != nil {
		return types.Charger{}, fmt.Errorf("failed to update charger %d: %w", gid, err)
	}

	c.mu.Lock()
	if cur, ok := c.topo.Devices[gid]; ok {
		ch := got
		cur.Charger = &ch
	}
	c.mu.Unlock()

	if node := c.reg.Node(address.Device(gid)); node != nil {
		if err := errors.Join(
			node.UpdateState(ctx, got.On),
			node.UpdateChargeRate(ctx, got.ChargingRate),
			node.UpdateMaxChargeRate(ctx, got.MaxChargingRate),
		); err != nil {
			return got, err
		}
	}
	return got, nil
}

// ChartUsage returns the readings of one channel of a discovered device.
func (c *Controller) ChartUsage(ctx context.Context, gid int64, channelNum string, start, end time.Time, scale types.Scale) (types.ChartUsage, error) {
	d, err := c.device(gid)
	if err != nil {
		return types.ChartUsage{}, err
	}
	ch := types.Channel{DeviceGID: gid, ChannelNum: channelNum}
	for _, dc := range d.Channels {
		if dc.ChannelNum == channelNum {
			ch = dc
			break
		}
	}
	return c.client.ChartUsage(ctx, ch, start, end, scale, types.UnitKWH)
}
