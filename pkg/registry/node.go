package registry

import (
	"context"
	"fmt"

	"github.com/jameshartig/emporiasync/pkg/types"
)

// Node is a handle to a registry node. Updates are validated against the
// node's kind; a driver the kind does not expose is a *NodeUpdateError.
type Node struct {
	r       *Registry
	address string
}

func (n *Node) Address() string {
	return n.address
}

// Info returns a snapshot of the node.
func (n *Node) Info() types.NodeInfo {
	info, _ := n.r.Info(n.address)
	return info
}

func (n *Node) Kind() types.NodeKind {
	return n.Info().Kind
}

// UpdateCurrent sets the instantaneous power in kW.
func (n *Node) UpdateCurrent(ctx context.Context, kw float64) error {
	return n.r.set(ctx, n.address, types.DriverPower, kw)
}

// UpdateMinute sets the power averaged over the last minute in kW.
func (n *Node) UpdateMinute(ctx context.Context, kw float64) error {
	return n.r.set(ctx, n.address, types.DriverMinute, kw)
}

func (n *Node) UpdateHour(ctx context.Context, kwh float64) error {
	return n.r.set(ctx, n.address, types.DriverHour, kwh)
}

func (n *Node) UpdateDay(ctx context.Context, kwh float64) error {
	return n.r.set(ctx, n.address, types.DriverDay, kwh)
}

func (n *Node) UpdateMonth(ctx context.Context, kwh float64) error {
	return n.r.set(ctx, n.address, types.DriverMonth, kwh)
}

// UpdateScale routes a converted usage value to the update matching scale.
func (n *Node) UpdateScale(ctx context.Context, scale types.Scale, value float64) error {
	driver, ok := scale.Driver()
	if !ok {
		return &NodeUpdateError{Address: n.address, Driver: driver, Err: fmt.Errorf("scale %s is not pollable", scale)}
	}
	return n.r.set(ctx, n.address, driver, value)
}

// UpdateStatus records device connectivity.
func (n *Node) UpdateStatus(ctx context.Context, connected bool) error {
	return n.r.set(ctx, n.address, types.DriverStatus, boolValue(connected))
}

// UpdateState records the on/off state of an outlet or charger.
func (n *Node) UpdateState(ctx context.Context, on bool) error {
	return n.r.set(ctx, n.address, types.DriverStatus, boolValue(on))
}

func (n *Node) UpdateChargeRate(ctx context.Context, amps int) error {
	return n.r.set(ctx, n.address, types.DriverChargeRate, float64(amps))
}

func (n *Node) UpdateMaxChargeRate(ctx context.Context, amps int) error {
	return n.r.set(ctx, n.address, types.DriverMaxChargeRate, float64(amps))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
