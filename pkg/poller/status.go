package poller

import (
	"context"
	"fmt"

	"github.com/jameshartig/emporiasync/pkg/address"
	"github.com/jameshartig/emporiasync/pkg/registry"
	"github.com/jameshartig/emporiasync/pkg/types"
)

// StatusAPI fetches the combined outlet, charger and connectivity listing.
type StatusAPI interface {
	DevicesStatus(ctx context.Context) (types.DevicesStatus, error)
}

// Status merges outlet, charger and connectivity state onto nodes.
type Status struct {
	api StatusAPI
	reg *registry.Registry
}

func NewStatus(api StatusAPI, reg *registry.Registry) *Status {
	return &Status{api: api, reg: reg}
}

// Query fetches the status listing and applies it. Missing outlet and
// charger nodes are failed items; connectivity for unknown devices is
// ignored. Connectivity only applies to plain devices because outlets and
// chargers report their on/off state on the same driver.
func (s *Status) Query(ctx context.Context) (Report, error) {
	var report Report
	st, err := s.api.DevicesStatus(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to get device status: %w", err)
	}

	for _, o := range st.Outlets {
		addr := address.Device(o.DeviceGID)
		node := s.reg.Node(addr)
		if node == nil {
			report.add(Result{Address: addr, Op: OpState, Err: ErrNodeMissing})
			continue
		}
		report.add(Result{Address: addr, Op: OpState, Value: boolValue(o.On), Err: node.UpdateState(ctx, o.On)})
	}

	for _, c := range st.Chargers {
		addr := address.Device(c.DeviceGID)
		node := s.reg.Node(addr)
		if node == nil {
			report.add(Result{Address: addr, Op: OpState, Err: ErrNodeMissing})
			continue
		}
		report.add(Result{Address: addr, Op: OpState, Value: boolValue(c.On), Err: node.UpdateState(ctx, c.On)})
		report.add(Result{Address: addr, Op: OpChargeRate, Value: float64(c.ChargingRate), Err: node.UpdateChargeRate(ctx, c.ChargingRate)})
		report.add(Result{Address: addr, Op: OpMaxChargeRate, Value: float64(c.MaxChargingRate), Err: node.UpdateMaxChargeRate(ctx, c.MaxChargingRate)})
	}

	for _, dc := range st.Connectivity {
		addr := address.Device(dc.DeviceGID)
		node := s.reg.Node(addr)
		if node == nil || node.Kind() != types.NodeKindDevice {
			continue
		}
		report.add(Result{Address: addr, Op: OpStatus, Value: boolValue(dc.Connected), Err: node.UpdateStatus(ctx, dc.Connected)})
	}
	return report, nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
