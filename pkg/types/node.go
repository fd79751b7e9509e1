package types

import (
	"fmt"
	"slices"
	"time"
)

// NodeKind is the closed set of node variants the registry knows about. The
// device kinds are resolved once at discovery time from the capabilities the
// cloud reports.
type NodeKind int

const (
	NodeKindDevice NodeKind = iota + 1
	NodeKindOutlet
	NodeKindCharger
	NodeKindChannel
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindDevice:
		return "device"
	case NodeKindOutlet:
		return "outlet"
	case NodeKindCharger:
		return "charger"
	case NodeKindChannel:
		return "channel"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *NodeKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "device":
		*k = NodeKindDevice
	case "outlet":
		*k = NodeKindOutlet
	case "charger":
		*k = NodeKindCharger
	case "channel":
		*k = NodeKindChannel
	default:
		return fmt.Errorf("unknown node kind: %q", string(b))
	}
	return nil
}

// Drivers lists the values a node of this kind exposes.
func (k NodeKind) Drivers() []Driver {
	switch k {
	case NodeKindDevice:
		return []Driver{DriverStatus, DriverPower, DriverMinute, DriverHour, DriverDay, DriverMonth}
	case NodeKindOutlet:
		return []Driver{DriverStatus, DriverPower, DriverMinute, DriverHour, DriverDay, DriverMonth}
	case NodeKindCharger:
		return []Driver{DriverStatus, DriverPower, DriverMinute, DriverHour, DriverDay, DriverMonth, DriverChargeRate, DriverMaxChargeRate}
	case NodeKindChannel:
		return []Driver{DriverPower, DriverMinute, DriverHour, DriverDay, DriverMonth}
	}
	return nil
}

// Accepts reports whether a node of this kind exposes d.
func (k NodeKind) Accepts(d Driver) bool {
	return slices.Contains(k.Drivers(), d)
}

// ClassifyDevice resolves the kind of the node representing d. A charger
// capability wins over an outlet one.
func ClassifyDevice(d Device) NodeKind {
	switch {
	case d.Charger != nil:
		return NodeKindCharger
	case d.Outlet != nil:
		return NodeKindOutlet
	default:
		return NodeKindDevice
	}
}

// Driver names a value exposed on a node.
type Driver string

const (
	// DriverStatus is online/offline for devices and on/off for outlets and
	// chargers.
	DriverStatus        Driver = "ST"
	DriverPower         Driver = "CPW"
	DriverMinute        Driver = "GV0"
	DriverHour          Driver = "GV1"
	DriverDay           Driver = "GV2"
	DriverMonth         Driver = "GV3"
	DriverChargeRate    Driver = "GV4"
	DriverMaxChargeRate Driver = "GV5"
)

// Description is a human readable label for the driver.
func (d Driver) Description() string {
	switch d {
	case DriverStatus:
		return "status"
	case DriverPower:
		return "current power (kW)"
	case DriverMinute:
		return "minute power (kW)"
	case DriverHour:
		return "hourly energy (kWh)"
	case DriverDay:
		return "daily energy (kWh)"
	case DriverMonth:
		return "monthly energy (kWh)"
	case DriverChargeRate:
		return "charge rate (A)"
	case DriverMaxChargeRate:
		return "max charge rate (A)"
	}
	return string(d)
}

// NodeInfo is the registry record for a node.
type NodeInfo struct {
	Address    string             `json:"address"`
	Parent     string             `json:"parent,omitempty"`
	Name       string             `json:"name"`
	Kind       NodeKind           `json:"kind"`
	GID        int64              `json:"gid"`
	ChannelNum string             `json:"channelNum,omitempty"`
	Drivers    map[Driver]float64 `json:"drivers"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// Clone returns a copy that does not share the drivers map.
func (n NodeInfo) Clone() NodeInfo {
	c := n
	c.Drivers = make(map[Driver]float64, len(n.Drivers))
	for k, v := range n.Drivers {
		c.Drivers[k] = v
	}
	return c
}
