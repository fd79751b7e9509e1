package types

import "time"

// AggregateChannel is the channel number the cloud uses for a device's own
// total usage, as opposed to per-circuit channels "1", "2", ...
const AggregateChannel = "1,2,3"

// Device is a monitor, smart outlet or EV charger registered to the account.
type Device struct {
	GID            int64  `json:"deviceGid"`
	ManufacturerID string `json:"manufacturerDeviceId"`
	Model          string `json:"model"`
	Firmware       string `json:"firmware"`

	ParentGID     int64  `json:"parentDeviceGid,omitempty"`
	ParentChannel string `json:"parentChannel,omitempty"`

	Channels []Channel `json:"channels"`
	Outlet   *Outlet   `json:"outlet,omitempty"`
	Charger  *Charger  `json:"evCharger,omitempty"`
	// Devices are sub-meters reported inline by the device listing.
	Devices []Device `json:"devices,omitempty"`

	// populated from the location properties lookup
	Name        string  `json:"deviceName,omitempty"`
	TimeZone    string  `json:"timeZone,omitempty"`
	ZipCode     string  `json:"zipCode,omitempty"`
	CentsPerKWH float64 `json:"usageCentPerKwHour,omitempty"`

	// populated from the status lookup
	Connected    bool       `json:"connected,omitempty"`
	OfflineSince *time.Time `json:"offlineSince,omitempty"`
}

// DisplayName returns the location name when known and falls back to the
// model and manufacturer id.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Model != "" && d.ManufacturerID != "" {
		return d.Model + " " + d.ManufacturerID
	}
	if d.Model != "" {
		return d.Model
	}
	return d.ManufacturerID
}

// HasChannel reports whether the device already carries channelNum.
func (d Device) HasChannel(channelNum string) bool {
	for _, c := range d.Channels {
		if c.ChannelNum == channelNum {
			return true
		}
	}
	return false
}

// Channel is a measured circuit on a device.
type Channel struct {
	DeviceGID  int64   `json:"deviceGid"`
	ChannelNum string  `json:"channelNum"`
	Name       string  `json:"name"`
	Multiplier float64 `json:"channelMultiplier"`
	TypeGID    int64   `json:"channelTypeGid,omitempty"`
}

// IsAggregate reports whether the channel is the device's own total.
func (c Channel) IsAggregate() bool {
	return c.ChannelNum == AggregateChannel
}

// DisplayName returns the cloud name or "channel_<num>" when it is empty.
func (c Channel) DisplayName() string {
	return ChannelName(c.Name, c.ChannelNum)
}

// ChannelName returns name, or "channel_<num>" when name is empty.
func ChannelName(name, channelNum string) string {
	if name != "" {
		return name
	}
	return "channel_" + channelNum
}

// LocationProperties is the extended device information returned by the
// per-device lookup.
type LocationProperties struct {
	DeviceGID             int64   `json:"deviceGid"`
	DeviceName            string  `json:"deviceName"`
	ZipCode               string  `json:"zipCode"`
	TimeZone              string  `json:"timeZone"`
	BillingCycleStartDay  int     `json:"billingCycleStartDay"`
	UsageCentPerKWHour    float64 `json:"usageCentPerKwHour"`
	PeakDemandDollarPerKW float64 `json:"peakDemandDollarPerKw"`
	Solar                 bool    `json:"solar"`
}

// Outlet is the smart plug capability of a device.
type Outlet struct {
	DeviceGID       int64  `json:"deviceGid"`
	On              bool   `json:"outletOn"`
	ParentDeviceGID int64  `json:"parentDeviceGid,omitempty"`
	ParentChannel   string `json:"parentChannel,omitempty"`
	Schedules       []any  `json:"schedules,omitempty"`
}

// Charger is the EV charger capability of a device. Rates are in amps.
type Charger struct {
	DeviceGID       int64  `json:"deviceGid"`
	LoadGID         int64  `json:"loadGid,omitempty"`
	On              bool   `json:"chargerOn"`
	ChargingRate    int    `json:"chargingRate"`
	MaxChargingRate int    `json:"maxChargingRate"`
	Message         string `json:"message,omitempty"`
	Status          string `json:"status,omitempty"`
	Icon            string `json:"icon,omitempty"`
	IconLabel       string `json:"iconLabel,omitempty"`
	IconDetailText  string `json:"iconDetailText,omitempty"`
	FaultText       string `json:"faultText,omitempty"`
}

// DeviceConnectivity reports whether a device is reachable by the cloud.
type DeviceConnectivity struct {
	DeviceGID    int64      `json:"deviceGid"`
	Connected    bool       `json:"connected"`
	OfflineSince *time.Time `json:"offlineSince"`
}

// DevicesStatus is the combined outlet, charger and connectivity listing.
type DevicesStatus struct {
	Outlets      []Outlet             `json:"outlets"`
	Chargers     []Charger            `json:"evChargers"`
	Connectivity []DeviceConnectivity `json:"devicesConnected"`
}

// Customer is the account profile the API keys most calls on.
type Customer struct {
	GID       int64     `json:"customerGid"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	CreatedAt time.Time `json:"createdAt"`
}
