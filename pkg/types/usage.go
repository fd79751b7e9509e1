package types

import (
	"fmt"
	"math"
	"time"
)

// Scale is the time resolution of a usage query.
type Scale string

const (
	ScaleSecond        Scale = "1S"
	ScaleMinute        Scale = "1MIN"
	ScaleFifteenMinute Scale = "15MIN"
	ScaleHour          Scale = "1H"
	ScaleDay           Scale = "1D"
	ScaleWeek          Scale = "1W"
	ScaleMonth         Scale = "1MON"
	ScaleYear          Scale = "1Y"
)

// PollScales are the scales the pollers write onto nodes.
var PollScales = []Scale{ScaleSecond, ScaleMinute, ScaleHour, ScaleDay, ScaleMonth}

// ParseScale parses one of the scale values accepted by the usage endpoints.
func ParseScale(s string) (Scale, error) {
	switch sc := Scale(s); sc {
	case ScaleSecond, ScaleMinute, ScaleFifteenMinute, ScaleHour, ScaleDay, ScaleWeek, ScaleMonth, ScaleYear:
		return sc, nil
	}
	return "", fmt.Errorf("unknown scale: %q", s)
}

// Multiplier is the factor applied to a raw reading at this scale. Second and
// minute readings are energy over the interval and are turned into an
// instantaneous power value; coarser scales are used as-is.
func (s Scale) Multiplier() float64 {
	switch s {
	case ScaleSecond:
		return 3600
	case ScaleMinute:
		return 60
	default:
		return 1
	}
}

// Convert turns a raw reading into the displayed value, rounded to 4 places.
func (s Scale) Convert(raw float64) float64 {
	return Round4(raw * s.Multiplier())
}

// Driver returns the node driver written for this scale.
func (s Scale) Driver() (Driver, bool) {
	switch s {
	case ScaleSecond:
		return DriverPower, true
	case ScaleMinute:
		return DriverMinute, true
	case ScaleHour:
		return DriverHour, true
	case ScaleDay:
		return DriverDay, true
	case ScaleMonth:
		return DriverMonth, true
	}
	return "", false
}

// Round4 rounds half away from zero to 4 decimal places.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Unit is the energy unit requested from the usage endpoints.
type Unit string

const (
	UnitKWH       Unit = "KilowattHours"
	UnitDollars   Unit = "Dollars"
	UnitAmpHours  Unit = "AmpHours"
	UnitTrees     Unit = "Trees"
	UnitGallonGas Unit = "GallonsOfGas"
	UnitMilesCar  Unit = "MilesDriven"
	UnitCarbon    Unit = "Carbon"
)

// UsageDevice is the usage of one device at one instant, keyed by channel
// number.
type UsageDevice struct {
	GID      int64                   `json:"deviceGid"`
	Instant  time.Time               `json:"instant"`
	Channels map[string]ChannelUsage `json:"channels"`
}

// ChannelUsage is a single channel reading. Usage is nil when the cloud has
// no data for the interval.
type ChannelUsage struct {
	DeviceGID     int64                 `json:"deviceGid"`
	ChannelNum    string                `json:"channelNum"`
	Name          string                `json:"name"`
	Usage         *float64              `json:"usage"`
	Percentage    float64               `json:"percentage"`
	Instant       time.Time             `json:"instant"`
	NestedDevices map[int64]UsageDevice `json:"nestedDevices,omitempty"`
}

// ChartUsage is a range of readings for a single channel.
type ChartUsage struct {
	FirstInstant time.Time  `json:"firstUsageInstant"`
	Usage        []*float64 `json:"usageList"`
}
