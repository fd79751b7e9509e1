// Package emporia is the client for the energy monitoring cloud API.
package emporia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jameshartig/emporiasync/pkg/auth"
	"github.com/jameshartig/emporiasync/pkg/common"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const (
	DefaultBaseURL        = "https://api.emporiaenergy.com"
	DefaultMaintenanceURL = "https://s3.amazonaws.com/com.emporiaenergy.manual.ota/maintenance/maintenance.json"
)

// Sessions is the part of the session manager the client needs.
type Sessions interface {
	Login(ctx context.Context, creds auth.Credentials) (auth.Session, error)
	IDToken(ctx context.Context) (string, error)
	SetCustomer(c types.Customer) error
}

// Client calls the cloud API on behalf of the logged in account. Every
// authenticated call renews the id token first when it is close to expiry.
type Client struct {
	client         *http.Client
	baseURL        string
	maintenanceURL string
	sessions       Sessions
}

// New returns a client with the default endpoints and timeouts.
func New(sessions Sessions) *Client {
	return &Client{
		client:         common.HTTPClient(common.DefaultConnectTimeout, common.DefaultReadTimeout),
		baseURL:        DefaultBaseURL,
		maintenanceURL: DefaultMaintenanceURL,
		sessions:       sessions,
	}
}

// Configured sets up the client based on flags.
func Configured(sessions Sessions) *Client {
	baseURL := lflag.String("emporia-api-url", DefaultBaseURL, "Base URL of the cloud API")
	maintenanceURL := lflag.String("emporia-maintenance-url", DefaultMaintenanceURL, "URL of the maintenance advisory document")
	connectTimeout := lflag.Duration("emporia-connect-timeout", common.DefaultConnectTimeout, "Timeout for connecting to the cloud API")
	readTimeout := lflag.Duration("emporia-read-timeout", common.DefaultReadTimeout, "Timeout for reading a cloud API response")

	c := New(sessions)

	lflag.Do(func() {
		c.baseURL = *baseURL
		c.maintenanceURL = *maintenanceURL
		c.client = common.HTTPClient(*connectTimeout, *readTimeout)
	})

	return c
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, rawQuery string, body interface{}) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = rawQuery

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends an authenticated request and decodes a JSON response into dest.
// An empty response body leaves dest untouched.
func (c *Client) do(req *http.Request, dest interface{}) error {
	ctx := req.Context()
	token, err := c.sessions.IDToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("authtoken", token)
	return c.send(req, dest)
}

func (c *Client) send(req *http.Request, dest interface{}) error {
	ctx := req.Context()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Ctx(ctx).WarnContext(
			ctx,
			"cloud api error",
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
		)
		return &HTTPError{
			Status:   resp.StatusCode,
			Endpoint: req.Method + " " + req.URL.Path,
			Body:     strings.TrimSpace(string(body)),
		}
	}

	if dest == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode cloud response", slog.Any("error", err), slog.String("body", string(body)))
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint, rawQuery string, dest interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, rawQuery, nil)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) put(ctx context.Context, endpoint string, body, dest interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPut, endpoint, "", body)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

// Login authenticates and fetches the customer profile of the account.
func (c *Client) Login(ctx context.Context, creds auth.Credentials) (types.Customer, error) {
	s, err := c.sessions.Login(ctx, creds)
	if err != nil {
		return types.Customer{}, err
	}
	customer, err := c.Customer(ctx, s.Email)
	if err != nil {
		return types.Customer{}, fmt.Errorf("failed to get customer details: %w", err)
	}
	if err := c.sessions.SetCustomer(customer); err != nil {
		return types.Customer{}, err
	}
	return customer, nil
}

// Customer returns the profile of the account with email.
func (c *Client) Customer(ctx context.Context, email string) (types.Customer, error) {
	var customer types.Customer
	err := c.get(ctx, "customers", "email="+url.QueryEscape(email), &customer)
	return customer, err
}

// Devices lists the account's devices. Sub-devices reported inline are
// returned after their parent with ParentGID set; deeper levels stay on
// Device.Devices.
func (c *Client) Devices(ctx context.Context) ([]types.Device, error) {
	var resp struct {
		Devices []types.Device `json:"devices"`
	}
	if err := c.get(ctx, "customers/devices", "", &resp); err != nil {
		return nil, err
	}

	var devices []types.Device
	for _, d := range resp.Devices {
		subs := d.Devices
		d.Devices = nil
		devices = append(devices, d)
		for _, sub := range subs {
			if sub.ParentGID == 0 {
				sub.ParentGID = d.GID
			}
			devices = append(devices, sub)
		}
	}
	return devices, nil
}

// PopulateDeviceProperties fills the location properties of d.
func (c *Client) PopulateDeviceProperties(ctx context.Context, d *types.Device) error {
	var props types.LocationProperties
	if err := c.get(ctx, "devices/"+strconv.FormatInt(d.GID, 10)+"/locationProperties", "", &props); err != nil {
		return err
	}
	d.Name = props.DeviceName
	d.TimeZone = props.TimeZone
	d.ZipCode = props.ZipCode
	d.CentsPerKWH = props.UsageCentPerKWHour
	return nil
}

func appQuery(method string, params [][2]string) string {
	var sb strings.Builder
	sb.WriteString("apiMethod=")
	sb.WriteString(method)
	for _, p := range params {
		sb.WriteByte('&')
		sb.WriteString(p[0])
		sb.WriteByte('=')
		sb.WriteString(p[1])
	}
	return sb.String()
}

type wireChannelUsage struct {
	Name          string            `json:"name"`
	Usage         *float64          `json:"usage"`
	DeviceGID     int64             `json:"deviceGid"`
	ChannelNum    string            `json:"channelNum"`
	Percentage    float64           `json:"percentage"`
	NestedDevices []wireUsageDevice `json:"nestedDevices"`
}

type wireUsageDevice struct {
	DeviceGID     int64              `json:"deviceGid"`
	ChannelUsages []wireChannelUsage `json:"channelUsages"`
}

func (w wireUsageDevice) usage(instant time.Time) types.UsageDevice {
	d := types.UsageDevice{
		GID:      w.DeviceGID,
		Instant:  instant,
		Channels: make(map[string]types.ChannelUsage, len(w.ChannelUsages)),
	}
	for _, wc := range w.ChannelUsages {
		cu := types.ChannelUsage{
			DeviceGID:  wc.DeviceGID,
			ChannelNum: wc.ChannelNum,
			Name:       wc.Name,
			Usage:      wc.Usage,
			Percentage: wc.Percentage,
			Instant:    instant,
		}
		if len(wc.NestedDevices) > 0 {
			cu.NestedDevices = make(map[int64]types.UsageDevice, len(wc.NestedDevices))
			for _, nd := range wc.NestedDevices {
				cu.NestedDevices[nd.DeviceGID] = nd.usage(instant)
			}
		}
		d.Channels[wc.ChannelNum] = cu
	}
	return d
}

// DeviceListUsage returns the usage of every channel of gids over the scale
// interval ending at instant, keyed by device gid. A zero instant means now.
func (c *Client) DeviceListUsage(ctx context.Context, gids []int64, instant time.Time, scale types.Scale, unit types.Unit) (map[int64]types.UsageDevice, error) {
	if instant.IsZero() {
		instant = time.Now()
	}
	ids := make([]string, len(gids))
	for i, g := range gids {
		ids[i] = strconv.FormatInt(g, 10)
	}
	q := appQuery("getDeviceListUsages", [][2]string{
		{"deviceGids", strings.Join(ids, "+")},
		{"instant", url.QueryEscape(FormatTime(instant))},
		{"scale", url.QueryEscape(string(scale))},
		{"energyUnit", url.QueryEscape(string(unit))},
	})

	var resp struct {
		DeviceListUsages *struct {
			Instant string            `json:"instant"`
			Devices []wireUsageDevice `json:"devices"`
		} `json:"deviceListUsages"`
	}
	if err := c.get(ctx, "AppAPI", q, &resp); err != nil {
		return nil, err
	}

	devices := make(map[int64]types.UsageDevice)
	if resp.DeviceListUsages == nil {
		return devices, nil
	}
	ts, err := parseTime(resp.DeviceListUsages.Instant)
	if err != nil {
		return nil, err
	}
	for _, d := range resp.DeviceListUsages.Devices {
		devices[d.DeviceGID] = d.usage(ts)
	}
	return devices, nil
}

// ChartUsage returns the readings of one channel between start and end. The
// grid import/export channels carry no chart data and return empty without a
// request.
func (c *Client) ChartUsage(ctx context.Context, ch types.Channel, start, end time.Time, scale types.Scale, unit types.Unit) (types.ChartUsage, error) {
	if ch.ChannelNum == "MainsFromGrid" || ch.ChannelNum == "MainsToGrid" {
		return types.ChartUsage{FirstInstant: start}, nil
	}
	now := time.Now()
	if start.IsZero() {
		start = now
	}
	if end.IsZero() {
		end = now
	}
	q := appQuery("getChartUsage", [][2]string{
		{"deviceGid", strconv.FormatInt(ch.DeviceGID, 10)},
		{"channel", url.QueryEscape(ch.ChannelNum)},
		{"start", url.QueryEscape(FormatTime(start))},
		{"end", url.QueryEscape(FormatTime(end))},
		{"scale", url.QueryEscape(string(scale))},
		{"energyUnit", url.QueryEscape(string(unit))},
	})

	var resp struct {
		FirstUsageInstant string     `json:"firstUsageInstant"`
		UsageList         []*float64 `json:"usageList"`
	}
	if err := c.get(ctx, "AppAPI", q, &resp); err != nil {
		return types.ChartUsage{}, err
	}
	out := types.ChartUsage{FirstInstant: start, Usage: resp.UsageList}
	if resp.FirstUsageInstant != "" {
		ts, err := parseTime(resp.FirstUsageInstant)
		if err != nil {
			return types.ChartUsage{}, err
		}
		out.FirstInstant = ts
	}
	return out, nil
}

// DevicesStatus returns the outlet, charger and connectivity listing.
func (c *Client) DevicesStatus(ctx context.Context) (types.DevicesStatus, error) {
	var status types.DevicesStatus
	err := c.get(ctx, "customers/devices/status", "", &status)
	return status, err
}

// Outlets lists the account's smart outlets.
func (c *Client) Outlets(ctx context.Context) ([]types.Outlet, error) {
	var resp struct {
		Outlets []types.Outlet `json:"outlets"`
	}
	err := c.get(ctx, "customers/outlets", "", &resp)
	return resp.Outlets, err
}

// UpdateOutlet writes the outlet state and returns what the cloud applied.
func (c *Client) UpdateOutlet(ctx context.Context, o types.Outlet) (types.Outlet, error) {
	out := o
	if err := c.put(ctx, "devices/outlet", o, &out); err != nil {
		return types.Outlet{}, err
	}
	return out, nil
}

// Chargers lists the account's EV chargers.
func (c *Client) Chargers(ctx context.Context) ([]types.Charger, error) {
	var resp struct {
		Chargers []types.Charger `json:"evChargers"`
	}
	err := c.get(ctx, "customers/evchargers", "", &resp)
	return resp.Chargers, err
}

// UpdateCharger writes the charger state and rate and returns what the cloud
// applied.
func (c *Client) UpdateCharger(ctx context.Context, ch types.Charger) (types.Charger, error) {
	out := ch
	if err := c.put(ctx, "devices/evcharger", ch, &out); err != nil {
		return types.Charger{}, err
	}
	return out, nil
}

// DownForMaintenance returns the advisory message when the service reports
// downtime and an empty string otherwise. It does not need a session.
func (c *Client) DownForMaintenance(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.maintenanceURL, nil)
	if err != nil {
		return "", err
	}
	var doc struct {
		Msg string `json:"msg"`
	}
	if err := c.send(req, &doc); err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.Status == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	return doc.Msg, nil
}
