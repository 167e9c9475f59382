// Package waltero is a client for the Waltero cloud metering API. It
// covers the small surface the bridge needs: login, organization lookup,
// paginated device discovery, bulk device statuses, and per-device
// sensor readings for a trailing time window.
package waltero

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gallarus-is/waltero-bridge/internal/config"
	"github.com/gallarus-is/waltero-bridge/internal/httpkit"
)

// Per-call timeouts, matching the upstream API's observed latency
// characteristics. Applied as context deadlines so the shared client
// carries no overall timeout.
const (
	loginTimeout    = 15 * time.Second
	orgsTimeout     = 15 * time.Second
	devicesTimeout  = 20 * time.Second
	statusesTimeout = 30 * time.Second
	dataviewTimeout = 20 * time.Second
)

// ErrOrganizationNotFound is returned by ResolveOrganization when no
// organization matches the requested name.
var ErrOrganizationNotFound = errors.New("organization not found")

// Client is a Waltero metering API client. Credentials are stored on
// the client by [Client.Authenticate]; the client is not safe for
// concurrent use while authenticating but the poll loop only ever
// drives one call at a time.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	creds      *Credentials

	// now is stubbed in tests to pin the dataview window.
	now func() time.Time
}

// NewClient creates a Waltero API client. The base URL should include
// the scheme and host (e.g., "https://emea.api.cloud.waltero.io").
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // per-call context deadlines instead
		),
		logger: logger,
		now:    time.Now,
	}
}

// Authenticate logs in with the given username and password and stores
// the returned credentials for all later calls. A 2xx response missing
// either AccessToken or MachineId is treated as a failed login.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	const path = "/users/login"

	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("marshal login body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("login: API status %d: %s", resp.StatusCode, errBody)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return fmt.Errorf("login: decode response: %w", err)
	}
	if creds.AccessToken == "" || creds.MachineID == "" {
		return fmt.Errorf("login: response missing AccessToken or MachineId")
	}

	c.creds = &creds
	c.logger.Info("login successful")
	return nil
}

// Authenticated reports whether credentials are stored.
func (c *Client) Authenticated() bool {
	return c.creds != nil
}

// setAuthHeaders adds the Authorization and MachineId headers. The API
// expects the bare token, not a Bearer scheme.
func (c *Client) setAuthHeaders(req *http.Request) error {
	if c.creds == nil {
		return fmt.Errorf("not authenticated")
	}
	req.Header.Set("Authorization", c.creds.AccessToken)
	req.Header.Set("MachineId", c.creds.MachineID)
	return nil
}

// ResolveOrganization fetches the organization list and returns the id
// of the first entry whose trimmed name equals the trimmed target name.
// Returns [ErrOrganizationNotFound] when nothing matches.
func (c *Client) ResolveOrganization(ctx context.Context, name string) (string, error) {
	const path = "/organizations"

	ctx, cancel := context.WithTimeout(ctx, orgsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if err := c.setAuthHeaders(req); err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("organizations: API status %d: %s", resp.StatusCode, errBody)
	}

	var envelope struct {
		Results []Organization `json:"Results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("organizations: decode response: %w", err)
	}

	target := trimmed(name)
	for _, org := range envelope.Results {
		if trimmed(org.Name) == target {
			c.logger.Info("organization resolved", "name", org.Name, "id", org.ID)
			return org.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrOrganizationNotFound, name)
}

// Ping checks that the API is reachable with the current credentials
// by requesting the organization list. Used by connwatch health probes.
func (c *Client) Ping(ctx context.Context) error {
	const path = "/organizations"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if err := c.setAuthHeaders(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: API status %d", resp.StatusCode)
	}
	return nil
}

// DiscoverOptions controls device discovery pagination and filtering.
type DiscoverOptions struct {
	// Marker is the substring a device name must contain. Required.
	Marker string
	// PageSize bounds each page request. Defaults to 50.
	PageSize int
	// OrderBy is the server-side ordering field. Defaults to "modifieddate".
	OrderBy string
	// Descending flips the ordering direction.
	Descending bool
}

// DiscoverDevices pages through the organization's device listing and
// returns the devices whose names contain opts.Marker, with area labels
// derived by stripping the marker. The returned slice fully replaces
// any previous catalog; order follows the API's pagination order.
//
// Paging stops when the server-reported PageCount is reached, when a
// page comes back smaller than the page size with no PageCount, or when
// a page is empty. A malformed Results payload stops paging with a
// warning and returns whatever accumulated so far.
func (c *Client) DiscoverDevices(ctx context.Context, orgID string, opts DiscoverOptions) ([]Device, error) {
	if orgID == "" {
		return nil, fmt.Errorf("discover devices: organization id is empty")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.OrderBy == "" {
		opts.OrderBy = "modifieddate"
	}

	path := fmt.Sprintf("/organizations/%s/devices", orgID)
	var devices []Device

	for page := 1; ; page++ {
		results, pageCount, err := c.devicesPage(ctx, path, page, opts)
		if err != nil {
			return nil, err
		}
		if results == nil {
			// Malformed Results: keep what we have.
			return devices, nil
		}
		if len(results) == 0 {
			break
		}

		for _, d := range results {
			name := trimmed(d.Name)
			if !containsMarker(name, opts.Marker) {
				continue
			}
			dev := Device{
				ID:         d.ID,
				Area:       DeriveArea(name, opts.Marker),
				ExternalID: trimmed(d.ExternalMeterID),
			}
			devices = append(devices, dev)
			c.logger.Debug("device matched",
				"id", dev.ID, "name", name, "area", dev.Area, "external_id", dev.ExternalID)
		}

		if pageCount != nil && page >= *pageCount {
			break
		}
		if pageCount == nil && len(results) < opts.PageSize {
			break
		}
	}

	c.logger.Info("device discovery complete", "matched", len(devices))
	return devices, nil
}

// devicesPage fetches a single page of the devices listing. A nil
// results slice with nil error signals a malformed Results payload; an
// empty non-nil slice is a genuinely empty page.
func (c *Client) devicesPage(ctx context.Context, path string, page int, opts DiscoverOptions) ([]deviceRecord, *int, error) {
	ctx, cancel := context.WithTimeout(ctx, devicesTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if err := c.setAuthHeaders(req); err != nil {
		return nil, nil, err
	}

	header, err := json.Marshal(pagination{
		CurrentPage:    page,
		PageCount:      1,
		PageSize:       opts.PageSize,
		RowCount:       0,
		OrderBy:        opts.OrderBy,
		IsDescending:   opts.Descending,
		WhereClauses:   []string{},
		WhereORClauses: []string{},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal pagination header: %w", err)
	}
	req.Header.Set("Pagination", string(header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request %s page %d: %w", path, page, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, nil, fmt.Errorf("devices page %d: API status %d: %s", page, resp.StatusCode, errBody)
	}

	var envelope struct {
		Results   json.RawMessage `json:"Results"`
		PageCount *int            `json:"PageCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, nil, fmt.Errorf("devices page %d: decode response: %w", page, err)
	}

	if len(envelope.Results) == 0 || string(envelope.Results) == "null" {
		return []deviceRecord{}, envelope.PageCount, nil
	}

	var results []deviceRecord
	if err := json.Unmarshal(envelope.Results, &results); err != nil {
		c.logger.Warn("unexpected devices response format, Results is not a list", "page", page)
		return nil, nil, nil
	}
	if results == nil {
		results = []deviceRecord{}
	}
	return results, envelope.PageCount, nil
}

// DeviceStatuses fetches the latest status for the given device ids in
// consecutive chunks of batchSize ids per POST, concatenating the chunk
// results in order. Any chunk failure fails the whole call; results
// from earlier chunks are discarded.
func (c *Client) DeviceStatuses(ctx context.Context, ids []string, batchSize int) ([]DeviceStatus, error) {
	const path = "/device-statuses"

	if batchSize <= 0 {
		batchSize = 50
	}

	var all []DeviceStatus
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))

		body := make([]map[string]string, 0, end-start)
		for _, id := range ids[start:end] {
			body = append(body, map[string]string{"deviceid": id})
		}

		raw, err := c.postJSON(ctx, path, body, statusesTimeout)
		if err != nil {
			return nil, fmt.Errorf("device statuses: %w", err)
		}

		list := unwrapList(raw, "Results", "results", "data")
		if list == nil {
			continue
		}
		var statuses []DeviceStatus
		if err := json.Unmarshal(list, &statuses); err != nil {
			c.logger.Warn("unexpected device statuses entry shape", "error", err)
			continue
		}
		all = append(all, statuses...)
	}

	return all, nil
}

// SensorReadings fetches a single device's readings for the trailing
// window ending at the current UTC time.
func (c *Client) SensorReadings(ctx context.Context, deviceID string, window time.Duration) ([]Reading, error) {
	const path = "/dataview"

	end := c.now().UTC()
	start := end.Add(-window)

	body := map[string]any{
		"ids":       []string{deviceID},
		"source":    "device",
		"group":     "a",
		"startDate": start.Format(timeLayout),
		"endDate":   end.Format(timeLayout),
	}

	raw, err := c.postJSON(ctx, path, body, dataviewTimeout)
	if err != nil {
		return nil, fmt.Errorf("sensor data for %s: %w", deviceID, err)
	}

	list := unwrapList(raw, "Results", "results", "data", "Data")
	if list == nil {
		return nil, nil
	}
	var readings []Reading
	if err := json.Unmarshal(list, &readings); err != nil {
		c.logger.Warn("unexpected sensor data entry shape", "device_id", deviceID, "error", err)
		return nil, nil
	}
	return readings, nil
}

// timeLayout is the API's timestamp format: second-resolution UTC
// ISO-8601 with a literal Z suffix.
const timeLayout = "2006-01-02T15:04:05Z"

// postJSON sends an authorized POST with a JSON body and returns the
// raw response body on a 2xx status.
func (c *Client) postJSON(ctx context.Context, path string, body any, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.setAuthHeaders(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("%s: API status %d: %s", path, resp.StatusCode, errBody)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", path, err)
	}

	c.logger.Log(ctx, config.LevelTrace, "api response", "path", path, "body", string(raw))
	return raw, nil
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}

func containsMarker(name, marker string) bool {
	return marker != "" && strings.Contains(name, marker)
}
