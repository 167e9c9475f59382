package waltero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// authedClient returns a client pointed at srv that has already logged
// in with the canned test credentials.
func authedClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client := NewClient(srv.URL, nil)
	client.creds = &Credentials{AccessToken: "t", MachineID: "m"}
	return client
}

func TestAuthenticate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/login" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode login body: %v", err)
		}
		if body["username"] != "user" || body["password"] != "pass" {
			t.Errorf("unexpected login body: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"AccessToken":"t","MachineId":"m"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	if err := client.Authenticate(context.Background(), "user", "pass"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !client.Authenticated() {
		t.Error("expected client to be authenticated")
	}
	if client.creds.AccessToken != "t" || client.creds.MachineID != "m" {
		t.Errorf("unexpected credentials: %+v", client.creds)
	}
}

func TestAuthenticate_MissingFields(t *testing.T) {
	for name, body := range map[string]string{
		"no token":      `{"MachineId":"m"}`,
		"no machine id": `{"AccessToken":"t"}`,
		"empty object":  `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, body)
			}))
			defer srv.Close()

			client := NewClient(srv.URL, nil)
			if err := client.Authenticate(context.Background(), "user", "pass"); err == nil {
				t.Fatal("expected error for incomplete login response")
			}
			if client.Authenticated() {
				t.Error("credentials must not be stored on failed login")
			}
		})
	}
}

func TestAuthenticate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad credentials"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	if err := client.Authenticate(context.Background(), "user", "wrong"); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestResolveOrganization_FirstTrimmedMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/organizations" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "t" {
			t.Errorf("expected Authorization t, got %q", got)
		}
		if got := r.Header.Get("MachineId"); got != "m" {
			t.Errorf("expected MachineId m, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Results":[{"id":"other","name":"Someone Else"},{"id":"org1","name":" Gallarus "},{"id":"org2","name":"Gallarus"}]}`)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	id, err := client.ResolveOrganization(context.Background(), "Gallarus")
	if err != nil {
		t.Fatalf("ResolveOrganization: %v", err)
	}
	if id != "org1" {
		t.Errorf("expected first trimmed match org1, got %q", id)
	}
}

func TestResolveOrganization_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Results":[{"id":"other","name":"Someone Else"}]}`)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	_, err := client.ResolveOrganization(context.Background(), "Gallarus")
	if !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("expected ErrOrganizationNotFound, got %v", err)
	}
}

func TestResolveOrganization_NotAuthenticated(t *testing.T) {
	client := NewClient("http://unused.invalid", nil)
	if _, err := client.ResolveOrganization(context.Background(), "Gallarus"); err == nil {
		t.Fatal("expected error when not authenticated")
	}
}

func TestDiscoverDevices_FilterAndArea(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/organizations/org1/devices" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var pg pagination
		if err := json.Unmarshal([]byte(r.Header.Get("Pagination")), &pg); err != nil {
			t.Fatalf("decode Pagination header: %v", err)
		}
		if pg.PageSize != 2 || pg.OrderBy != "modifieddate" || pg.IsDescending {
			t.Errorf("unexpected pagination: %+v", pg)
		}
		if pg.WhereClauses == nil || pg.WhereORClauses == nil {
			t.Error("where clauses must serialize as empty lists, not null")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Results":[{"id":"d1","name":"Astellas Lab1","externalmeterid":"E1"},{"id":"d2","name":"OtherCo Lab2"}],"PageCount":1}`)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	devices, err := client.DiscoverDevices(context.Background(), "org1", DiscoverOptions{
		Marker:   "Astellas",
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	want := Device{ID: "d1", Area: "Lab1", ExternalID: "E1"}
	if devices[0] != want {
		t.Errorf("expected %+v, got %+v", want, devices[0])
	}
}

func TestDiscoverDevices_PagesUntilPageCount(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pg pagination
		if err := json.Unmarshal([]byte(r.Header.Get("Pagination")), &pg); err != nil {
			t.Fatalf("decode Pagination header: %v", err)
		}
		pages.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch pg.CurrentPage {
		case 1:
			fmt.Fprint(w, `{"Results":[{"id":"d1","name":"Astellas A"},{"id":"d2","name":"Astellas B"}],"PageCount":2}`)
		case 2:
			fmt.Fprint(w, `{"Results":[{"id":"d3","name":"Astellas C"}],"PageCount":2}`)
		default:
			t.Errorf("unexpected page request: %d", pg.CurrentPage)
		}
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	devices, err := client.DiscoverDevices(context.Background(), "org1", DiscoverOptions{
		Marker:   "Astellas",
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	if got := pages.Load(); got != 2 {
		t.Errorf("expected 2 page requests, got %d", got)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}
	// Catalog order follows pagination order.
	for i, want := range []string{"d1", "d2", "d3"} {
		if devices[i].ID != want {
			t.Errorf("device %d: expected %s, got %s", i, want, devices[i].ID)
		}
	}
}

func TestDiscoverDevices_StopsOnShortPageWithoutPageCount(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pg pagination
		json.Unmarshal([]byte(r.Header.Get("Pagination")), &pg)
		pages.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if pg.CurrentPage == 1 {
			fmt.Fprint(w, `{"Results":[{"id":"d1","name":"Astellas A"},{"id":"d2","name":"Astellas B"}]}`)
		} else {
			// Short page terminates pagination without a PageCount.
			fmt.Fprint(w, `{"Results":[{"id":"d3","name":"Astellas C"}]}`)
		}
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	devices, err := client.DiscoverDevices(context.Background(), "org1", DiscoverOptions{
		Marker:   "Astellas",
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	if got := pages.Load(); got != 2 {
		t.Errorf("expected 2 page requests, got %d", got)
	}
	if len(devices) != 3 {
		t.Errorf("expected 3 devices, got %d", len(devices))
	}
}

func TestDiscoverDevices_StopsOnEmptyPage(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Results":[]}`)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	devices, err := client.DiscoverDevices(context.Background(), "org1", DiscoverOptions{Marker: "Astellas"})
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	if got := pages.Load(); got != 1 {
		t.Errorf("expected 1 page request, got %d", got)
	}
	if len(devices) != 0 {
		t.Errorf("expected no devices, got %d", len(devices))
	}
}

func TestDiscoverDevices_MalformedResultsKeepsAccumulated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pg pagination
		json.Unmarshal([]byte(r.Header.Get("Pagination")), &pg)
		w.Header().Set("Content-Type", "application/json")
		if pg.CurrentPage == 1 {
			fmt.Fprint(w, `{"Results":[{"id":"d1","name":"Astellas A"},{"id":"d2","name":"Astellas B"}],"PageCount":3}`)
		} else {
			fmt.Fprint(w, `{"Results":"oops","PageCount":3}`)
		}
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	devices, err := client.DiscoverDevices(context.Background(), "org1", DiscoverOptions{
		Marker:   "Astellas",
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("expected the 2 devices from page 1, got %d", len(devices))
	}
}

func TestDiscoverDevices_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	if _, err := client.DiscoverDevices(context.Background(), "org1", DiscoverOptions{Marker: "Astellas"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestDeviceStatuses_Chunking(t *testing.T) {
	var bodies [][]map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/device-statuses" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body []map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode chunk body: %v", err)
		}
		bodies = append(bodies, body)

		resp := make([]map[string]any, 0, len(body))
		for _, entry := range body {
			resp = append(resp, map[string]any{"deviceid": entry["deviceid"]})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	ids := []string{"d1", "d2", "d3", "d4", "d5"}
	statuses, err := client.DeviceStatuses(context.Background(), ids, 2)
	if err != nil {
		t.Fatalf("DeviceStatuses: %v", err)
	}

	// ceil(5/2) = 3 requests, chunk order preserved.
	if len(bodies) != 3 {
		t.Fatalf("expected 3 chunk requests, got %d", len(bodies))
	}
	if len(bodies[0]) != 2 || len(bodies[2]) != 1 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d", len(bodies[0]), len(bodies[1]), len(bodies[2]))
	}
	if len(statuses) != 5 {
		t.Fatalf("expected 5 statuses, got %d", len(statuses))
	}
	for i, want := range ids {
		if statuses[i].DeviceID != want {
			t.Errorf("status %d: expected %s, got %s", i, want, statuses[i].DeviceID)
		}
	}
}

func TestDeviceStatuses_EnvelopeShapes(t *testing.T) {
	for name, body := range map[string]string{
		"bare list":   `[{"deviceid":"d1"}]`,
		"Results key": `{"Results":[{"deviceid":"d1"}]}`,
		"results key": `{"results":[{"deviceid":"d1"}]}`,
		"data key":    `{"data":[{"deviceid":"d1"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, body)
			}))
			defer srv.Close()

			client := authedClient(t, srv)
			statuses, err := client.DeviceStatuses(context.Background(), []string{"d1"}, 50)
			if err != nil {
				t.Fatalf("DeviceStatuses: %v", err)
			}
			if len(statuses) != 1 || statuses[0].DeviceID != "d1" {
				t.Errorf("expected one status for d1, got %+v", statuses)
			}
		})
	}
}

func TestDeviceStatuses_UnknownShapeIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"payload":{"nested":true}}`)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	statuses, err := client.DeviceStatuses(context.Background(), []string{"d1"}, 50)
	if err != nil {
		t.Fatalf("DeviceStatuses: %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses for unknown envelope, got %d", len(statuses))
	}
}

func TestDeviceStatuses_ChunkFailureAbortsFetch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"deviceid":"d1"}]`)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	statuses, err := client.DeviceStatuses(context.Background(), []string{"d1", "d2", "d3"}, 1)
	if err == nil {
		t.Fatal("expected error when a chunk fails")
	}
	if statuses != nil {
		t.Errorf("expected no partial results, got %d", len(statuses))
	}
}

func TestSensorReadings_WindowAndBody(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dataview" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body struct {
			IDs       []string `json:"ids"`
			Source    string   `json:"source"`
			Group     string   `json:"group"`
			StartDate string   `json:"startDate"`
			EndDate   string   `json:"endDate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode dataview body: %v", err)
		}
		if len(body.IDs) != 1 || body.IDs[0] != "d1" {
			t.Errorf("expected ids [d1], got %v", body.IDs)
		}
		if body.Source != "device" || body.Group != "a" {
			t.Errorf("unexpected source/group: %s/%s", body.Source, body.Group)
		}
		if body.EndDate != "2024-01-01T12:00:00Z" {
			t.Errorf("unexpected endDate: %s", body.EndDate)
		}
		if body.StartDate != "2024-01-01T11:59:00Z" {
			t.Errorf("unexpected startDate: %s", body.StartDate)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Data":[{"device_id":"d1","meter_value":42.5},{"device_id":"d1","meter_value":43.0}]}`)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	client.now = func() time.Time { return fixed }

	readings, err := client.SensorReadings(context.Background(), "d1", time.Minute)
	if err != nil {
		t.Fatalf("SensorReadings: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	if string(readings[0].MeterValue) != "42.5" {
		t.Errorf("expected raw meter_value 42.5, got %s", readings[0].MeterValue)
	}
}

func TestSensorReadings_UnknownShapeIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	readings, err := client.SensorReadings(context.Background(), "d1", time.Minute)
	if err != nil {
		t.Fatalf("SensorReadings: %v", err)
	}
	if len(readings) != 0 {
		t.Errorf("expected no readings for unknown envelope, got %d", len(readings))
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/organizations" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Results":[]}`)
	}))
	defer srv.Close()

	client := authedClient(t, srv)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
