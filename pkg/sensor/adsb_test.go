package sensor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const sampleAircraftJSON = `{
	"now": 1756130000.5,
	"messages": 123456,
	"aircraft": [
		{
			"hex": "a1b2c3",
			"flight": "UAL123  ",
			"r": "N12345",
			"t": "B738",
			"alt_baro": 35000,
			"alt_geom": 35500,
			"gs": 450.3,
			"track": 270.1,
			"baro_rate": -64,
			"lat": 37.6188,
			"lon": -122.3756,
			"squawk": "2200",
			"category": "A3",
			"rssi": -12.3,
			"messages": 4521,
			"seen": 0.2,
			"seen_pos": 1.1
		},
		{
			"hex": "d4e5f6",
			"alt_baro": "ground",
			"seen": 5.0
		}
	]
}`

func newTestSensor(t *testing.T, handler http.HandlerFunc) (*Sensor, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(server.URL+"/data/aircraft.json", "", logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, server
}

func TestReadMapsAircraftToRows(t *testing.T) {
	s, _ := newTestSensor(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sampleAircraftJSON)
	})

	rows, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Read() returned %d rows, want 2", len(rows))
	}

	first := rows[0]
	if got := first["icao_hex"]; got != "a1b2c3" {
		t.Errorf("icao_hex = %v, want a1b2c3", got)
	}
	if got := first["flight"]; got != "UAL123" {
		t.Errorf("flight = %v, want trimmed UAL123", got)
	}
	if got := first["altitude_baro"]; got != float64(35000) {
		t.Errorf("altitude_baro = %v, want 35000", got)
	}
	if got := first["ground_speed"]; got != 450.3 {
		t.Errorf("ground_speed = %v, want 450.3", got)
	}
	if got := first["total_messages"]; got != int64(123456) {
		t.Errorf("total_messages = %v, want 123456", got)
	}
	if got, ok := first["rowid"].(string); !ok || got == "" {
		t.Errorf("rowid = %v, want non-empty string", first["rowid"])
	}
	uuidField, _ := first["uuid"].(string)
	if !strings.HasPrefix(uuidField, "adsb_a1b2c3_") {
		t.Errorf("uuid = %q, want adsb_a1b2c3_ prefix", uuidField)
	}

	// Second aircraft has almost no fields; absent ones come through as nil
	// and odd-typed ones pass through untouched.
	second := rows[1]
	if got := second["flight"]; got != nil {
		t.Errorf("missing flight = %v, want nil", got)
	}
	if got := second["altitude_baro"]; got != "ground" {
		t.Errorf("altitude_baro = %v, want the receiver's literal \"ground\"", got)
	}
	if got := second["latitude"]; got != nil {
		t.Errorf("missing latitude = %v, want nil", got)
	}
}

func TestReadUsesCacheBuster(t *testing.T) {
	var gotQuery string
	s, _ := newTestSensor(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		io.WriteString(w, sampleAircraftJSON)
	})

	if _, err := s.Read(context.Background()); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !strings.Contains(gotQuery, "nocache=") {
		t.Errorf("query = %q, want a nocache parameter", gotQuery)
	}
}

func TestReadFallsBackToRecentSnapshot(t *testing.T) {
	fail := false
	s, _ := newTestSensor(t, func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, sampleAircraftJSON)
	})

	if _, err := s.Read(context.Background()); err != nil {
		t.Fatalf("priming Read() error = %v", err)
	}

	fail = true
	rows, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() with failing receiver error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("cached Read() returned %d rows, want 2", len(rows))
	}
}

func TestReadEmptyWhenNothingCached(t *testing.T) {
	s, _ := newTestSensor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rows, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Read() returned %d rows from a dead receiver, want 0", len(rows))
	}
}

func TestSummarize(t *testing.T) {
	s, _ := newTestSensor(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sampleAircraftJSON)
	})

	summary, err := s.Summarize(context.Background())
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary.TotalAircraft != 2 {
		t.Errorf("TotalAircraft = %d, want 2", summary.TotalAircraft)
	}
	if summary.WithPosition != 1 {
		t.Errorf("WithPosition = %d, want 1", summary.WithPosition)
	}
	if summary.WithAltitude != 1 {
		t.Errorf("WithAltitude = %d, want 1", summary.WithAltitude)
	}
	if summary.AvgAltitude != 35000 {
		t.Errorf("AvgAltitude = %f, want 35000", summary.AvgAltitude)
	}
	if summary.TotalMessages != 123456 {
		t.Errorf("TotalMessages = %d, want 123456", summary.TotalMessages)
	}
}
