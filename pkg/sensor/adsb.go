// Package sensor reads aircraft snapshots from a local ADS-B receiver
// (dump1090, readsb, or anything serving the aircraft.json format) and maps
// them into flat row records for streaming.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"adsb-streamer/pkg/fetch"
	"adsb-streamer/pkg/models"
)

const (
	fetchTimeout = 10 * time.Second
	// How long a previously fetched snapshot may stand in for a failed fetch.
	staleWindow = 30 * time.Second
)

// snapshot is the receiver's aircraft.json document. Aircraft entries stay
// loosely typed: the receiver omits fields freely and some (alt_baro) switch
// between number and string.
type snapshot struct {
	Now      float64          `json:"now"`
	Messages int64            `json:"messages"`
	Aircraft []map[string]any `json:"aircraft"`
}

// Sensor fetches and flattens aircraft data on demand.
type Sensor struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	hostname   string
	ipAddress  string
	macAddress string

	lastSnapshot  *snapshot
	lastFetchTime time.Time
}

// New builds a sensor for the given aircraft.json URL and verifies the
// receiver is reachable. An unreachable receiver is logged, not fatal: every
// read retries the fetch.
func New(url, transportConfig string, logger *slog.Logger) (*Sensor, error) {
	httpClient, err := fetch.NewHTTPClient(transportConfig, fetchTimeout)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	s := &Sensor{
		url:        url,
		httpClient: httpClient,
		logger:     logger,
		hostname:   hostname,
		ipAddress:  localIPAddress(),
		macAddress: localMACAddress(),
	}

	logger.Info("ADS-B sensor initialized",
		"url", url,
		"hostname", s.hostname,
		"ip", s.ipAddress)

	if snap, err := s.fetch(context.Background()); err != nil {
		logger.Warn("Cannot reach ADS-B receiver; will retry on each read",
			"url", url, "error", err)
	} else {
		logger.Info("Connected to ADS-B receiver", "tracking", len(snap.Aircraft))
	}

	return s, nil
}

// Read fetches the current snapshot and returns one row per visible aircraft.
// A fetch failure falls back to a recent cached snapshot; with nothing cached
// it returns no rows rather than an error, since aircraft naturally come and
// go.
func (s *Sensor) Read(ctx context.Context) ([]models.Row, error) {
	snap, err := s.fetch(ctx)
	if err != nil {
		if s.lastSnapshot != nil && time.Since(s.lastFetchTime) < staleWindow {
			s.logger.Warn("ADS-B fetch failed, using cached snapshot", "error", err)
			snap = s.lastSnapshot
		} else {
			s.logger.Warn("ADS-B fetch failed, no usable cache", "error", err)
			return nil, nil
		}
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	tsEpoch := now.Unix()

	rows := make([]models.Row, 0, len(snap.Aircraft))
	for _, ac := range snap.Aircraft {
		icao, _ := ac["hex"].(string)
		if icao == "" {
			icao = "unknown"
		}

		row := models.Row{
			"uuid":          fmt.Sprintf("adsb_%s_%d", icao, tsEpoch),
			"rowid":         fmt.Sprintf("%d_%s", tsEpoch, uuid.NewString()),
			"datetimestamp": timestamp,
			"ts":            tsEpoch,

			"icao_hex":      ac["hex"],
			"flight":        trimmedOrNil(ac["flight"]),
			"registration":  ac["r"],
			"aircraft_type": ac["t"],
			"description":   ac["desc"],

			"altitude_baro":      ac["alt_baro"],
			"altitude_geom":      ac["alt_geom"],
			"ground_speed":       ac["gs"],
			"track":              ac["track"],
			"true_heading":       ac["true_heading"],
			"mag_heading":        ac["mag_heading"],
			"indicated_airspeed": ac["ias"],
			"true_airspeed":      ac["tas"],
			"mach":               ac["mach"],
			"vertical_rate":      ac["baro_rate"],
			"vertical_rate_geom": ac["geom_rate"],

			"latitude":     ac["lat"],
			"longitude":    ac["lon"],
			"nav_altitude": ac["nav_altitude_mcp"],
			"nav_heading":  ac["nav_heading"],
			"nav_qnh":      ac["nav_qnh"],

			"squawk":    ac["squawk"],
			"category":  ac["category"],
			"emergency": ac["emergency"],

			"rssi":     ac["rssi"],
			"messages": ac["messages"],
			"seen":     ac["seen"],
			"seen_pos": ac["seen_pos"],

			"hostname":       s.hostname,
			"receiver_host":  s.hostname,
			"receiver_ip":    s.ipAddress,
			"receiver_mac":   s.macAddress,
			"receiver_time":  snap.Now,
			"total_messages": snap.Messages,
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// ReadBatch takes count snapshots spaced by interval and concatenates the
// rows. The receiver refreshes roughly every three seconds, so closer spacing
// mostly rereads the same aircraft states.
func (s *Sensor) ReadBatch(ctx context.Context, count int, interval time.Duration) ([]models.Row, error) {
	var all []models.Row
	for i := 0; i < count; i++ {
		rows, err := s.Read(ctx)
		if err != nil {
			return all, err
		}
		all = append(all, rows...)

		if i < count-1 {
			select {
			case <-ctx.Done():
				return all, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	s.logger.Debug("Read batch complete", "rows", len(all), "snapshots", count)
	return all, nil
}

// Summary aggregates the current snapshot for the snapshot command.
type Summary struct {
	TotalAircraft int     `json:"total_aircraft"`
	WithPosition  int     `json:"with_position"`
	WithAltitude  int     `json:"with_altitude"`
	AvgAltitude   float64 `json:"avg_altitude"`
	TotalMessages int64   `json:"total_messages"`
}

func (s *Sensor) Summarize(ctx context.Context) (Summary, error) {
	snap, err := s.fetch(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		TotalAircraft: len(snap.Aircraft),
		TotalMessages: snap.Messages,
	}
	var altitudeSum float64
	for _, ac := range snap.Aircraft {
		if ac["lat"] != nil && ac["lon"] != nil {
			summary.WithPosition++
		}
		if alt, ok := ac["alt_baro"].(float64); ok {
			summary.WithAltitude++
			altitudeSum += alt
		}
	}
	if summary.WithAltitude > 0 {
		summary.AvgAltitude = altitudeSum / float64(summary.WithAltitude)
	}
	return summary, nil
}

func (s *Sensor) fetch(ctx context.Context) (*snapshot, error) {
	resp, body, err := fetch.Get(ctx, s.httpClient, s.cacheBustedURL(), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}

	var snap snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("unparseable aircraft data: %w", err)
	}

	s.lastSnapshot = &snap
	s.lastFetchTime = time.Now()
	return &snap, nil
}

// cacheBustedURL appends a random nocache parameter; some receivers sit
// behind caching proxies that would otherwise serve the same snapshot.
func (s *Sensor) cacheBustedURL() string {
	separator := "?"
	if strings.Contains(s.url, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%snocache=%d_%d", s.url, separator,
		time.Now().UnixMilli(), rand.Intn(9000)+1000)
}

func trimmedOrNil(v any) any {
	str, ok := v.(string)
	if !ok {
		return nil
	}
	trimmed := strings.TrimSpace(str)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func localIPAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func localMACAddress() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return "00:00:00:00:00:00"
}
