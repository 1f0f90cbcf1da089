// Package netcheck runs pre-flight TCP reachability probes through the same
// configurable transport the streaming client egresses over.
package netcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Report is the outcome of one probe.
type Report struct {
	Address    string    `json:"address"`
	Time       time.Time `json:"time"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func (r Report) IsSuccess() bool {
	return r.Error == ""
}

// CheckTCP dials address (host:port) through the given transport config and
// reports how it went. A probe failure is data, not an error; the error
// return covers only a malformed transport config.
func CheckTCP(ctx context.Context, transportConfig, address string, timeout time.Duration) (Report, error) {
	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(transportConfig)
	if err != nil {
		return Report{}, fmt.Errorf("could not create dialer: %w", err)
	}

	report := Report{
		Address: address,
		Time:    time.Now(),
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, dialErr := dialer.DialStream(dialCtx, address)
	report.DurationMs = time.Since(start).Milliseconds()
	if dialErr != nil {
		report.Error = dialErr.Error()
		return report, nil
	}
	conn.Close()
	return report, nil
}
