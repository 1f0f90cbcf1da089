// Package fetch builds HTTP clients that egress through a configurable transport.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// NewHTTPClient returns an HTTP client whose connections are dialed through the
// given transport config string (see outline-sdk configurl). An empty config
// dials directly. The timeout applies to the whole request including body read.
func NewHTTPClient(transportConfig string, timeout time.Duration) (*http.Client, error) {
	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(transportConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}

	return &http.Client{
		Transport: &http.Transport{DialContext: dialContext},
		Timeout:   timeout,
	}, nil
}

// Get issues a GET and returns the response plus its fully read body.
func Get(ctx context.Context, client *http.Client, url string, headers map[string]string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read of response body failed: %w", err)
	}
	return resp, body, nil
}
