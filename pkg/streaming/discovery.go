package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"adsb-streamer/pkg/fetch"
)

// DiscoverIngestHost resolves the control-plane host into the load-balanced
// ingest-plane host. The result is cached for the lifetime of the client.
// The endpoint answers with either JSON ({"hostname": ...} or
// {"ingest_host": ...}) or the bare hostname as text; both are accepted.
func (c *Client) DiscoverIngestHost(ctx context.Context) (string, error) {
	if c.ingestHost != "" {
		return c.ingestHost, nil
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	url := c.controlURL + "/v2/streaming/hostname"
	c.logger.Debug("Discovering ingest host", "url", url)

	resp, body, err := fetch.Get(ctx, c.httpClient, url, map[string]string{
		"Authorization": "Bearer " + token.Value,
		"Content-Type":  "application/json",
	})
	if err != nil {
		return "", &DiscoveryError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &DiscoveryError{Err: fmt.Errorf("status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	host := ""
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var parsed struct {
			Hostname   string `json:"hostname"`
			IngestHost string `json:"ingest_host"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", &DiscoveryError{Err: fmt.Errorf("unparseable JSON response: %w", err)}
		}
		host = parsed.Hostname
		if host == "" {
			host = parsed.IngestHost
		}
	} else {
		// No JSON content type: the body is the hostname itself.
		host = strings.TrimSpace(string(body))
	}

	if host == "" {
		return "", &DiscoveryError{Err: fmt.Errorf("empty hostname in response")}
	}

	c.ingestHost = host
	c.logger.Info("Ingest host discovered", "host", host)
	return host, nil
}
