package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChannelStatus is the server's view of the channel's durability.
type ChannelStatus struct {
	CommittedOffset int64
	RowCount        int64
}

type bulkStatusResponse struct {
	ChannelStatuses map[string]struct {
		CommittedOffsetToken json.RawMessage `json:"committed_offset_token"`
		RowCount             int64           `json:"row_count"`
	} `json:"channel_statuses"`
}

// Status queries the bulk channel status endpoint for this client's channel.
// The channel only needs to exist server-side, so this works on a session
// whose process-local state is already closed.
func (c *Client) Status(ctx context.Context) (ChannelStatus, error) {
	if c.ingestHost == "" {
		return ChannelStatus{}, fmt.Errorf("ingest host not discovered")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return ChannelStatus{}, err
	}

	payload, err := json.Marshal(map[string][]string{
		"channel_names": {c.channel.name},
	})
	if err != nil {
		return ChannelStatus{}, err
	}

	target := c.ingestURL("/v2/streaming/%s:bulk-channel-status", c.pipePath())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return ChannelStatus{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChannelStatus{}, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChannelStatus{}, fmt.Errorf("read of status response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ChannelStatus{}, fmt.Errorf("status request returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed bulkStatusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ChannelStatus{}, fmt.Errorf("unparseable status response: %w", err)
	}

	entry, ok := parsed.ChannelStatuses[c.channel.name]
	if !ok {
		return ChannelStatus{}, fmt.Errorf("channel %s missing from status response", c.channel.name)
	}
	committed, err := parseOffsetToken(entry.CommittedOffsetToken)
	if err != nil {
		return ChannelStatus{}, fmt.Errorf("bad committed offset token: %w", err)
	}

	return ChannelStatus{
		CommittedOffset: committed,
		RowCount:        entry.RowCount,
	}, nil
}

// WaitForCommit polls channel status until the committed offset reaches
// target or the timeout elapses. Individual poll failures are logged and
// retried within the window. A false return means "not confirmed yet", not
// that the data is lost: a batch may still commit after the caller gives up.
func (c *Client) WaitForCommit(ctx context.Context, target int64, timeout, pollInterval time.Duration) bool {
	c.logger.Info("Waiting for commit", "channel", c.channel.name, "targetOffset", target)

	deadline := time.Now().Add(timeout)
	for {
		status, err := c.Status(ctx)
		if err != nil {
			c.logger.Warn("Status poll failed", "error", err)
		} else {
			if status.CommittedOffset >= target {
				c.logger.Info("Offset committed",
					"channel", c.channel.name,
					"committedOffset", status.CommittedOffset)
				if c.observer != nil {
					c.observer.OffsetCommitted(status.CommittedOffset)
				}
				return true
			}
			c.logger.Debug("Not yet committed",
				"committedOffset", status.CommittedOffset,
				"targetOffset", target)
		}

		if time.Now().Add(pollInterval).After(deadline) {
			c.logger.Warn("Timed out waiting for commit",
				"channel", c.channel.name, "targetOffset", target)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}
