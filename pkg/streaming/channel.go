package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type openResponse struct {
	NextContinuationToken string `json:"next_continuation_token"`
	ChannelStatus         struct {
		LastCommittedOffsetToken json.RawMessage `json:"last_committed_offset_token"`
	} `json:"channel_status"`
}

// Open performs the channel-open handshake: a PUT with an empty JSON body to
// the named channel resource (create-or-attach semantics). On success the
// session records the returned continuation token and starts its offset
// sequence at the server-reported last committed offset, or 0 for a channel
// with no history. Open does not retry; initialization retries belong to the
// caller.
func (c *Client) Open(ctx context.Context) error {
	if c.channel.state != stateUnopened {
		return fmt.Errorf("cannot open channel in state %s", c.channel.state)
	}

	if _, err := c.DiscoverIngestHost(ctx); err != nil {
		return err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	url := c.ingestURL("/v2/streaming/%s/channels/%s", c.pipePath(), c.channel.name)
	c.logger.Info("Opening channel", "channel", c.channel.name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url,
		bytes.NewReader([]byte("{}")))
	if err != nil {
		return &ChannelOpenError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ChannelOpenError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ChannelOpenError{Err: fmt.Errorf("read of response failed: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ChannelOpenError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}

	var parsed openResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &ChannelOpenError{Err: fmt.Errorf("unparseable response body: %w", err)}
	}

	offset, err := parseOffsetToken(parsed.ChannelStatus.LastCommittedOffsetToken)
	if err != nil {
		return &ChannelOpenError{Err: fmt.Errorf("bad last committed offset token: %w", err)}
	}

	if parsed.NextContinuationToken == "" {
		// Tolerated on open, but appends will likely be rejected until the
		// server issues one.
		c.logger.Warn("Open response carried no continuation token", "channel", c.channel.name)
		c.stats.recordWarning()
	}

	c.channel.continuationToken = parsed.NextContinuationToken
	c.channel.offsetToken = offset
	c.channel.state = stateOpen

	c.logger.Info("Channel opened",
		"channel", c.channel.name,
		"initialOffset", offset)
	return nil
}
