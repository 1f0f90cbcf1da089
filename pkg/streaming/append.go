package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"adsb-streamer/pkg/models"
)

// BatchResult is the outcome of one successful append.
type BatchResult struct {
	// Offset the batch was assigned in the channel's append sequence.
	Offset   int64
	RowCount int
	Bytes    int
}

type appendResponse struct {
	NextContinuationToken string `json:"next_continuation_token"`
}

// Append sends one batch of rows as the next offset in the channel sequence.
//
// The candidate offset is always the last confirmed offset plus one; it is
// committed locally only after the server accepts the batch, so a failed
// append leaves the session unchanged and a retry reissues the identical
// offset, which the server deduplicates. An empty batch is a no-op with no
// network call.
//
// Appends must not be issued concurrently: the offset sequence is serial.
func (c *Client) Append(ctx context.Context, rows []models.Row) (BatchResult, error) {
	payload, err := encodeRows(rows)
	if err != nil {
		return BatchResult{}, err
	}
	return c.AppendPayload(ctx, payload, len(rows))
}

// EncodePayload returns the exact bytes Append would send for these rows.
// The spool stores this so a failed batch can be replayed byte-identically.
func EncodePayload(rows []models.Row) ([]byte, error) {
	return encodeRows(rows)
}

// AppendPayload sends an already encoded NDJSON payload as the next offset.
// Spool replay uses this directly, since replayed batches exist only as
// bytes. Sequencing and failure rules are those of Append.
func (c *Client) AppendPayload(ctx context.Context, payload []byte, rowCount int) (BatchResult, error) {
	if len(payload) == 0 {
		return BatchResult{Offset: c.channel.offsetToken}, nil
	}
	if c.channel.state != stateOpen {
		return BatchResult{}, ErrChannelNotOpen
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	candidateOffset := c.channel.offsetToken + 1
	params := url.Values{}
	params.Set("continuationToken", c.channel.continuationToken)
	params.Set("offsetToken", strconv.FormatInt(candidateOffset, 10))
	target := c.ingestURL("/v2/streaming/data/%s/channels/%s/rows", c.pipePath(), c.channel.name) +
		"?" + params.Encode()

	c.logger.Debug("Appending batch",
		"channel", c.channel.name,
		"rows", rowCount,
		"offset", candidateOffset)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return BatchResult{}, c.appendFailed(&AppendError{Kind: FailureTransient, Err: err})
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BatchResult{}, c.appendFailed(&AppendError{Kind: FailureTransient, Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BatchResult{}, c.appendFailed(&AppendError{Kind: FailureTransient, Err: err})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return BatchResult{}, c.appendFailed(&AppendError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        errorFromBody(body),
		})
	}

	var parsed appendResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.NextContinuationToken != "" {
		c.channel.continuationToken = parsed.NextContinuationToken
	} else {
		// A successful response without a fresh token is tolerated; the
		// previous token usually still works for the next call.
		c.logger.Warn("Append response carried no continuation token",
			"channel", c.channel.name, "offset", candidateOffset)
		c.stats.recordWarning()
	}

	c.channel.offsetToken = candidateOffset
	c.stats.recordBatch(rowCount, len(payload))
	if c.observer != nil {
		c.observer.BatchSent(rowCount, len(payload))
	}

	c.logger.Info("Batch appended",
		"channel", c.channel.name,
		"rows", rowCount,
		"bytes", len(payload),
		"offset", candidateOffset)

	return BatchResult{
		Offset:   candidateOffset,
		RowCount: rowCount,
		Bytes:    len(payload),
	}, nil
}

func (c *Client) appendFailed(appendErr *AppendError) error {
	c.stats.recordError()
	if c.observer != nil {
		c.observer.AppendFailed(appendErr.Kind)
	}
	return appendErr
}

func errorFromBody(body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "no response body"
	}
	return &responseError{msg: msg}
}

type responseError struct {
	msg string
}

func (e *responseError) Error() string {
	return e.msg
}
