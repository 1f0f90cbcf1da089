// Package streaming implements the Snowpipe Streaming v2 channel client: it
// discovers an ingest host, opens a named append channel, sequences offset
// tokens, ships NDJSON row batches, and confirms commits.
package streaming

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"adsb-streamer/pkg/auth"
	"adsb-streamer/pkg/fetch"
)

// requestTimeout bounds every round-trip the client makes.
const requestTimeout = 30 * time.Second

// Config identifies the append target. All fields except Transport and
// ControlURL are required.
type Config struct {
	Account     string
	Database    string
	Schema      string
	Pipe        string
	ChannelBase string
	// ChannelName pins the exact channel name, bypassing the per-process
	// unique suffix. Used to inspect a channel from an earlier run.
	ChannelName string
	// Transport is an outline-sdk config string for egress; empty dials directly.
	Transport string
	// ControlURL overrides the control-plane base URL. Empty derives
	// https://{account}.snowflakecomputing.com.
	ControlURL string
}

type channelState int

const (
	stateUnopened channelState = iota
	stateOpen
	stateClosed
)

func (s channelState) String() string {
	switch s {
	case stateUnopened:
		return "unopened"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// channel is the client's view of the server-side append target. Tokens move
// only on successful open/append responses.
type channel struct {
	name              string
	state             channelState
	continuationToken string
	offsetToken       int64
}

// Client drives one streaming channel. It expects a single caller issuing one
// append at a time: offset sequencing is strictly serial.
type Client struct {
	config     Config
	tokens     *auth.Provider
	httpClient *http.Client
	logger     *slog.Logger

	runID      string
	controlURL string
	// scheme used for ingest-plane URLs; follows the control URL so tests can
	// run over plain HTTP.
	ingestScheme string
	ingestHost   string

	channel  channel
	stats    *Stats
	observer Observer
}

// Option customizes a Client.
type Option func(*Client)

// WithObserver attaches an ingestion event observer.
func WithObserver(observer Observer) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

// NewClient builds a client with a fresh, uniquely named channel. The name is
// the configured base plus the construction timestamp: reusing a prior
// process's channel would present its stale continuation token and be
// rejected, so every process starts a channel of its own.
func NewClient(config Config, tokens *auth.Provider, logger *slog.Logger, opts ...Option) (*Client, error) {
	if config.Account == "" && config.ControlURL == "" {
		return nil, fmt.Errorf("streaming config requires an account")
	}
	if config.Database == "" || config.Schema == "" || config.Pipe == "" {
		return nil, fmt.Errorf("streaming config requires database, schema, and pipe")
	}

	httpClient, err := fetch.NewHTTPClient(config.Transport, requestTimeout)
	if err != nil {
		return nil, err
	}

	channelName := config.ChannelName
	if channelName == "" {
		base := config.ChannelBase
		if base == "" {
			base = "ADSB_CHNL"
		}
		channelName = base + "_" + time.Now().Format("20060102_150405")
	}

	controlURL := config.ControlURL
	if controlURL == "" {
		controlURL = fmt.Sprintf("https://%s.snowflakecomputing.com",
			strings.ToLower(config.Account))
	}
	ingestScheme := "https"
	if strings.HasPrefix(controlURL, "http://") {
		ingestScheme = "http"
	}

	c := &Client{
		config:       config,
		tokens:       tokens,
		httpClient:   httpClient,
		logger:       logger,
		runID:        uuid.NewString(),
		controlURL:   strings.TrimSuffix(controlURL, "/"),
		ingestScheme: ingestScheme,
		channel: channel{
			name:  channelName,
			state: stateUnopened,
		},
		stats: newStats(),
	}
	for _, opt := range opts {
		opt(c)
	}

	logger.Info("Streaming client initialized",
		"database", config.Database,
		"schema", config.Schema,
		"pipe", config.Pipe,
		"channel", c.channel.name,
		"runID", c.runID)

	return c, nil
}

// ChannelName returns the unique channel name for this client instance.
func (c *Client) ChannelName() string {
	return c.channel.name
}

// Offset returns the last successfully appended offset token.
func (c *Client) Offset() int64 {
	return c.channel.offsetToken
}

// RunID identifies this client instance in logs and spool records.
func (c *Client) RunID() string {
	return c.runID
}

// Stats returns the client's counters.
func (c *Client) Stats() *Stats {
	return c.stats
}

// Close marks the in-memory session unusable. The wire protocol has no close
// call; the server reclaims the channel after its inactivity window.
func (c *Client) Close() {
	if c.channel.state == stateOpen {
		c.logger.Info("Closing channel locally; server reclaims it after inactivity",
			"channel", c.channel.name)
	}
	c.channel.state = stateClosed
}

// pipePath is the resource path shared by the open, append, and status
// endpoints.
func (c *Client) pipePath() string {
	return fmt.Sprintf("databases/%s/schemas/%s/pipes/%s",
		c.config.Database, c.config.Schema, c.config.Pipe)
}

func (c *Client) ingestURL(format string, args ...any) string {
	return fmt.Sprintf("%s://%s", c.ingestScheme, c.ingestHost) + fmt.Sprintf(format, args...)
}

// parseOffsetToken accepts the offset forms the platform emits: a JSON
// number, a numeric string, or null/absent for a channel with no history.
func parseOffsetToken(raw json.RawMessage) (int64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		if s == "" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}
