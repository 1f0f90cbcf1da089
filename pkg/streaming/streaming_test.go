package streaming

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"adsb-streamer/pkg/auth"
)

// newTestClient wires a client to an httptest server that plays both the
// control plane and the ingest plane. Discovery answers with the server's own
// host:port as plain text, so every call lands back on the same handler.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/streaming/hostname" {
			io.WriteString(w, r.Host)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := auth.NewProvider(&auth.StaticSource{Token: "test-token"}, logger)

	client, err := NewClient(Config{
		Database:    "FLIGHTDB",
		Schema:      "PUBLIC",
		Pipe:        "ADSB_PIPE",
		ChannelBase: "TEST_CHNL",
		ControlURL:  server.URL,
	}, provider, logger)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, server
}
