package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestOpenInitializesOffsetFromServerState(t *testing.T) {
	tests := []struct {
		name       string
		lastOffset string // JSON fragment for last_committed_offset_token
		wantOffset int64
	}{
		{name: "null offset starts at zero", lastOffset: "null", wantOffset: 0},
		{name: "numeric offset adopted", lastOffset: "17", wantOffset: 17},
		{name: "string offset adopted", lastOffset: `"42"`, wantOffset: 42},
		{name: "empty string treated as no history", lastOffset: `""`, wantOffset: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPut {
					t.Errorf("open used method %s, want PUT", r.Method)
				}
				fmt.Fprintf(w, `{
					"next_continuation_token": "ct-1",
					"channel_status": {"last_committed_offset_token": %s}
				}`, tt.lastOffset)
			})

			if err := client.Open(context.Background()); err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if got := client.Offset(); got != tt.wantOffset {
				t.Errorf("Offset() after open = %d, want %d", got, tt.wantOffset)
			}
		})
	}
}

func TestOpenRequestShape(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		io.WriteString(w, `{"next_continuation_token":"ct-1","channel_status":{}}`)
	})

	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	wantPath := "/v2/streaming/databases/FLIGHTDB/schemas/PUBLIC/pipes/ADSB_PIPE/channels/" +
		client.ChannelName()
	if gotPath != wantPath {
		t.Errorf("path = %s, want %s", gotPath, wantPath)
	}
	if gotBody != "{}" {
		t.Errorf("body = %q, want empty JSON object", gotBody)
	}
}

func TestOpenFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "forbidden", status: http.StatusForbidden, body: `{"message":"no grants"}`},
		{name: "server error", status: http.StatusInternalServerError, body: "oops"},
		{name: "unparseable body", status: http.StatusOK, body: "not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			err := client.Open(context.Background())
			if err == nil {
				t.Fatal("Open() succeeded, want error")
			}
			var openErr *ChannelOpenError
			if !errors.As(err, &openErr) {
				t.Errorf("error type = %T, want *ChannelOpenError", err)
			}
		})
	}
}

func TestOpenRejectsWrongState(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"next_continuation_token":"ct-1","channel_status":{}}`)
	})

	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	if err := client.Open(context.Background()); err == nil {
		t.Error("second Open() succeeded, want state error")
	}

	client.Close()
	if err := client.Open(context.Background()); err == nil {
		t.Error("Open() after Close() succeeded, want state error")
	}
}

func TestOpenWithoutContinuationTokenWarns(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"channel_status":{"last_committed_offset_token":3}}`)
	})

	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := client.Stats().Snapshot().Warnings; got != 1 {
		t.Errorf("warnings = %d, want 1", got)
	}
	if got := client.Offset(); got != 3 {
		t.Errorf("Offset() = %d, want 3", got)
	}
}

func TestUniqueChannelNames(t *testing.T) {
	clientA, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if !strings.HasPrefix(clientA.ChannelName(), "TEST_CHNL_") {
		t.Errorf("ChannelName() = %q, want TEST_CHNL_ prefix", clientA.ChannelName())
	}
}
