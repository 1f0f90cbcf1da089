package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeSource struct {
	calls int
	token ScopedToken
	err   error
}

func (f *fakeSource) ScopedToken(ctx context.Context) (ScopedToken, error) {
	f.calls++
	return f.token, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProviderRefreshMargin(t *testing.T) {
	base := time.Now()
	source := &fakeSource{token: ScopedToken{Value: "tok-1", ExpiresAt: base.Add(3000 * time.Second)}}
	provider := NewProvider(source, discardLogger())

	tests := []struct {
		name        string
		at          time.Duration
		wantRefresh bool
	}{
		{name: "first call always fetches", at: 0, wantRefresh: true},
		{name: "well inside validity reuses cache", at: 1000 * time.Second, wantRefresh: false},
		{name: "just inside margin boundary reuses cache", at: 2399 * time.Second, wantRefresh: false},
		{name: "inside margin refreshes", at: 2500 * time.Second, wantRefresh: true},
		{name: "past expiry refreshes", at: 3100 * time.Second, wantRefresh: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callsBefore := source.calls
			provider.now = func() time.Time { return base.Add(tt.at) }

			token, err := provider.Token(context.Background())
			if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			if token.Value != "tok-1" {
				t.Errorf("Token() = %q, want tok-1", token.Value)
			}
			refreshed := source.calls > callsBefore
			if refreshed != tt.wantRefresh {
				t.Errorf("refreshed = %v, want %v", refreshed, tt.wantRefresh)
			}
			// Later subtests assume the cached token's original expiry.
			source.token = ScopedToken{Value: "tok-1", ExpiresAt: base.Add(3000 * time.Second)}
		})
	}
}

func TestProviderSourceFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("signing failed")}
	provider := NewProvider(source, discardLogger())

	_, err := provider.Token(context.Background())
	if err == nil {
		t.Fatal("Token() succeeded, want error")
	}
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Errorf("error type = %T, want *CredentialError", err)
	}
}

func TestProviderRejectsEmptyToken(t *testing.T) {
	source := &fakeSource{token: ScopedToken{ExpiresAt: time.Now().Add(time.Hour)}}
	provider := NewProvider(source, discardLogger())

	_, err := provider.Token(context.Background())
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Errorf("error = %v, want *CredentialError for empty token", err)
	}
}

func TestNewSource(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "pat source",
			config: Config{Method: MethodPAT, PAT: "my-pat"},
		},
		{
			name:    "pat without token",
			config:  Config{Method: MethodPAT},
			wantErr: true,
		},
		{
			name:    "keypair without account",
			config:  Config{Method: MethodKeyPair, User: "PI"},
			wantErr: true,
		},
		{
			name:    "unknown method",
			config:  Config{Method: "oauth-dance"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, err := NewSource(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSource() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && source == nil {
				t.Error("NewSource() returned nil source without error")
			}
		})
	}
}

func TestStaticSource(t *testing.T) {
	source := &StaticSource{Token: "pat-123"}
	token, err := source.ScopedToken(context.Background())
	if err != nil {
		t.Fatalf("ScopedToken() error = %v", err)
	}
	if token.Value != "pat-123" {
		t.Errorf("token = %q, want pat-123", token.Value)
	}
	if !token.ExpiresAt.After(time.Now()) {
		t.Error("token already expired")
	}
}
