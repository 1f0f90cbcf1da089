package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// refreshMargin is how long before expiry a cached token stops being reused.
// The platform issues nominally one-hour tokens; refreshing ten minutes early
// keeps in-flight requests clear of expiry.
const refreshMargin = 10 * time.Minute

// Provider caches a scoped token and refreshes it through the underlying
// source when the cached one is absent or inside the refresh margin. Refresh
// is pull-based and mutually exclusive: concurrent callers wait on the one
// in-flight refresh rather than each minting their own token.
type Provider struct {
	source TokenSource
	logger *slog.Logger

	mu    sync.Mutex
	token ScopedToken

	// now is replaceable for tests.
	now func() time.Time
}

func NewProvider(source TokenSource, logger *slog.Logger) *Provider {
	return &Provider{
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// Token returns a token valid for at least the refresh margin, refreshing if
// needed. Failures surface as *CredentialError.
func (p *Provider) Token(ctx context.Context) (ScopedToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token.Value != "" && p.now().Before(p.token.ExpiresAt.Add(-refreshMargin)) {
		return p.token, nil
	}

	p.logger.Info("Obtaining new scoped token")
	token, err := p.source.ScopedToken(ctx)
	if err != nil {
		return ScopedToken{}, &CredentialError{Err: err}
	}
	if token.Value == "" {
		return ScopedToken{}, &CredentialError{Err: fmt.Errorf("token source returned an empty token")}
	}
	p.token = token
	p.logger.Debug("Scoped token refreshed", "expiresAt", token.ExpiresAt)
	return p.token, nil
}

// NewSource builds the token source selected by the config.
func NewSource(config Config) (TokenSource, error) {
	switch config.Method {
	case MethodKeyPair:
		return NewKeyPairSource(config)
	case MethodPAT:
		if config.PAT == "" {
			return nil, fmt.Errorf("pat auth selected but no token configured")
		}
		return &StaticSource{Token: config.PAT}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method: %s", config.Method)
	}
}

// StaticSource serves a fixed pre-issued token. PATs are long-lived; the
// reported expiry just keeps the provider from refreshing constantly.
type StaticSource struct {
	Token string
}

func (s *StaticSource) ScopedToken(ctx context.Context) (ScopedToken, error) {
	return ScopedToken{
		Value:     s.Token,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}
