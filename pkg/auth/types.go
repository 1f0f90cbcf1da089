package auth

import (
	"context"
	"fmt"
	"time"
)

// Method selects how the scoped token is obtained.
type Method string

const (
	// MethodKeyPair signs a JWT with the account's private key and exchanges
	// it for a session token.
	MethodKeyPair Method = "keypair"
	// MethodPAT uses a pre-issued programmatic access token as-is.
	MethodPAT Method = "pat"
)

// ScopedToken is a short-lived bearer credential.
type ScopedToken struct {
	Value     string
	ExpiresAt time.Time
}

// TokenSource obtains a fresh scoped token from the credential subsystem.
type TokenSource interface {
	ScopedToken(ctx context.Context) (ScopedToken, error)
}

// CredentialError reports a failed token acquisition. It is fatal to the run:
// nothing in the client retries it.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential error: %v", e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Config carries the account identity used to mint tokens.
type Config struct {
	Method  Method
	Account string
	User    string
	Role    string
	// Path to a PKCS#8 PEM private key, for MethodKeyPair.
	PrivateKeyPath string
	// Pre-issued token, for MethodPAT.
	PAT string
	// Transport config string for the exchange request; empty dials directly.
	Transport string
}
