package auth

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"adsb-streamer/pkg/fetch"
)

const (
	// Lifetime requested for the signed assertion. Kept under the platform's
	// one-hour cap.
	assertionLifetime = 59 * time.Minute
	// Validity assumed for the exchanged session token when the response does
	// not carry one.
	tokenLifetime = time.Hour

	exchangeTimeout = 30 * time.Second
	jwtBearerGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// KeyPairSource exchanges a key-pair-signed JWT for a scoped session token at
// the account's /oauth/token-request endpoint.
type KeyPairSource struct {
	account     string
	user        string
	role        string
	privateKey  *rsa.PrivateKey
	fingerprint string
	httpClient  *http.Client
	endpoint    string

	// now is replaceable for tests.
	now func() time.Time
}

func NewKeyPairSource(config Config) (*KeyPairSource, error) {
	if config.Account == "" || config.User == "" {
		return nil, fmt.Errorf("keypair auth requires account and user")
	}

	key, err := loadPrivateKey(config.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	httpClient, err := fetch.NewHTTPClient(config.Transport, exchangeTimeout)
	if err != nil {
		return nil, err
	}

	return &KeyPairSource{
		account:     strings.ToUpper(config.Account),
		user:        strings.ToUpper(config.User),
		role:        config.Role,
		privateKey:  key,
		fingerprint: publicKeyFingerprint(key),
		httpClient:  httpClient,
		endpoint: fmt.Sprintf("https://%s.snowflakecomputing.com/oauth/token-request",
			strings.ToLower(config.Account)),
		now: time.Now,
	}, nil
}

func (s *KeyPairSource) ScopedToken(ctx context.Context) (ScopedToken, error) {
	assertion, err := s.signAssertion()
	if err != nil {
		return ScopedToken{}, fmt.Errorf("failed to sign assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)
	if s.role != "" {
		form.Set("scope", "session:role:"+s.role)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return ScopedToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ScopedToken{}, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ScopedToken{}, fmt.Errorf("read of token exchange response failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ScopedToken{}, fmt.Errorf("token exchange returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// The endpoint returns the token as the raw body; some deployments wrap
	// it in JSON. Accept both.
	token := strings.TrimSpace(string(body))
	if strings.HasPrefix(token, "{") {
		var wrapped struct {
			Token       string `json:"token"`
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return ScopedToken{}, fmt.Errorf("unparseable token exchange response: %w", err)
		}
		token = wrapped.Token
		if token == "" {
			token = wrapped.AccessToken
		}
	}
	if token == "" {
		return ScopedToken{}, fmt.Errorf("token exchange returned an empty token")
	}

	return ScopedToken{
		Value:     token,
		ExpiresAt: s.now().Add(tokenLifetime),
	}, nil
}

func (s *KeyPairSource) signAssertion() (string, error) {
	qualifiedUser := s.account + "." + s.user
	now := s.now()

	claims := jwt.MapClaims{
		"iss": qualifiedUser + "." + s.fingerprint,
		"sub": qualifiedUser,
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}
	// Older keys may be PKCS#1.
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// publicKeyFingerprint returns the platform's key identifier format:
// SHA256:<base64 of the DER-encoded public key digest>.
func publicKeyFingerprint(key *rsa.PrivateKey) string {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		// MarshalPKIXPublicKey cannot fail for a valid RSA key.
		return "SHA256:"
	}
	digest := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(digest[:])
}
