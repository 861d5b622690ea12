package ticketing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ExpirySkew is subtracted from every token lifetime.
	ExpirySkew           = 300 * time.Second
	defaultTokenLifetime = 3600 * time.Second
)

// Token is a bearer token with its effective expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can be used at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// TokenSource fetches a fresh token.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// TokenCache returns a cached token while it is valid and refreshes it under a
// mutex, so concurrent callers trigger at most one fetch.
type TokenCache struct {
	source TokenSource
	now    func() time.Time

	mu    sync.Mutex
	token Token
}

// NewTokenCache creates an empty cache over source.
func NewTokenCache(source TokenSource) *TokenCache {
	return &TokenCache{source: source, now: time.Now}
}

// Get returns a valid token, fetching one if needed.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid(c.now()) {
		return c.token.Value, nil
	}

	tok, err := c.source.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	c.token = tok
	return tok.Value, nil
}

// Invalidate drops the cached token.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}

// OAuthConfig holds client-credentials grant settings.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	Timeout      time.Duration
}

// ClientCredentials fetches tokens with the OAuth2 client-credentials grant.
type ClientCredentials struct {
	config     OAuthConfig
	httpClient *http.Client
	now        func() time.Time
}

// NewClientCredentials creates a ClientCredentials token source.
func NewClientCredentials(config OAuthConfig) *ClientCredentials {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &ClientCredentials{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		now:        time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token implements TokenSource.
func (c *ClientCredentials) Token(ctx context.Context) (Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
	}
	if c.config.Scope != "" {
		form.Set("scope", c.config.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Token{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, &StatusError{Code: resp.StatusCode, Message: "token request rejected"}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Token{}, ErrNoToken
	}

	return Token{Value: tr.AccessToken, ExpiresAt: c.expiry(tr)}, nil
}

// expiry uses expires_in when the server sends it, then the JWT exp claim,
// then defaultTokenLifetime.
func (c *ClientCredentials) expiry(tr tokenResponse) time.Time {
	if tr.ExpiresIn > 0 {
		return c.now().Add(time.Duration(tr.ExpiresIn)*time.Second - ExpirySkew)
	}
	if exp, ok := jwtExpiry(tr.AccessToken); ok {
		return exp.Add(-ExpirySkew)
	}
	return c.now().Add(defaultTokenLifetime - ExpirySkew)
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// is only inspected for caching, never trusted.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
