package ticketing

import (
	"context"
	"net/http"

	"github.com/bissquit/incident-remediator/internal/secrets"
)

// CredentialSource resolves named username/password secrets.
type CredentialSource interface {
	Credentials(ctx context.Context, name string) (secrets.Credentials, error)
}

// BasicAuth reads credentials from the secret store on every request.
type BasicAuth struct {
	source CredentialSource
	secret string
}

// NewBasicAuth creates a BasicAuth for the named secret.
func NewBasicAuth(source CredentialSource, secret string) *BasicAuth {
	return &BasicAuth{source: source, secret: secret}
}

// Authorize implements Authorizer.
func (a *BasicAuth) Authorize(ctx context.Context, req *http.Request) error {
	creds, err := a.source.Credentials(ctx, a.secret)
	if err != nil {
		return err
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	return nil
}

// BearerAuth attaches a cached OAuth token.
type BearerAuth struct {
	cache *TokenCache
}

// NewBearerAuth creates a BearerAuth backed by cache.
func NewBearerAuth(cache *TokenCache) *BearerAuth {
	return &BearerAuth{cache: cache}
}

// Authorize implements Authorizer.
func (a *BearerAuth) Authorize(ctx context.Context, req *http.Request) error {
	token, err := a.cache.Get(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Invalidate drops the cached token after the server rejects it.
func (a *BearerAuth) Invalidate() {
	a.cache.Invalidate()
}
