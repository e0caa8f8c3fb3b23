package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hris-platform/identity-sync/internal/config"
)

// expirySkew is how long before actual expiry a cached token is considered
// expired, absorbing clock skew and in-flight request latency.
const expirySkew = 60 * time.Second

// tokenRetryMaxTries bounds retries of transient token-endpoint failures.
// Credential-level failures are never retried.
const tokenRetryMaxTries = 3

// TokenProvider acquires and caches a short-lived bearer token for the
// directory API.
type TokenProvider interface {
	// Token returns a valid bearer token, refreshing the cached one when it
	// is within the expiry skew. Concurrent callers share a single refresh.
	// A credential-level failure is reported as ErrAuthFailure.
	Token(ctx context.Context) (string, error)

	// Invalidate drops the cached token so the next call fetches a fresh one.
	// Used after the directory rejects a request with 401/403.
	Invalidate()
}

// clientCredentialsProvider implements TokenProvider using the OAuth2
// client-credential grant.
type clientCredentialsProvider struct {
	conf *clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// NewTokenProvider builds a client-credential token provider from the
// directory configuration.
func NewTokenProvider(cfg *config.DirectoryConfig) (TokenProvider, error) {
	secret, err := cfg.GetClientSecret()
	if err != nil {
		return nil, err
	}

	return &clientCredentialsProvider{
		conf: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: secret,
			TokenURL:     cfg.GetTokenURL(),
			Scopes:       []string{cfg.GetScope()},
		},
	}, nil
}

func (p *clientCredentialsProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != nil && time.Until(p.token.Expiry) > expirySkew {
		return p.token.AccessToken, nil
	}

	// Holding the mutex across the exchange makes concurrent callers await
	// the in-flight refresh instead of issuing parallel ones.
	token, err := p.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	p.token = token
	slog.Debug("Acquired directory token", "expires", token.Expiry)
	return token.AccessToken, nil
}

func (p *clientCredentialsProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = nil
}

// fetchToken performs the client-credential exchange, retrying transient
// token-endpoint failures with exponential backoff. An AuthFailure (invalid
// or revoked credentials) is surfaced immediately.
func (p *clientCredentialsProvider) fetchToken(ctx context.Context) (*oauth2.Token, error) {
	operation := func() (*oauth2.Token, error) {
		token, err := p.conf.Token(ctx)
		if err != nil {
			if isCredentialError(err) {
				return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrAuthFailure, err))
			}
			return nil, err
		}
		return token, nil
	}

	token, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(tokenRetryMaxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire directory token: %w", err)
	}
	return token, nil
}

// isCredentialError reports whether the token endpoint rejected the
// credentials themselves, as opposed to a transient transport failure.
func isCredentialError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	switch retrieveErr.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}
