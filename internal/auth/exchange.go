package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/palaverhq/palaver/internal/infra"
)

// ErrUpstreamUnavailable reports a token endpoint failure or an open
// breaker. Retryable from the client's point of view.
var ErrUpstreamUnavailable = errors.New("UPSTREAM_UNAVAILABLE")

const grantTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

// AccessToken is one cached upstream token.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
	Scope     string
}

// TokenCacheConfig tunes the exchange cache.
type TokenCacheConfig struct {
	// TokenURL is the issuer's token endpoint.
	TokenURL string

	// ClientID / ClientSecret identify this service to the issuer.
	ClientID     string
	ClientSecret string

	// BufferSeconds is the freshness margin: an entry is stale when
	// now >= expiresAt - buffer.
	BufferSeconds int

	// LockWait bounds how long a waiter blocks on the named fetch lock
	// before falling back to its own fetch.
	LockWait time.Duration

	// Breaker settings for the token endpoint.
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	// OnBreakerEvent receives breaker state changes.
	OnBreakerEvent func(infra.CircuitEvent)

	// HTTPClient overrides the client used for exchange requests.
	HTTPClient *http.Client
}

// TokenCache caches upstream access tokens keyed by (grant type, subject
// or audience, client id). A fetch for a given key is collapsed to one
// in-flight call; waiters that lose the race re-read the cache.
type TokenCache struct {
	config  TokenCacheConfig
	client  *http.Client
	logger  *slog.Logger
	breaker *infra.CircuitBreaker
	locks   *infra.LockSet
	flight  singleflight.Group

	mu      sync.RWMutex
	entries map[string]AccessToken
}

// NewTokenCache builds the cache with defaults applied.
func NewTokenCache(config TokenCacheConfig, logger *slog.Logger) *TokenCache {
	if config.BufferSeconds <= 0 {
		config.BufferSeconds = 60
	}
	if config.LockWait <= 0 {
		config.LockWait = 2 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		config: config,
		client: config.HTTPClient,
		logger: logger,
		breaker: infra.NewCircuitBreaker(infra.CircuitConfig{
			Name:             "token-exchange",
			FailureThreshold: config.BreakerFailureThreshold,
			RecoveryTimeout:  config.BreakerRecoveryTimeout,
			OnEvent:          config.OnBreakerEvent,
		}),
		locks:   infra.NewLockSet(),
		entries: make(map[string]AccessToken),
	}
}

// CacheKey composes the tuple the cache is keyed by.
func CacheKey(grantType, subject, clientID string) string {
	return grantType + "|" + subject + "|" + clientID
}

// ServiceToken returns a client-credentials token for this service.
func (c *TokenCache) ServiceToken(ctx context.Context) (AccessToken, error) {
	key := CacheKey("client_credentials", "", c.config.ClientID)
	return c.GetOrFetch(ctx, key, c.fetchClientCredentials)
}

// ExchangeUserToken forwards a user token to an upstream audience via
// RFC 8693 token exchange. The cache entry is scoped to the subject
// token: two users exchanging for the same audience never share one.
func (c *TokenCache) ExchangeUserToken(ctx context.Context, subjectToken, audience string) (AccessToken, error) {
	key := CacheKey(grantTokenExchange, audience+"#"+subjectDigest(subjectToken), c.config.ClientID)
	return c.GetOrFetch(ctx, key, func(ctx context.Context) (AccessToken, error) {
		return c.fetchTokenExchange(ctx, subjectToken, audience)
	})
}

// subjectDigest derives the per-user key component from the subject
// token. The raw token never becomes a map key.
func subjectDigest(subjectToken string) string {
	sum := sha256.Sum256([]byte(subjectToken))
	return hex.EncodeToString(sum[:16])
}

// GetOrFetch returns a fresh cached token for key or runs fetchFn to
// obtain one. Exactly one fetch per key is in flight at a time; losers of
// the lock race sleep briefly, re-read the cache, and fetch themselves
// only if it is still empty.
func (c *TokenCache) GetOrFetch(ctx context.Context, key string, fetchFn func(context.Context) (AccessToken, error)) (AccessToken, error) {
	if token, ok := c.lookup(key); ok {
		return token, nil
	}

	release := c.locks.Acquire(ctx, key, c.config.LockWait)
	if release == nil {
		// Another worker holds the fetch lock. Give the cache another
		// chance before fetching ourselves.
		if token, ok := c.lookup(key); ok {
			return token, nil
		}
		return c.fetch(ctx, key, fetchFn)
	}
	defer release()

	// Re-check under the lock: the previous holder may have filled it.
	if token, ok := c.lookup(key); ok {
		return token, nil
	}
	return c.fetch(ctx, key, fetchFn)
}

func (c *TokenCache) fetch(ctx context.Context, key string, fetchFn func(context.Context) (AccessToken, error)) (AccessToken, error) {
	v, err, _ := c.flight.Do(key, func() (any, error) {
		token, err := infra.Do(c.breaker, ctx, fetchFn)
		if err != nil {
			if errors.Is(err, infra.ErrCircuitOpen) {
				return AccessToken{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			}
			return AccessToken{}, err
		}
		c.store(key, token)
		return token, nil
	})
	if err != nil {
		return AccessToken{}, err
	}
	return v.(AccessToken), nil
}

func (c *TokenCache) lookup(key string) (AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	token, ok := c.entries[key]
	if !ok {
		return AccessToken{}, false
	}
	buffer := time.Duration(c.config.BufferSeconds) * time.Second
	if !time.Now().Before(token.ExpiresAt.Add(-buffer)) {
		return AccessToken{}, false
	}
	return token, true
}

func (c *TokenCache) store(key string, token AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = token
}

// Invalidate drops one cache entry.
func (c *TokenCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// ResetBreaker forces the token-endpoint breaker closed. Admin operation.
func (c *TokenCache) ResetBreaker() {
	c.breaker.Reset()
}

// BreakerState exposes the breaker state for health reporting.
func (c *TokenCache) BreakerState() infra.CircuitState {
	return c.breaker.State()
}

func (c *TokenCache) fetchClientCredentials(ctx context.Context) (AccessToken, error) {
	cfg := clientcredentials.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		TokenURL:     c.config.TokenURL,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	token, err := cfg.Token(ctx)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: client credentials: %v", ErrUpstreamUnavailable, err)
	}
	return fromOAuth2Token(token), nil
}

func (c *TokenCache) fetchTokenExchange(ctx context.Context, subjectToken, audience string) (AccessToken, error) {
	form := url.Values{
		"grant_type":         {grantTokenExchange},
		"client_id":          {c.config.ClientID},
		"client_secret":      {c.config.ClientSecret},
		"subject_token":      {subjectToken},
		"subject_token_type": {"urn:ietf:params:oauth:token-type:access_token"},
		"audience":           {audience},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: token exchange: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccessToken{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return AccessToken{}, fmt.Errorf("%w: token exchange returned %d: %s",
			ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return AccessToken{}, fmt.Errorf("parse token exchange response: %w", err)
	}
	if payload.AccessToken == "" {
		return AccessToken{}, errors.New("token exchange response missing access_token")
	}
	return AccessToken{
		Value:     payload.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		Scope:     payload.Scope,
	}, nil
}

func fromOAuth2Token(token *oauth2.Token) AccessToken {
	scope, _ := token.Extra("scope").(string)
	return AccessToken{
		Value:     token.AccessToken,
		ExpiresAt: token.Expiry,
		Scope:     scope,
	}
}
