package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures the JWKS-backed token verifier.
type VerifierConfig struct {
	// JWKSURL is the issuer's published key set endpoint.
	JWKSURL string

	// VerifyIssuer enables exact-match issuer checking.
	VerifyIssuer   bool
	ExpectedIssuer string

	// VerifyAudience requires the token audience to intersect
	// ExpectedAudience.
	VerifyAudience   bool
	ExpectedAudience []string

	// FetchTimeout bounds one JWKS fetch.
	FetchTimeout time.Duration

	// HTTPClient overrides the client used for JWKS fetches.
	HTTPClient *http.Client
}

// Verifier validates RS256 bearer tokens against a cached JWKS key map.
// The key map is replaced atomically on rotation: an unknown kid triggers
// one lock-protected refetch, then the verification is retried once.
type Verifier struct {
	config VerifierConfig
	client *http.Client
	logger *slog.Logger

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetchMu sync.Mutex
}

// NewVerifier builds a verifier. Keys are fetched lazily on first use.
func NewVerifier(config VerifierConfig, logger *slog.Logger) *Verifier {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 10 * time.Second
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.FetchTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		config: config,
		client: client,
		logger: logger,
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Verify parses and validates the token and returns its claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformed
	}

	claims := jwt.MapClaims{}
	parsed, err := v.parse(ctx, token, claims, false)
	if errors.Is(err, ErrUnknownKey) {
		// Key rotation: refetch once and retry.
		if fetchErr := v.refreshKeys(ctx); fetchErr != nil {
			return nil, fmt.Errorf("%w: jwks refresh failed: %v", ErrSignature, fetchErr)
		}
		parsed, err = v.parse(ctx, token, claims, true)
	}
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, ErrSignature
	}

	if v.config.VerifyIssuer {
		iss, _ := claims.GetIssuer()
		if iss != v.config.ExpectedIssuer {
			return nil, ErrIssuer
		}
	}
	if v.config.VerifyAudience {
		aud, _ := claims.GetAudience()
		if !audienceIntersects(aud, v.config.ExpectedAudience) {
			return nil, ErrAudience
		}
	}

	out := claimsFromMap(claims)
	out.RawToken = token
	return out, nil
}

func (v *Verifier) parse(ctx context.Context, token string, claims jwt.MapClaims, fetched bool) (*jwt.Token, error) {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKey
		}
		key := v.publicKey(kid)
		if key == nil {
			if fetched {
				return nil, ErrSignature
			}
			return nil, ErrUnknownKey
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())

	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKey):
			return nil, ErrUnknownKey
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformed
		default:
			return nil, ErrSignature
		}
	}
	return parsed, nil
}

// PublicKey returns the cached key for kid, or nil.
func (v *Verifier) publicKey(kid string) *rsa.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys[kid]
}

// refreshKeys fetches the JWKS and replaces the key map atomically.
// fetchMu collapses concurrent refreshes to one upstream call.
func (v *Verifier) refreshKeys(ctx context.Context) error {
	v.fetchMu.Lock()
	defer v.fetchMu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, v.config.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, v.config.JWKSURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	keys, err := parseJWKS(body)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.keys = keys
	v.mu.Unlock()

	v.logger.Debug("jwks refreshed", "keys", len(keys))
	return nil
}

type jwksDocument struct {
	Keys []jwkEntry `json:"keys"`
}

type jwkEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func parseJWKS(data []byte) (map[string]*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contained no usable RSA signing keys")
	}
	return keys, nil
}

func rsaKeyFromJWK(k jwkEntry) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

func audienceIntersects(tokenAud []string, expected []string) bool {
	for _, a := range tokenAud {
		for _, e := range expected {
			if a == e {
				return true
			}
		}
	}
	return false
}
