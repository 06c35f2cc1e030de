package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/palaverhq/palaver/pkg/models"
)

// PolicySource supplies the active policies and groups the resolver
// evaluates. Backed by the repository projections.
type PolicySource interface {
	ActivePolicies(ctx context.Context) ([]models.AccessPolicy, error)
	ActiveGroupIDs(ctx context.Context) (map[string]struct{}, error)
}

// volatileClaims are stripped before hashing so tokens that differ only in
// freshness share a cache entry.
var volatileClaims = []string{"exp", "iat", "jti", "nbf", "auth_time", "session_state", "nonce"}

// ResolverConfig tunes the claim-hash cache.
type ResolverConfig struct {
	CacheTTL time.Duration
}

type cacheEntry struct {
	groups    map[string]struct{}
	expiresAt time.Time
}

// Resolver maps verified claims to the union of tool groups granted by
// matching active policies. Results are cached by a SHA-256 hash of the
// canonicalized claims.
type Resolver struct {
	source PolicySource
	config ResolverConfig
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver builds a resolver with the default 300 s cache TTL.
func NewResolver(source PolicySource, config ResolverConfig, logger *slog.Logger) *Resolver {
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source: source,
		config: config,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// ResolveGroups returns the set of group ids the claims grant.
func (r *Resolver) ResolveGroups(ctx context.Context, claims map[string]any) (map[string]struct{}, error) {
	key := CacheKey(claims)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.groups, nil
	}

	groups, err := r.evaluate(ctx, claims)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{groups: groups, expiresAt: time.Now().Add(r.config.CacheTTL)}
	r.mu.Unlock()
	return groups, nil
}

func (r *Resolver) evaluate(ctx context.Context, claims map[string]any) (map[string]struct{}, error) {
	policies, err := r.source.ActivePolicies(ctx)
	if err != nil {
		return nil, err
	}
	activeGroups, err := r.source.ActiveGroupIDs(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})

	granted := make(map[string]struct{})
	for _, policy := range policies {
		if !policy.Active {
			continue
		}
		matched, err := policyMatches(claims, policy)
		if err != nil {
			// A broken policy never grants anything.
			r.logger.Warn("policy evaluation failed",
				"policy", policy.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		for _, groupID := range policy.AllowedGroupIDs {
			if _, active := activeGroups[groupID]; active {
				granted[groupID] = struct{}{}
			}
		}
	}
	return granted, nil
}

// policyMatches requires every matcher in the policy to match.
func policyMatches(claims map[string]any, policy models.AccessPolicy) (bool, error) {
	if len(policy.ClaimMatchers) == 0 {
		return false, nil
	}
	for _, m := range policy.ClaimMatchers {
		ok, err := evalMatcher(claims, m)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// InvalidateAll drops every cache entry. Called on policy changes.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// CacheKey is the SHA-256 of a canonical JSON serialization of the claims
// with volatile fields removed. Map keys marshal sorted, so equal claim
// sets always hash identically.
func CacheKey(claims map[string]any) string {
	stable := make(map[string]any, len(claims))
	for k, v := range claims {
		stable[k] = v
	}
	for _, k := range volatileClaims {
		delete(stable, k)
	}
	data, err := json.Marshal(stable)
	if err != nil {
		// Claims arrive from decoded JSON and always re-marshal.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
