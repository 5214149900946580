package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size considered when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxTimestampSkew     = 2 * time.Minute
	defaultTimestampSkew = maxTimestampSkew
	maxNonceWindow       = 10 * time.Minute
	defaultNonceWindow   = maxNonceWindow
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	secrets map[string]string
	skew    time.Duration
	nowFn   func() time.Time

	mu       sync.Mutex
	nonces   map[string]*nonceCache
	lastSeen map[string]int64

	nonceTTL      time.Duration
	nonceCapacity int
}

// NewAuthenticator builds an Authenticator keyed by the provided secrets. The
// map holds API key identifiers mapped to their shared secret.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxTimestampSkew {
		skew = defaultTimestampSkew
	}
	if nonceTTL <= 0 || nonceTTL > maxNonceWindow {
		nonceTTL = defaultNonceWindow
	}
	if nonceCapacity <= 0 || nonceCapacity > maxNonceCapacity {
		nonceCapacity = defaultNonceCapacity
	}
	return &Authenticator{
		secrets:       cloned,
		skew:          skew,
		nowFn:         nowFn,
		nonces:        make(map[string]*nonceCache),
		lastSeen:      make(map[string]int64),
		nonceTTL:      nonceTTL,
		nonceCapacity: nonceCapacity,
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.seenNonce(apiKey, timestampHeader+"|"+nonce, now) {
		return nil, errors.New("nonce already used")
	}
	if a.staleTimestamp(apiKey, ts, now) {
		return nil, errors.New("timestamp not increasing")
	}
	return &Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) seenNonce(apiKey, composite string, now time.Time) bool {
	a.mu.Lock()
	cache, ok := a.nonces[apiKey]
	if !ok {
		cache = newNonceCache(a.nonceTTL, a.nonceCapacity)
		a.nonces[apiKey] = cache
	}
	a.mu.Unlock()
	return cache.seen(composite, now)
}

// staleTimestamp rejects timestamps at or below the highest one already
// accepted for the key, as long as that high-water mark is still inside the
// skew window.
func (a *Authenticator) staleTimestamp(apiKey string, ts, now time.Time) bool {
	current := ts.Unix()
	cutoff := now.Add(-a.skew).Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	last, ok := a.lastSeen[apiKey]
	if ok && last > cutoff && current <= last {
		return true
	}
	if !ok || current > last {
		a.lastSeen[apiKey] = current
	}
	return false
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// nonceCache tracks observed nonces per API key. Entries expire after the TTL
// and the oldest entries give way once the capacity is reached.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu     sync.Mutex
	seenAt map[string]time.Time
	queue  []nonceEntry
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		seenAt:   make(map[string]time.Time),
	}
}

// seen reports whether the nonce was already observed inside the TTL window,
// recording it when new.
func (c *nonceCache) seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(now)
	if ts, ok := c.seenAt[key]; ok && now.Sub(ts) <= c.ttl {
		return true
	}
	c.seenAt[key] = now
	c.queue = append(c.queue, nonceEntry{key: key, ts: now})
	return false
}

func (c *nonceCache) evict(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for len(c.queue) > 0 {
		head := c.queue[0]
		if head.ts.After(cutoff) && len(c.queue) <= c.capacity {
			break
		}
		c.queue = c.queue[1:]
		if ts, ok := c.seenAt[head.key]; ok && ts.Equal(head.ts) {
			delete(c.seenAt, head.key)
		}
	}
}
