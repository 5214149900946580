package auth

import (
	"bytes"
	"encoding/hex"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	a := NewAuthenticator(map[string]string{"merchant-1": "topsecret"}, time.Minute, time.Minute, 16, func() time.Time { return now })

	body := []byte(`{"amount":"10"}`)
	req := httptest.NewRequest("POST", "/pay/create", bytes.NewReader(body))
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := ComputeSignature("topsecret", ts, "nonce-1", "POST", "/pay/create", body)
	req.Header.Set(HeaderAPIKey, "merchant-1")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	principal, err := a.Authenticate(req, body)
	require.NoError(t, err)
	require.Equal(t, "merchant-1", principal.APIKey)
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	a := NewAuthenticator(map[string]string{"merchant-1": "topsecret"}, time.Minute, time.Minute, 16, func() time.Time { return now })

	body := []byte(`{}`)
	req := httptest.NewRequest("POST", "/pay/create", bytes.NewReader(body))
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := ComputeSignature("wrong-secret", ts, "nonce-1", "POST", "/pay/create", body)
	req.Header.Set(HeaderAPIKey, "merchant-1")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	_, err := a.Authenticate(req, body)
	require.ErrorContains(t, err, "invalid signature")
}

func TestAuthenticateRejectsNonceReplay(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	a := NewAuthenticator(map[string]string{"merchant-1": "topsecret"}, time.Minute, time.Minute, 16, func() time.Time { return now })

	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := hex.EncodeToString(ComputeSignature("topsecret", ts, "nonce-1", "POST", "/pay/create", body))

	for attempt := 0; attempt < 2; attempt++ {
		req := httptest.NewRequest("POST", "/pay/create", bytes.NewReader(body))
		req.Header.Set(HeaderAPIKey, "merchant-1")
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, "nonce-1")
		req.Header.Set(HeaderSignature, sig)
		_, err := a.Authenticate(req, body)
		if attempt == 0 {
			require.NoError(t, err)
			continue
		}
		require.ErrorContains(t, err, "nonce already used")
	}
}

func TestAuthenticateRejectsSkewedTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	a := NewAuthenticator(map[string]string{"merchant-1": "topsecret"}, time.Minute, time.Minute, 16, func() time.Time { return now })

	body := []byte(`{}`)
	stale := now.Add(-5 * time.Minute)
	ts := strconv.FormatInt(stale.Unix(), 10)
	sig := ComputeSignature("topsecret", ts, "nonce-1", "POST", "/pay/create", body)
	req := httptest.NewRequest("POST", "/pay/create", bytes.NewReader(body))
	req.Header.Set(HeaderAPIKey, "merchant-1")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	_, err := a.Authenticate(req, body)
	require.ErrorContains(t, err, "skew")
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	a := NewAuthenticator(map[string]string{"merchant-1": "topsecret"}, time.Minute, time.Minute, 16, nil)
	req := httptest.NewRequest("POST", "/pay/create", nil)
	req.Header.Set(HeaderAPIKey, "merchant-2")
	_, err := a.Authenticate(req, nil)
	require.ErrorContains(t, err, "unknown API key")
}

func TestCanonicalQuerySortsPairs(t *testing.T) {
	require.Equal(t, "a=1&b=2&z=0", CanonicalQuery("z=0&b=2&a=1"))
	require.Equal(t, "", CanonicalQuery(""))
}

func TestNonceCacheEvictsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	cache := newNonceCache(time.Minute, 4)

	require.False(t, cache.seen("a", now))
	require.True(t, cache.seen("a", now.Add(30*time.Second)))
	require.False(t, cache.seen("a", now.Add(2*time.Minute)))
}

func TestNonceCacheHonoursCapacity(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	cache := newNonceCache(time.Hour, 2)

	require.False(t, cache.seen("a", now))
	require.False(t, cache.seen("b", now.Add(time.Second)))
	require.False(t, cache.seen("c", now.Add(2*time.Second)))
	// "a" was the oldest entry and has been displaced.
	require.False(t, cache.seen("a", now.Add(3*time.Second)))
	require.True(t, cache.seen("c", now.Add(4*time.Second)))
}
