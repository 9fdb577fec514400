package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyCache holds the authorization server's published signing keys (JWKS).
// The key map is never mutated in place: each refresh builds a new map and
// swaps it wholesale. Population is lazy; a refresh happens on unknown key-id
// or TTL expiry, and concurrent callers waiting on the same refresh share a
// single fetch.
type KeyCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	group  singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewKeyCache creates an empty cache for the given JWKS URL.
func NewKeyCache(url string, ttl time.Duration) *KeyCache {
	return &KeyCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Key returns the public key for kid, refreshing the key set at most once
// when the kid is unknown or the cached set has expired. A kid still absent
// after the refresh fails closed with unknown_key.
func (c *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, fresh := c.lookup(kid); key != nil && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	if key, _ := c.lookup(kid); key != nil {
		return key, nil
	}
	return nil, newError(KindUnknownKey, "no key %q in key set", kid)
}

func (c *KeyCache) lookup(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl
	return c.keys[kid], fresh
}

// refresh fetches the key set once, no matter how many validations are
// waiting on it.
func (c *KeyCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("jwks", func() (interface{}, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

func (c *KeyCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return newError(KindUnknownKey, "build key set request: %v", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return newError(KindUnknownKey, "fetch key set: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newError(KindUnknownKey, "fetch key set: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return newError(KindUnknownKey, "read key set: %v", err)
	}

	keys, err := parseKeySet(body)
	if err != nil {
		return newError(KindUnknownKey, "parse key set: %v", err)
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

type jwksDocument struct {
	Keys []jwkEntry `json:"keys"`
}

type jwkEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// parseKeySet decodes RSA public keys from a JWKS document. Non-RSA entries
// and keys not intended for signing are skipped rather than rejected, since
// issuers routinely publish encryption keys in the same document.
func parseKeySet(raw []byte) (map[string]*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, entry := range doc.Keys {
		if entry.Kty != "RSA" || entry.Kid == "" {
			continue
		}
		if entry.Use != "" && entry.Use != "sig" {
			continue
		}

		nBytes, err := base64.RawURLEncoding.DecodeString(entry.N)
		if err != nil {
			return nil, fmt.Errorf("key %q: decode modulus: %w", entry.Kid, err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(entry.E)
		if err != nil {
			return nil, fmt.Errorf("key %q: decode exponent: %w", entry.Kid, err)
		}

		keys[entry.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(new(big.Int).SetBytes(eBytes).Int64()),
		}
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("key set contains no usable RSA signing keys")
	}
	return keys, nil
}
