package offlinecache

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dgduncan/go-offline-cache/caches"
)

// Policy selects how the fetch interceptor combines the cache and the network.
type Policy int

const (
	// PolicyNetworkFirst goes to the network and falls back to the current bucket
	// when the network fails. Nothing is written to the cache.
	PolicyNetworkFirst Policy = iota

	// PolicyCacheFirst serves from the current bucket and falls back to the
	// network on a miss, storing successful GET responses.
	PolicyCacheFirst
)

func (p Policy) String() string {
	switch p {
	case PolicyNetworkFirst:
		return "network-first"
	case PolicyCacheFirst:
		return "cache-first"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "network-first":
		return PolicyNetworkFirst, nil
	case "cache-first":
		return PolicyCacheFirst, nil
	default:
		return 0, caches.ValidationError{Reason: fmt.Sprintf("unknown policy %q", s)}
	}
}

type Config struct {
	// GenerationTag names the live cache bucket. Bumping it is the only way to
	// invalidate what earlier versions cached: buckets with any other name are
	// deleted on activation.
	GenerationTag string

	Policy Policy

	// StaticAssets are fetched and stored as one unit during install. Leaving it
	// empty skips precaching.
	StaticAssets []string

	// BaseURL resolves relative entries of StaticAssets, eg. https://example.com.
	BaseURL string

	// OnStored, when set, is called once a write-through store settles.
	OnStored func(key string, err error)
}

// DefaultConfig returns a network-first configuration without precaching.
func DefaultConfig() Config {
	return Config{
		GenerationTag: "offline-cache-v1",
		Policy:        PolicyNetworkFirst,
	}
}

// Validate checks the configuration and returns a caches.ValidationError
// describing the first problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.GenerationTag) == "" {
		return caches.ValidationError{Reason: "empty generation tag"}
	}

	if c.Policy != PolicyNetworkFirst && c.Policy != PolicyCacheFirst {
		return caches.ValidationError{Reason: fmt.Sprintf("unknown policy %s", c.Policy)}
	}

	if _, err := c.assetURLs(); err != nil {
		return err
	}

	return nil
}

// assetURLs resolves StaticAssets against BaseURL, keeping their order.
func (c Config) assetURLs() ([]*url.URL, error) {
	var base *url.URL
	if c.BaseURL != "" {
		b, err := url.Parse(c.BaseURL)
		if err != nil {
			return nil, caches.ValidationError{Reason: fmt.Sprintf("invalid base url %q: %v", c.BaseURL, err)}
		}
		if !b.IsAbs() {
			return nil, caches.ValidationError{Reason: fmt.Sprintf("base url %q is not absolute", c.BaseURL)}
		}
		base = b
	}

	out := make([]*url.URL, 0, len(c.StaticAssets))
	for _, a := range c.StaticAssets {
		u, err := url.Parse(a)
		if err != nil {
			return nil, caches.ValidationError{Reason: fmt.Sprintf("invalid asset %q: %v", a, err)}
		}

		if !u.IsAbs() {
			if base == nil {
				return nil, caches.ValidationError{Reason: fmt.Sprintf("relative asset %q without base url", a)}
			}
			u = base.ResolveReference(u)
		}

		out = append(out, u)
	}

	return out, nil
}
