// Package ratelimit provides per-domain politeness limiting for outbound
// probe fetches.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per registered domain. Unknown domains
// fall back to the default bucket settings.
type Limiter struct {
	defaultRPS   rate.Limit
	defaultBurst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a Limiter with the given default rate and burst.
func New(defaultRPS float64, defaultBurst int) *Limiter {
	if defaultRPS <= 0 {
		defaultRPS = 1
	}
	if defaultBurst <= 0 {
		defaultBurst = 1
	}
	return &Limiter{
		defaultRPS:   rate.Limit(defaultRPS),
		defaultBurst: defaultBurst,
		buckets:      make(map[string]*rate.Limiter),
	}
}

// SetDomain overrides the bucket for one domain.
func (l *Limiter) SetDomain(domain string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[normalize(domain)] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Wait blocks until a request to rawURL's host is allowed, or ctx expires.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host, err := hostOf(rawURL)
	if err != nil {
		return err
	}
	return l.bucket(host).Wait(ctx)
}

// Allow reports whether a request to rawURL's host may proceed right now.
func (l *Limiter) Allow(rawURL string) bool {
	host, err := hostOf(rawURL)
	if err != nil {
		return false
	}
	return l.bucket(host).Allow()
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[host]; ok {
		return b
	}
	b := rate.NewLimiter(l.defaultRPS, l.defaultBurst)
	l.buckets[host] = b
	return b
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		host = rawURL
	}
	return normalize(host), nil
}

func normalize(domain string) string {
	return strings.TrimPrefix(strings.ToLower(domain), "www.")
}
