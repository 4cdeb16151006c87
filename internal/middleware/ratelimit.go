package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per key
	RequestsPerSecond float64
	// BurstSize is the token bucket capacity
	BurstSize int
	// KeyExtractor extracts the key for rate limiting (IP by default)
	KeyExtractor func(*http.Request) string
	// OnRateLimitExceeded writes the rejection response
	OnRateLimitExceeded func(http.ResponseWriter, *http.Request, time.Duration)
	// SkipPaths contains paths that should not be rate limited
	SkipPaths []string
	// IdleTimeout evicts limiters not used for this long
	IdleTimeout time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterStore keeps one token bucket per key.
type LimiterStore struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

// NewLimiterStore creates a store handing out limiters of the given rate.
func NewLimiterStore(rps float64, burst int, idle time.Duration) *LimiterStore {
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	if idle <= 0 {
		idle = time.Hour
	}
	return &LimiterStore{
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    idle,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Reserve takes a token for key. When none is available it returns false and
// how long the caller should wait.
func (s *LimiterStore) Reserve(key string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.entries[key] = entry
	}
	entry.lastSeen = now

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Cleanup drops limiters idle longer than the configured timeout.
func (s *LimiterStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idle)
	removed := 0
	for key, entry := range s.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RateLimit returns a rate limiting middleware. Rejected requests get 429
// with a Retry-After header.
func RateLimit(config RateLimitConfig) func(http.Handler) http.Handler {
	if config.KeyExtractor == nil {
		config.KeyExtractor = ClientIP
	}
	if config.OnRateLimitExceeded == nil {
		config.OnRateLimitExceeded = func(w http.ResponseWriter, r *http.Request, _ time.Duration) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		}
	}
	store := NewLimiterStore(config.RequestsPerSecond, config.BurstSize, config.IdleTimeout)

	var calls atomic.Uint64

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, skipPath := range config.SkipPaths {
				if r.URL.Path == skipPath {
					next.ServeHTTP(w, r)
					return
				}
			}

			// Sweep idle limiters every 1024 requests.
			if calls.Add(1)%1024 == 0 {
				store.Cleanup()
			}

			allowed, retryAfter := store.Reserve(config.KeyExtractor(r))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", config.RequestsPerSecond))
			if !allowed {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(retryAfter.Seconds())))
				config.OnRateLimitExceeded(w, r, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TrustedProxies holds additional trusted proxy IPs/CIDRs beyond private networks.
var TrustedProxies []string

// privateNetworks contains RFC 1918 private ranges + loopback.
var privateNetworks []*net.IPNet

func init() {
	privateCIDRs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"::1/128",
		"fc00::/7",
	}
	for _, cidr := range privateCIDRs {
		_, network, _ := net.ParseCIDR(cidr)
		privateNetworks = append(privateNetworks, network)
	}
}

// ClientIP returns the real client address. X-Forwarded-For and X-Real-IP
// are honored only when the direct peer is a private or trusted proxy.
func ClientIP(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)

	if isTrustedProxy(remoteIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			if clientIP := strings.TrimSpace(parts[0]); clientIP != "" {
				return clientIP
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	return remoteIP
}

// stripPort removes the port from an address like "192.168.1.1:12345"
func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

func isTrustedProxy(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP != nil {
		for _, network := range privateNetworks {
			if network.Contains(parsedIP) {
				return true
			}
		}
	}

	for _, trusted := range TrustedProxies {
		if strings.Contains(trusted, "/") {
			_, network, err := net.ParseCIDR(trusted)
			if err == nil && parsedIP != nil && network.Contains(parsedIP) {
				return true
			}
		} else if trusted == ip {
			return true
		}
	}
	return false
}
