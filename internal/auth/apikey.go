package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/snapsync/snapsync/internal/middleware"
)

// HeaderAPIKey carries the caller's API key.
const HeaderAPIKey = "X-API-Key"

var (
	ErrUnauthorized      = errors.New("missing or invalid API key")
	ErrTooManyAttempts   = errors.New("too many failed authentication attempts")
	ErrNoCredentials     = errors.New("authentication enabled but neither auth.api_key nor auth.api_key_hash is set")
	ErrInvalidKeyHash    = errors.New("auth.api_key_hash is not a bcrypt hash")
	ErrDatasetNotAllowed = errors.New("dataset not allowed")
)

// Options configures an Authenticator.
type Options struct {
	Enabled bool
	APIKey  string // plain key
	KeyHash string // bcrypt hash of the key, preferred when both are set

	// Failed attempts per client IP before further attempts are refused
	MaxFailures   int
	FailureWindow time.Duration

	Logger *logrus.Logger
}

// Authenticator validates the API key header on incoming requests.
type Authenticator struct {
	enabled bool
	key     []byte
	hash    []byte
	limiter *FailureLimiter
	logger  *logrus.Logger
}

// NewAuthenticator creates an authenticator. With authentication enabled a
// key or a bcrypt key hash is required.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	a := &Authenticator{enabled: opts.Enabled, logger: opts.Logger}
	if !opts.Enabled {
		opts.Logger.Warn("API key authentication is disabled")
		return a, nil
	}

	switch {
	case opts.KeyHash != "":
		if _, err := bcrypt.Cost([]byte(opts.KeyHash)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyHash, err)
		}
		a.hash = []byte(opts.KeyHash)
	case opts.APIKey != "":
		a.key = []byte(opts.APIKey)
	default:
		return nil, ErrNoCredentials
	}

	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 10
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = time.Minute
	}
	a.limiter = NewFailureLimiter(opts.MaxFailures, opts.FailureWindow)
	return a, nil
}

// Enabled reports whether requests must carry a key.
func (a *Authenticator) Enabled() bool { return a.enabled }

// Verify compares key with the configured credential.
func (a *Authenticator) Verify(key string) bool {
	if !a.enabled {
		return true
	}
	if key == "" {
		return false
	}
	if a.hash != nil {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare(a.key, []byte(key)) == 1
}

// Authenticate checks the request's API key. Clients that keep failing are
// refused for the rest of the failure window.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if !a.enabled {
		return nil
	}

	ip := middleware.ClientIP(r)
	if !a.limiter.Allow(ip) {
		return ErrTooManyAttempts
	}

	if !a.Verify(r.Header.Get(HeaderAPIKey)) {
		a.limiter.RecordFailure(ip)
		a.logger.WithFields(logrus.Fields{
			"remote_ip": ip,
			"path":      r.URL.Path,
		}).Warn("Rejected request with invalid API key")
		return ErrUnauthorized
	}

	a.limiter.Reset(ip)
	return nil
}

// Close stops background cleanup.
func (a *Authenticator) Close() {
	if a.limiter != nil {
		a.limiter.Stop()
	}
}

// HashAPIKey returns a bcrypt hash suitable for auth.api_key_hash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
