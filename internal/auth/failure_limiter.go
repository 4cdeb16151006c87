package auth

import (
	"sync"
	"time"
)

// failureAttempt tracks failed authentications from one client
type failureAttempt struct {
	Count    int
	FirstTry time.Time
	LastTry  time.Time
}

// FailureLimiter refuses clients after too many failed authentications
// inside a time window.
type FailureLimiter struct {
	attempts map[string]*failureAttempt
	mu       sync.RWMutex

	maxFailures int
	window      time.Duration
	now         func() time.Time
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewFailureLimiter creates a limiter allowing maxFailures per window.
func NewFailureLimiter(maxFailures int, window time.Duration) *FailureLimiter {
	l := &FailureLimiter{
		attempts:    make(map[string]*failureAttempt),
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
		stop:        make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether the client may attempt to authenticate.
func (l *FailureLimiter) Allow(ip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	attempt, exists := l.attempts[ip]
	if !exists {
		return true
	}
	if l.now().Sub(attempt.FirstTry) > l.window {
		return true
	}
	return attempt.Count < l.maxFailures
}

// RecordFailure records a failed authentication
func (l *FailureLimiter) RecordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	attempt, exists := l.attempts[ip]
	if !exists || now.Sub(attempt.FirstTry) > l.window {
		l.attempts[ip] = &failureAttempt{Count: 1, FirstTry: now, LastTry: now}
		return
	}

	attempt.Count++
	attempt.LastTry = now
}

// Reset forgets the failures of a client
func (l *FailureLimiter) Reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}

// Failures returns the current failure count for a client
func (l *FailureLimiter) Failures(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	attempt, exists := l.attempts[ip]
	if !exists || l.now().Sub(attempt.FirstTry) > l.window {
		return 0
	}
	return attempt.Count
}

// Stop ends the cleanup goroutine.
func (l *FailureLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// cleanupLoop periodically removes expired entries
func (l *FailureLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *FailureLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, attempt := range l.attempts {
		if now.Sub(attempt.LastTry) > l.window {
			delete(l.attempts, ip)
		}
	}
}
