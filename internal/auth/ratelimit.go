package auth

import (
	"context"
	"sync"
	"time"
)

// LoginRateLimiter limits login attempts per client IP
type LoginRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*ipAttempts

	maxAttempts int
	window      time.Duration
	blockTime   time.Duration
	now         func() time.Time
}

type ipAttempts struct {
	count     int
	firstTime time.Time
	blockEnd  time.Time
}

func (a *ipAttempts) blocked(now time.Time) bool {
	return !a.blockEnd.IsZero() && now.Before(a.blockEnd)
}

// NewLoginRateLimiter creates a rate limiter allowing 5 attempts per
// 2 minutes and blocking for 5 minutes after that
func NewLoginRateLimiter() *LoginRateLimiter {
	return &LoginRateLimiter{
		attempts:    make(map[string]*ipAttempts),
		maxAttempts: 5,
		window:      2 * time.Minute,
		blockTime:   5 * time.Minute,
		now:         time.Now,
	}
}

// Allow records an attempt from ip and reports whether it may proceed.
// When blocked it also returns the seconds left until the block ends.
func (rl *LoginRateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	att, exists := rl.attempts[ip]
	if !exists {
		rl.attempts[ip] = &ipAttempts{count: 1, firstTime: now}
		return true, 0
	}

	if att.blocked(now) {
		return false, int(att.blockEnd.Sub(now).Seconds())
	}

	// Window or block expired
	if !att.blockEnd.IsZero() || now.Sub(att.firstTime) > rl.window {
		*att = ipAttempts{count: 1, firstTime: now}
		return true, 0
	}

	att.count++
	if att.count > rl.maxAttempts {
		att.blockEnd = now.Add(rl.blockTime)
		return false, int(rl.blockTime.Seconds())
	}

	return true, 0
}

// Reset clears the attempts of ip after a successful login
func (rl *LoginRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Run removes stale entries every 10 minutes until ctx is cancelled
func (rl *LoginRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *LoginRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, att := range rl.attempts {
		if att.blocked(now) {
			continue
		}
		if !att.blockEnd.IsZero() || now.Sub(att.firstTime) > rl.window {
			delete(rl.attempts, ip)
		}
	}
}
