package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Connect attempt limits. A session id may try MaxAttemptsPerMinute times
// per minute; MaxConsecFailures failures in a row block it for
// BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = time.Minute
)

// ErrRateLimited is returned by Connect when the id is being throttled.
var ErrRateLimited = errors.New("too many connection attempts")

type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type rateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

type rateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*rateState
	nowFn  func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{config: cfg, state: make(map[string]*rateState), nowFn: time.Now}
}

func (rl *rateLimiter) get(id string) *rateState {
	s, ok := rl.state[id]
	if !ok {
		s = &rateState{}
		rl.state[id] = s
	}
	return s
}

// allow records an attempt, or refuses it with ErrRateLimited.
func (rl *rateLimiter) allow(id string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.get(id)
	if now.Before(s.blockedUntil) {
		return fmt.Errorf("%w: blocked for %s after %d consecutive failures",
			ErrRateLimited, s.blockedUntil.Sub(now).Truncate(time.Second), s.consecFailures)
	}

	cutoff := now.Add(-time.Minute)
	kept := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.attempts = kept

	if rl.config.MaxAttemptsPerMinute > 0 && len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		return fmt.Errorf("%w: %d attempts in the last minute (max %d)",
			ErrRateLimited, len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}
	s.attempts = append(s.attempts, now)
	return nil
}

func (rl *rateLimiter) success(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.get(id)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

func (rl *rateLimiter) failure(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.get(id)
	s.consecFailures++
	if rl.config.MaxConsecFailures > 0 && s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
	}
}
