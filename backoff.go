package chatsync

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ============================================================================
// Reconnector (transport-level, after a dropped connection)
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *Config) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts <= 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the delay before the next attempt and counts it.
// A connection that stayed up for a minute starts over from attempt zero.
func (r *reconnector) nextDelay() (attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay = time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RetryPolicy (caller-side, after a failed handshake)
// ============================================================================

// RetryPolicy paces manual reconnect attempts after a handshake failure:
// exponential delays from BaseDelay capped at MaxDelay for MaxAttempts
// attempts, then a single Cooldown wait after which counting starts over.
// This keeps retrying an unreachable server without a tight loop.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Cooldown    time.Duration

	attempt int
}

func (p *RetryPolicy) defaults() {
	if p.BaseDelay == 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Cooldown == 0 {
		p.Cooldown = 5 * time.Minute
	}
}

// Next returns the wait before the next attempt. cooldown is true when the
// attempt ceiling was reached; the counter is reset at that point.
func (p *RetryPolicy) Next() (delay time.Duration, cooldown bool) {
	if p.attempt >= p.MaxAttempts {
		p.attempt = 0
		return p.Cooldown, true
	}
	delay = p.BaseDelay << p.attempt
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	p.attempt++
	return delay, false
}

// Reset starts counting from zero, typically after a successful connect.
func (p *RetryPolicy) Reset() { p.attempt = 0 }

// Attempt returns the number of attempts since the last reset.
func (p *RetryPolicy) Attempt() int { return p.attempt }
