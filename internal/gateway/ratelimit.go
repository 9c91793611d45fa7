package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a global requests-per-minute cap plus a
// per-agent cap. Agent limiters are created lazily on first sight.
type RateLimiter struct {
	global *rate.Limiter

	mu       sync.Mutex
	perAgent map[string]*rate.Limiter
	agentRPM int
}

// NewRateLimiter creates a limiter from per-minute budgets. A
// non-positive budget disables that layer.
func NewRateLimiter(globalRPM, agentRPM int) *RateLimiter {
	rl := &RateLimiter{
		perAgent: make(map[string]*rate.Limiter),
		agentRPM: agentRPM,
	}
	if globalRPM > 0 {
		rl.global = rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), burstFor(globalRPM))
	}
	return rl
}

// Allow reports whether a request attributed to agentID may proceed.
func (rl *RateLimiter) Allow(agentID string) bool {
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.agentRPM <= 0 {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.perAgent[agentID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.agentRPM)/60.0), burstFor(rl.agentRPM))
		rl.perAgent[agentID] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

func burstFor(rpm int) int {
	burst := rpm / 10
	if burst < 1 {
		burst = 1
	}
	return burst
}
