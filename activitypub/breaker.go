package activitypub

import (
	"sync"
	"time"

	"github.com/deemkeen/mammut/metrics"
)

// HostBreaker is a per-destination-host circuit breaker. After threshold
// consecutive failures the host is short-circuited until cooldown elapses,
// turning would-be network timeouts into immediate local rejections.
type HostBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	hosts     map[string]*breakerState
}

type breakerState struct {
	consecutiveFailures int
	openUntil           time.Time
}

func NewHostBreaker(threshold int, cooldown time.Duration) *HostBreaker {
	return &HostBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		hosts:     make(map[string]*breakerState),
	}
}

// Allow reports whether deliveries to host may proceed
func (hb *HostBreaker) Allow(host string) bool {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	state, ok := hb.hosts[host]
	if !ok {
		return true
	}
	if state.openUntil.IsZero() {
		return true
	}
	if time.Now().After(state.openUntil) {
		// cooldown elapsed, half-open: allow one probe
		state.openUntil = time.Time{}
		state.consecutiveFailures = hb.threshold - 1
		return true
	}
	return false
}

// RecordSuccess resets the failure streak for host
func (hb *HostBreaker) RecordSuccess(host string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	delete(hb.hosts, host)
}

// RecordFailure counts a failure and opens the breaker once the streak
// reaches the threshold
func (hb *HostBreaker) RecordFailure(host string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	state, ok := hb.hosts[host]
	if !ok {
		state = &breakerState{}
		hb.hosts[host] = state
	}
	state.consecutiveFailures++
	if state.consecutiveFailures >= hb.threshold && state.openUntil.IsZero() {
		state.openUntil = time.Now().Add(hb.cooldown)
		metrics.BreakerOpens.WithLabelValues(host).Inc()
	}
}
