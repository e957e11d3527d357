package agent

import (
	"sync"
	"time"
)

// RateLimiter is a per-sender sliding-window admission check. Owner
// exemption is the caller's job.
type RateLimiter struct {
	mu          sync.Mutex
	windows     map[string][]time.Time
	maxRequests int
	window      time.Duration
	lastSweep   time.Time
}

// NewRateLimiter allows maxRequests per sender within any windowHours span.
func NewRateLimiter(maxRequests int, windowHours float64) *RateLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &RateLimiter{
		windows:     make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      time.Duration(windowHours * float64(time.Hour)),
	}
}

// Admit records a request for senderID at now and reports whether it is
// within quota. A denied request leaves the window untouched. A stamp
// exactly one window old still counts.
func (r *RateLimiter) Admit(senderID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	r.sweep(now, cutoff)

	kept := live(r.windows[senderID], cutoff)
	if len(kept) >= r.maxRequests {
		r.windows[senderID] = kept
		return false
	}
	r.windows[senderID] = append(kept, now)
	return true
}

// Remaining returns how many more requests senderID may make at now.
func (r *RateLimiter) Remaining(senderID string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ts := range r.windows[senderID] {
		if !ts.Before(now.Add(-r.window)) {
			n++
		}
	}
	return max(r.maxRequests-n, 0)
}

// Senders returns how many senders are currently tracked.
func (r *RateLimiter) Senders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// sweep forgets senders with no stamp inside the window, at most once per
// window length.
func (r *RateLimiter) sweep(now, cutoff time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now
	for id, stamps := range r.windows {
		if kept := live(stamps, cutoff); len(kept) == 0 {
			delete(r.windows, id)
		} else {
			r.windows[id] = kept
		}
	}
}

// live filters stamps in place, dropping those older than cutoff.
func live(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
