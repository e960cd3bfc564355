package common

import "sync"

// InFlightLimiter limits concurrent "in-flight" operations.
// Acquire on entry, release when done; callers that fail to acquire
// back off instead of queueing.
//
// max <= 0 means unlimited. It is safe for concurrent use.
type InFlightLimiter struct {
	mu       sync.Mutex
	inFlight int
	max      int
}

func NewInFlightLimiter(max int) *InFlightLimiter {
	return &InFlightLimiter{max: max}
}

func (l *InFlightLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// TryAcquire increments the in-flight counter if under the limit.
// Returns true if acquired.
func (l *InFlightLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.inFlight >= l.max {
		return false
	}
	l.inFlight++
	return true
}

// Release decrements the in-flight counter; clamps at 0.
func (l *InFlightLimiter) Release() {
	l.mu.Lock()
	if l.inFlight > 0 {
		l.inFlight--
	}
	l.mu.Unlock()
}
