package daemonsim

import (
	"sync"
	"time"
)

// PendingSendLimiter tracks unresolved outgoing payments per session and caps
// how many a single session may have in flight.
type PendingSendLimiter struct {
	mu               sync.RWMutex
	maxPending       int
	pendingBySession map[string]map[string]time.Time // session -> paymentID -> tracked time
	paymentToSession map[string]string
}

// NewPendingSendLimiter creates a limiter. maxPending <= 0 means unlimited.
func NewPendingSendLimiter(maxPending int) *PendingSendLimiter {
	return &PendingSendLimiter{
		maxPending:       maxPending,
		pendingBySession: make(map[string]map[string]time.Time),
		paymentToSession: make(map[string]string),
	}
}

// CanSend reports whether session is under its pending limit.
func (l *PendingSendLimiter) CanSend(session string) bool {
	if l.maxPending <= 0 {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingBySession[session]) < l.maxPending
}

// PendingCount returns the number of unresolved sends for session.
func (l *PendingSendLimiter) PendingCount(session string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingBySession[session])
}

// Track records a new pending payment for session.
func (l *PendingSendLimiter) Track(session, paymentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingBySession[session] == nil {
		l.pendingBySession[session] = make(map[string]time.Time)
	}
	l.pendingBySession[session][paymentID] = time.Now()
	l.paymentToSession[paymentID] = session
}

// OnResolved stops tracking a payment once it settles or fails.
func (l *PendingSendLimiter) OnResolved(paymentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	session, ok := l.paymentToSession[paymentID]
	if !ok {
		return
	}

	delete(l.paymentToSession, paymentID)
	if payments := l.pendingBySession[session]; payments != nil {
		delete(payments, paymentID)
		if len(payments) == 0 {
			delete(l.pendingBySession, session)
		}
	}
}

// Forget drops every entry for session, used when sessions are revoked.
func (l *PendingSendLimiter) Forget(session string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for paymentID := range l.pendingBySession[session] {
		delete(l.paymentToSession, paymentID)
	}
	delete(l.pendingBySession, session)
}
