package gateway

import (
	"net/http"
	"sync"
)

// ConnLimiter caps concurrent connections per client key.
type ConnLimiter struct {
	mu       sync.Mutex
	maxConns int
	counts   map[string]int
}

func NewConnLimiter(maxConns int) *ConnLimiter {
	return &ConnLimiter{
		maxConns: maxConns,
		counts:   make(map[string]int),
	}
}

func (l *ConnLimiter) Acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.counts[key]
	if count >= l.maxConns {
		return false
	}
	l.counts[key] = count + 1
	return true
}

func (l *ConnLimiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.counts[key]; count > 1 {
		l.counts[key] = count - 1
		return
	}
	delete(l.counts, key)
}

func (l *ConnLimiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key]
}

func writeConnectionLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(`{"error":"connection limit exceeded"}`))
}
