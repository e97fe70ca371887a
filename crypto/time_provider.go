package crypto

import (
	"sync"
	"time"
)

// TimeProvider abstracts time operations for deterministic testing.
// The client, the server and the replay store read the clock only through
// this interface. Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// MockTimeProvider is a controllable clock. Tests advance it explicitly to
// drive retransmission and timeout behavior without sleeping.
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

// NewMockTimeProvider creates a MockTimeProvider starting at the specified time.
func NewMockTimeProvider(start time.Time) *MockTimeProvider {
	return &MockTimeProvider{currentTime: start}
}

// Now returns the mock's current time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// Since returns the duration since t based on the mock's current time.
func (m *MockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the mock time forward by the specified duration.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

// Set updates the mock time to the specified time.
func (m *MockTimeProvider) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = t
}

// getTimeProvider returns tp, or the default provider when tp is nil.
func getTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return DefaultTimeProvider{}
}
