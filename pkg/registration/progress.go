package registration

import "sync"

// CancelSentinel is the value Progress reports once cancellation was requested
const CancelSentinel = -1

// Progress is a shared, monotonically increasing completion indicator in
// percent. Writing the cancellation sentinel asks the worker to stop after
// its current step. The zero value is ready to use.
type Progress struct {
	mu        sync.Mutex
	value     float64
	cancelled bool
}

// Value returns the current percentage, or CancelSentinel
func (p *Progress) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return CancelSentinel
	}
	return p.value
}

// Set raises the percentage to v. Lower values and updates after a
// cancellation are ignored.
func (p *Progress) Set(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled || v < p.value {
		return
	}
	if v > 100 {
		v = 100
	}
	p.value = v
}

// Add increments the percentage by delta
func (p *Progress) Add(delta float64) {
	p.mu.Lock()
	v := p.value + delta
	p.mu.Unlock()
	p.Set(v)
}

// Cancel writes the cancellation sentinel
func (p *Progress) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

// Cancelled reports whether Cancel was called. A nil Progress is never cancelled.
func (p *Progress) Cancelled() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}
