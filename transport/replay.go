package transport

// ReplayProtection rejects packets whose sequence is not strictly greater
// than the highest sequence accepted so far on one direction of a session.
// Reordered packets are dropped along with duplicates; keep-alives and
// payloads are unreliable anyway.
type ReplayProtection struct {
	highest  uint64
	received bool
}

// AlreadyReceived reports whether seq must be rejected.
func (r *ReplayProtection) AlreadyReceived(seq uint64) bool {
	return r.received && seq <= r.highest
}

// Advance records an authenticated sequence.
func (r *ReplayProtection) Advance(seq uint64) {
	if !r.received || seq > r.highest {
		r.highest = seq
		r.received = true
	}
}

// Highest returns the highest accepted sequence and whether any was accepted.
func (r *ReplayProtection) Highest() (uint64, bool) {
	return r.highest, r.received
}

// Reset forgets every accepted sequence, for a fresh session.
func (r *ReplayProtection) Reset() {
	*r = ReplayProtection{}
}
