package call

import "github.com/petervdpas/peerlobby/internal/signal"

// candidateQueue buffers connectivity candidates that arrive before a remote
// description is installed. Candidates must never reach the connection early,
// but must never be silently dropped either: they wait here until the next
// description install, then flush in arrival order.
//
// Owned by one session and only touched from the coordinator loop, so no
// locking.
type candidateQueue struct {
	pending []signal.CandidateInit
}

// Enqueue appends a candidate. O(1).
func (q *candidateQueue) Enqueue(c signal.CandidateInit) {
	q.pending = append(q.pending, c)
}

// Flush applies every queued candidate in original arrival order. A failed
// apply is skipped, not retried — one malformed or stale candidate must not
// block the rest. The queue is empty afterwards regardless; failed counts
// are returned for logging.
func (q *candidateQueue) Flush(apply func(signal.CandidateInit) error) (applied, failed int) {
	for _, c := range q.pending {
		if err := apply(c); err != nil {
			failed++
			continue
		}
		applied++
	}
	q.pending = nil
	return applied, failed
}

// Clear drops everything. Called unconditionally on session teardown.
func (q *candidateQueue) Clear() {
	q.pending = nil
}

// Len returns the number of buffered candidates.
func (q *candidateQueue) Len() int {
	return len(q.pending)
}
