package radius

import "time"

// RetryScheduler decides where each attempt of a request goes. Attempt n is
// sent to server n mod servers; after maxRetries+1 sends the next expiry
// exhausts the request.
type RetryScheduler struct {
	attempt    int
	maxRetries int
	retryWait  time.Duration
	servers    int
}

// NewRetryScheduler returns a scheduler for a request over servers endpoints.
func NewRetryScheduler(maxRetries int, retryWait time.Duration, servers int) *RetryScheduler {
	return &RetryScheduler{
		maxRetries: maxRetries,
		retryWait:  retryWait,
		servers:    max(servers, 1),
	}
}

// Next returns the server index for the next send and advances the attempt
// counter. It reports false once every attempt has been used.
func (s *RetryScheduler) Next() (int, bool) {
	if s.Exhausted() {
		return 0, false
	}
	idx := s.attempt % s.servers
	s.attempt++
	return idx, true
}

// Exhausted reports whether no attempts remain.
func (s *RetryScheduler) Exhausted() bool {
	return s.attempt > s.maxRetries
}

// Attempts returns the number of sends so far.
func (s *RetryScheduler) Attempts() int { return s.attempt }

// Wait is the time to wait for a response to each send.
func (s *RetryScheduler) Wait() time.Duration { return s.retryWait }
