// Package refresh serializes token refresh: at most one network refresh runs
// at a time, concurrent callers share its outcome, and a bounded attempt
// budget turns repeated failures into a terminal authorization error.
package refresh

import (
	"context"
	"errors"
	"sync"
)

// Sentinel errors returned by EnsureFresh.
var (
	// ErrAuthorizationExpired is terminal: the refresh budget is exhausted
	// and the session must be purged. Further calls fail immediately with
	// this error, without a network call, until Reset (new sign-in).
	ErrAuthorizationExpired = errors.New("refresh: authentication expired")
	// ErrCanceled rejects waiters of an in-flight refresh that was torn
	// down by sign-out.
	ErrCanceled = errors.New("refresh: canceled by sign-out")
)

// DefaultMaxAttempts is the refresh budget per session lifetime.
const DefaultMaxAttempts = 3

// Func performs one network refresh and returns the new access token.
type Func func(ctx context.Context) (string, error)

// flight is one in-flight refresh. finish is idempotent so sign-out and the
// runner cannot race on delivering the outcome.
type flight struct {
	done  chan struct{}
	token string
	err   error
	once  sync.Once
}

func (f *flight) finish(token string, err error) {
	f.once.Do(func() {
		f.token, f.err = token, err
		close(f.done)
	})
}

// Coordinator guarantees single-flight refresh with a global attempt budget.
// Safe for concurrent use.
type Coordinator struct {
	run         Func
	maxAttempts int

	// OnTerminal, when set, runs once when the budget is exhausted, before
	// waiters are released. The session manager uses it to purge all local
	// session state.
	OnTerminal func()

	mu        sync.Mutex
	attempts  int
	exhausted bool
	inflight  *flight
}

// NewCoordinator returns a Coordinator that calls run for actual refreshes.
// maxAttempts <= 0 uses DefaultMaxAttempts.
func NewCoordinator(run Func, maxAttempts int) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{run: run, maxAttempts: maxAttempts}
}

// EnsureFresh returns a fresh access token. If a refresh is already in
// flight the call blocks on that flight's outcome; otherwise it becomes the
// runner and issues exactly one network refresh. Every failed run counts
// against the budget; success resets it.
func (c *Coordinator) EnsureFresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.exhausted {
		c.mu.Unlock()
		return "", ErrAuthorizationExpired
	}
	if fl := c.inflight; fl != nil {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-fl.done:
			return fl.token, fl.err
		}
	}
	fl := &flight{done: make(chan struct{})}
	c.inflight = fl
	c.attempts++
	c.mu.Unlock()

	token, err := c.run(ctx)

	var terminal func()
	c.mu.Lock()
	if c.inflight == fl {
		c.inflight = nil
		if err == nil {
			c.attempts = 0
		} else if c.attempts >= c.maxAttempts {
			c.exhausted = true
			err = ErrAuthorizationExpired
			terminal = c.OnTerminal
		}
	}
	// If Reset ran during c.run, the flight already finished with
	// ErrCanceled; fl.finish below is then a no-op and everyone, runner
	// included, observes the cancellation.
	c.mu.Unlock()

	if terminal != nil {
		terminal()
	}
	fl.finish(token, err)
	return fl.token, fl.err
}

// Reset clears the attempt budget and terminal state, and rejects any
// waiters of an in-flight refresh with ErrCanceled. Called on sign-out and
// after a fresh sign-in; never leaves callers blocked.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	fl := c.inflight
	c.inflight = nil
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()
	if fl != nil {
		fl.finish("", ErrCanceled)
	}
}

// Attempts reports the failed-attempt count consumed so far.
func (c *Coordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Exhausted reports whether the budget is spent and the coordinator is in
// the terminal state.
func (c *Coordinator) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}
