// Package approval decides whether a tool action may run without user
// confirmation, and brokers the wait for a user's reply.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/undoable-org/undoable/internal/actionlog"
)

// Mode is the global approval policy.
type Mode string

const (
	// ModeAlways asks the user for every effectful action.
	ModeAlways Mode = "always"
	// ModeAutoSafe auto-approves safe categories (read, network).
	ModeAutoSafe Mode = "auto_safe"
	// ModeNever only asks for destructive actions.
	ModeNever Mode = "never"
)

// Decision is the gate's verdict for a single action.
type Decision string

const (
	DecisionAuto        Decision = "auto-approved"
	DecisionRequireUser Decision = "require-user"
	DecisionDeny        Decision = "deny"
)

// Evaluate maps an action category and the global mode to a decision.
// Reads are always auto-approved and destructive actions always require the
// user, regardless of mode.
func Evaluate(mode Mode, category actionlog.Category) Decision {
	switch category {
	case actionlog.CategoryRead:
		return DecisionAuto
	case actionlog.CategoryCompensation:
		// Compensations reverse already-approved actions.
		return DecisionAuto
	case actionlog.CategoryNetwork:
		if mode == ModeAutoSafe || mode == ModeNever {
			return DecisionAuto
		}
		return DecisionRequireUser
	case actionlog.CategoryMutate:
		if mode == ModeNever {
			return DecisionAuto
		}
		return DecisionRequireUser
	case actionlog.CategoryDestructive:
		return DecisionRequireUser
	default:
		return DecisionDeny
	}
}

// ErrTimeout is returned when no user decision arrives before the deadline.
var ErrTimeout = errors.New("approval_timeout")

// Broker parks executors waiting for a user decision, keyed by run id. The
// gateway resolves waits when the user replies.
type Broker struct {
	mu      sync.Mutex
	waiters map[string]chan bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{waiters: make(map[string]chan bool)}
}

// Wait blocks until the run's approval is resolved, the timeout elapses, or
// the context is cancelled. It returns the user's verdict.
func (b *Broker) Wait(ctx context.Context, runID string, timeout time.Duration) (bool, error) {
	ch := make(chan bool, 1)

	b.mu.Lock()
	b.waiters[runID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, runID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		return approved, nil
	case <-timer.C:
		return false, ErrTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve delivers the user's verdict to a waiting run. It returns false
// when nothing is waiting on the run.
func (b *Broker) Resolve(runID string, approved bool) bool {
	b.mu.Lock()
	ch, ok := b.waiters[runID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- approved:
		return true
	default:
		return false
	}
}

// Waiting reports whether a run is parked on an approval.
func (b *Broker) Waiting(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiters[runID]
	return ok
}
