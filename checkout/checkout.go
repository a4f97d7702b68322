// Package checkout models the buyer side of a purchase as an explicit
// state machine. Every transition is validated, so a client cannot
// cancel a payment that already left the device or mark a broadcast
// payment as failed.
package checkout

import (
	"fmt"
	"sync"
	"time"

	railpay "github.com/tigerhub/railpay"
)

// State is a checkout session state.
type State string

const (
	// StateIdle is the initial state: an invoice exists, no rail chosen.
	StateIdle State = "idle"
	// StateRailSelected means the buyer picked a payment rail.
	StateRailSelected State = "rail_selected"
	// StateAuthorizing means the buyer is producing the payment
	// artifact (signing, or confirming in the platform UI).
	StateAuthorizing State = "authorizing"
	// StateSubmitted means the artifact left the client. From here the
	// payment may already be irrevocable; cancellation is no longer
	// allowed.
	StateSubmitted State = "submitted"
	// StatePolling means the client is polling for confirmation.
	StatePolling State = "polling"
	// StateConfirmed is terminal: the server confirmed fulfillment.
	StateConfirmed State = "confirmed"
	// StateTimedOutPendingAsync is terminal for the session but not for
	// the payment: polling gave up, the server will confirm
	// asynchronously. It must never be rendered as a failure.
	StateTimedOutPendingAsync State = "timed_out_pending_async"
	// StateCancelled is terminal: the buyer backed out before any
	// artifact was submitted.
	StateCancelled State = "cancelled"
	// StateFailed is terminal: the payment was rejected before
	// submission completed (signing error, explicit server rejection
	// of the pre-submit request).
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateTimedOutPendingAsync, StateCancelled, StateFailed:
		return true
	}
	return false
}

// transitions lists the allowed successor states for each state.
var transitions = map[State][]State{
	StateIdle:         {StateRailSelected, StateCancelled},
	StateRailSelected: {StateAuthorizing, StateRailSelected, StateCancelled},
	StateAuthorizing:  {StateSubmitted, StateFailed, StateCancelled},
	StateSubmitted:    {StatePolling, StateConfirmed},
	StatePolling:      {StateConfirmed, StateTimedOutPendingAsync},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is a single checkout attempt for one invoice. It is safe for
// concurrent use: the UI goroutine and the poller goroutine may both
// drive it.
type Session struct {
	mu      sync.Mutex
	invoice railpay.Invoice
	rail    railpay.Rail
	state   State
	// chargeKey is set once the artifact is submitted.
	chargeKey string
	// record holds the last server-observed charge record, if any.
	record *railpay.ChargeRecord
	err    error
	// history records every state the session passed through.
	history []State
}

// NewSession starts a checkout for an invoice.
func NewSession(inv railpay.Invoice) *Session {
	return &Session{
		invoice: inv,
		state:   StateIdle,
		history: []State{StateIdle},
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns the states the session has passed through, in order.
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, len(s.history))
	copy(out, s.history)
	return out
}

// Invoice returns the invoice being paid.
func (s *Session) Invoice() railpay.Invoice {
	return s.invoice
}

// Rail returns the selected rail, empty until SelectRail succeeds.
func (s *Session) Rail() railpay.Rail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rail
}

// ChargeKey returns the charge key, empty until Submit succeeds.
func (s *Session) ChargeKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chargeKey
}

// Record returns the last charge record observed from the server.
func (s *Session) Record() *railpay.ChargeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Err returns the failure cause when the session is in StateFailed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) transition(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("invalid checkout transition %s -> %s", s.state, to)
	}
	s.state = to
	s.history = append(s.history, to)
	return nil
}

// SelectRail picks (or re-picks) the payment rail. Allowed from idle
// and from rail_selected, so the buyer can change their mind before
// authorizing.
func (s *Session) SelectRail(rail railpay.Rail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateRailSelected); err != nil {
		return err
	}
	s.rail = rail
	return nil
}

// BeginAuthorization marks the start of artifact production.
func (s *Session) BeginAuthorization() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateAuthorizing)
}

// Submit records that the artifact left the client. After this point
// the session can no longer be cancelled or failed: the money may
// already be in flight, so the only way out is confirmation or the
// pending-async timeout.
func (s *Session) Submit(chargeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chargeKey == "" {
		return fmt.Errorf("submit requires a charge key")
	}
	if err := s.transition(StateSubmitted); err != nil {
		return err
	}
	s.chargeKey = chargeKey
	return nil
}

// Cancel backs out of the checkout. Rejected once the artifact has
// been submitted.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateCancelled)
}

// Fail records a pre-submission failure such as a signing error.
func (s *Session) Fail(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateFailed); err != nil {
		return err
	}
	s.err = cause
	return nil
}

// BeginPolling moves the session into the polling state.
func (s *Session) BeginPolling() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StatePolling)
}

// Confirm records server-side confirmation. Valid from submitted (a
// synchronous settle response) or polling (a poll hit).
func (s *Session) Confirm(record *railpay.ChargeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateConfirmed); err != nil {
		return err
	}
	s.record = record
	return nil
}

// TimeOutPendingAsync ends polling without a confirmation. The payment
// is not failed; the server will finish it via its async path.
func (s *Session) TimeOutPendingAsync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateTimedOutPendingAsync)
}

// PendingSince reports how long the session has been alive relative to
// the invoice issue time. Useful for UIs showing "still working".
func (s *Session) PendingSince(now time.Time) time.Duration {
	return now.Sub(s.invoice.IssuedAt)
}
