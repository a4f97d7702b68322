package checkout

import (
	"context"
	"fmt"
	"time"

	railpay "github.com/tigerhub/railpay"
)

const (
	// DefaultPollInterval is the fixed delay between status checks.
	DefaultPollInterval = 2 * time.Second
	// DefaultPollAttempts bounds how many checks run before the session
	// times out into the pending-async state.
	DefaultPollAttempts = 15
)

// StatusChecker fetches the current charge record for a charge key.
// ok is false while the server has no record yet, which is a normal
// condition early in settlement, not an error.
type StatusChecker interface {
	CheckStatus(ctx context.Context, chargeKey string) (record *railpay.ChargeRecord, ok bool, err error)
}

// StatusCheckerFunc adapts a function to the StatusChecker interface.
type StatusCheckerFunc func(ctx context.Context, chargeKey string) (*railpay.ChargeRecord, bool, error)

func (f StatusCheckerFunc) CheckStatus(ctx context.Context, chargeKey string) (*railpay.ChargeRecord, bool, error) {
	return f(ctx, chargeKey)
}

// Poller drives a submitted session to confirmed or to the
// pending-async timeout by polling at a fixed interval.
type Poller struct {
	checker  StatusChecker
	interval time.Duration
	attempts int
}

// NewPoller creates a poller with the default interval and attempt
// budget. Use the With options to adjust.
func NewPoller(checker StatusChecker) *Poller {
	return &Poller{
		checker:  checker,
		interval: DefaultPollInterval,
		attempts: DefaultPollAttempts,
	}
}

// WithInterval sets the fixed delay between checks.
func (p *Poller) WithInterval(d time.Duration) *Poller {
	p.interval = d
	return p
}

// WithAttempts sets the attempt budget.
func (p *Poller) WithAttempts(n int) *Poller {
	p.attempts = n
	return p
}

// Poll moves the session from submitted into polling and checks the
// charge status until it is fulfilled, the attempt budget runs out, or
// the context ends. Exhausting the budget is not a failure: the
// session ends in the pending-async state and the final state is
// returned with a nil error.
func (p *Poller) Poll(ctx context.Context, session *Session) (State, error) {
	if session.ChargeKey() == "" {
		return session.State(), fmt.Errorf("session has no charge key to poll")
	}
	if err := session.BeginPolling(); err != nil {
		return session.State(), err
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 0; attempt < p.attempts; attempt++ {
		record, ok, err := p.checker.CheckStatus(ctx, session.ChargeKey())
		if err == nil && ok && record.Status == railpay.StatusFulfilled {
			if err := session.Confirm(record); err != nil {
				return session.State(), err
			}
			return StateConfirmed, nil
		}
		// Transient errors and not-yet-visible records both mean
		// "check again"; the async confirmation path covers whatever
		// polling misses.

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if err := session.TimeOutPendingAsync(); err != nil {
				return session.State(), err
			}
			return StateTimedOutPendingAsync, nil
		}
	}

	if err := session.TimeOutPendingAsync(); err != nil {
		return session.State(), err
	}
	return StateTimedOutPendingAsync, nil
}
