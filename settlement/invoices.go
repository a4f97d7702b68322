package settlement

import (
	"sync"
	"time"

	railpay "github.com/tigerhub/railpay"
)

// InvoiceRegistry holds issued invoices in memory. It backs both the
// orchestrator's expiry checks and the platform rail's synchronous
// pre-authorization lookups, which is why every read is lock-only:
// the pre-checkout path must not block on I/O.
type InvoiceRegistry struct {
	mu     sync.RWMutex
	byID   map[string]railpay.Invoice
	voided map[string]struct{}
}

// NewInvoiceRegistry creates an empty registry.
func NewInvoiceRegistry() *InvoiceRegistry {
	return &InvoiceRegistry{
		byID:   make(map[string]railpay.Invoice),
		voided: make(map[string]struct{}),
	}
}

// Put stores an invoice. Storing the same id again is a no-op: invoices
// are immutable once issued, and deterministic ids mean a retried
// create resolves to the already-issued invoice.
func (r *InvoiceRegistry) Put(inv railpay.Invoice) railpay.Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[inv.ID]; ok {
		return existing
	}
	r.byID[inv.ID] = inv
	return inv
}

// Lookup returns the invoice for id if it exists and was not voided.
func (r *InvoiceRegistry) Lookup(id string) (railpay.Invoice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, voided := r.voided[id]; voided {
		return railpay.Invoice{}, false
	}
	inv, ok := r.byID[id]
	return inv, ok
}

// Void explicitly terminates an invoice. Voiding an unknown or
// already-voided invoice is a no-op.
func (r *InvoiceRegistry) Void(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voided[id] = struct{}{}
}

// PruneExpired drops invoices whose deadline passed before cutoff.
// Intended for a periodic housekeeping call; settlement correctness
// never depends on it because expiry is checked at admission.
func (r *InvoiceRegistry) PruneExpired(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, inv := range r.byID {
		if inv.Deadline.Before(cutoff) {
			delete(r.byID, id)
			delete(r.voided, id)
			pruned++
		}
	}
	return pruned
}
