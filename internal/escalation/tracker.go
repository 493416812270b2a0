package escalation

import (
	"sync"
	"time"
)

// Observation records one side of an escalation seen by this process.
type Observation struct {
	QueryID     string
	Customer    string
	ForwardedAt time.Time
	ResolvedAt  time.Time
}

// Tracker keeps in-flight escalation observations for logging and metrics.
// It is an observation cache, not a correlation store: resolution is driven
// entirely by the query ID the agent echoes back, which the backend minted.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Observation
}

func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*Observation)}
}

// Forwarded notes that a price query was forwarded to the sales contact.
// The query ID is usually unknown at forward time (it is embedded in the
// forward text by the backend), so customer-keyed entries use the sender.
func (t *Tracker) Forwarded(customer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[customer] = &Observation{Customer: customer, ForwardedAt: time.Now()}
}

// Resolved notes that the agent's reply for queryID was accepted by the
// backend, optionally matching it back to the customer the backend named.
// Returns the elapsed time since the forward when one was observed.
func (t *Tracker) Resolved(queryID, customer string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obs, ok := t.pending[customer]
	if !ok {
		return 0, false
	}
	delete(t.pending, customer)
	obs.QueryID = queryID
	obs.ResolvedAt = time.Now()
	return obs.ResolvedAt.Sub(obs.ForwardedAt), true
}

// Pending returns the number of escalations awaiting an agent reply.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
