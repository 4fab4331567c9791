package session

import (
	"sync"
	"time"
)

// Registry is the process-wide table of live calls.
//
// Rules:
// - Entries exist only between call.incoming and the terminal event.
// - Not persisted: crash-only design, rebuilt empty on restart. In-flight
//   calls at restart time are abandoned.
// - All mutations to one call's entry are serialized; calls with different
//   ids never contend beyond the map lock.
type Registry struct {
	mu    sync.Mutex
	calls map[string]Call

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		calls: make(map[string]Call),
		clock: time.Now,
	}
}

// Insert stores a fresh call record, replacing any stale entry with the
// same id. Returns true if an entry was replaced.
func (r *Registry) Insert(c Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.calls[c.ID]
	if c.Stats.StartedAt.IsZero() {
		c.Stats.StartedAt = r.clock().UTC()
		c.Stats.LastActivityAt = c.Stats.StartedAt
	}
	r.calls[c.ID] = c
	return replaced
}

// Get returns a copy of the call record.
func (r *Registry) Get(callID string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	return c, ok
}

// Upsert applies patch to the call's entry under the registry lock.
// Returns false if the call is not tracked; patch is not called in that case.
func (r *Registry) Upsert(callID string, patch func(*Call)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return false
	}
	patch(&c)
	r.calls[callID] = c
	return true
}

// Remove deletes the call record. Idempotent: removing an unknown id is a
// no-op returning false.
func (r *Registry) Remove(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[callID]
	delete(r.calls, callID)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// SetStage updates the lifecycle stage.
func (r *Registry) SetStage(callID string, stage Stage) bool {
	return r.Upsert(callID, func(c *Call) { c.Stage = stage })
}

// ClaimGreeting is a compare-and-set on the greeted flag: it returns true
// for exactly one of N concurrent claimants. The winner must call
// ReleaseGreeting if delivery ultimately fails so a later trigger may retry.
func (r *Registry) ClaimGreeting(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok || c.Greeted {
		return false
	}
	c.Greeted = true
	r.calls[callID] = c
	return true
}

// ReleaseGreeting rolls back a claimed greeting after a failed delivery.
func (r *Registry) ReleaseGreeting(callID string) {
	r.Upsert(callID, func(c *Call) { c.Greeted = false })
}

// MarkFunctionStream records whether a function-call stream is open.
func (r *Registry) MarkFunctionStream(callID string, open bool) {
	r.Upsert(callID, func(c *Call) { c.HasFunctionStream = open })
}

// Touch bumps the advisory activity counters.
func (r *Registry) Touch(callID string) {
	now := r.clock().UTC()
	r.Upsert(callID, func(c *Call) {
		c.Stats.LastActivityAt = now
		c.Stats.MessageCount++
	})
}

// MarkInterrupted records a barge-in by the remote party.
func (r *Registry) MarkInterrupted(callID string) {
	r.Upsert(callID, func(c *Call) { c.Stats.Interrupted = true })
}

// Snapshot returns copies of all live call records.
func (r *Registry) Snapshot() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	return out
}

// Counts returns the diagnostic totals served by the health endpoint.
func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Counts{ActiveCalls: len(r.calls)}
	for _, c := range r.calls {
		if c.Greeted {
			out.GreetedCalls++
		}
		if c.HasFunctionStream {
			out.FunctionStreams++
		}
	}
	return out
}
