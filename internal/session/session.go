package session

import (
	"sync"

	"github.com/google/uuid"
)

// Identity holds the session and trace IDs for one connection plus a
// mutable, request-scoped attachment slot. It is not persistent: the slot
// is cleared at connection close and never survives a reconnect, per
// spec.md's Non-goal on persistent session state.
type Identity struct {
	sessionID string
	mu        sync.RWMutex
	traceID   string
	attach    any
}

// New assigns a fresh session ID (a v4 UUID) and defaults the trace ID to
// it, per spec.md's Connection "Identity" invariant.
func New() *Identity {
	id := uuid.NewString()
	return &Identity{sessionID: id, traceID: id}
}

// SessionID returns the immutable per-connection session identifier.
func (id *Identity) SessionID() string {
	return id.sessionID
}

// TraceID returns the current trace identifier.
func (id *Identity) TraceID() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.traceID
}

// SetTraceID overrides the trace identifier, typically from middleware that
// extracts a caller-supplied correlation ID.
func (id *Identity) SetTraceID(traceID string) {
	id.mu.Lock()
	id.traceID = traceID
	id.mu.Unlock()
}

// Attachment returns the connection's request-scoped user-data slot.
func (id *Identity) Attachment() any {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.attach
}

// SetAttachment replaces the connection's user-data slot. Applications use
// this to stash request-scoped state across a multi-frame exchange.
func (id *Identity) SetAttachment(v any) {
	id.mu.Lock()
	id.attach = v
	id.mu.Unlock()
}

// Clear drops the attachment slot; called from the owning connection's
// close path.
func (id *Identity) Clear() {
	id.mu.Lock()
	id.attach = nil
	id.mu.Unlock()
}
