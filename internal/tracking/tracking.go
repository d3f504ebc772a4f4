// Package tracking correlates spans of database writes with caller-supplied
// metadata. Entering a scope assigns a correlation UUID and an accumulating
// metadata map; while the scope is active, every statement executed through a
// connection wrapped by this package carries two transaction-local session
// settings (pgtrail.context_id and pgtrail.context_metadata) that database-side
// trigger logic reads to stamp event rows.
//
// Scopes travel on context.Context rather than ambient global state, so
// concurrent requests on different goroutines never observe each other's
// metadata. A single scope is not safe for interleaved use by two goroutines
// issuing writes through it at the same time; the protocol assumes one logical
// writer per scope lifetime.
package tracking

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

type scopeKey struct{}

// Scope is the handle for one tracking span. All writes issued with a context
// carrying an active Scope resolve to the same context row in the database.
type Scope struct {
	id uuid.UUID

	mu       sync.Mutex
	metadata map[string]any
	depth    int
}

// Enter opens a tracking scope, or joins the one already active on ctx.
//
// On the outermost call a fresh random id is generated and a new Scope is
// attached to the returned context. Nested calls do not create a new id:
// the supplied metadata is merged into the existing scope (last write wins
// per key) and the same handle is returned. Only the matching outermost
// Exit deactivates the scope; inner Exits are no-ops apart from balancing
// the nesting count.
func Enter(ctx context.Context, metadata map[string]any) (context.Context, *Scope) {
	if s, ok := fromContext(ctx); ok {
		s.mu.Lock()
		for k, v := range metadata {
			s.metadata[k] = v
		}
		s.depth++
		s.mu.Unlock()
		return ctx, s
	}

	s := &Scope{
		id:       uuid.New(),
		metadata: make(map[string]any, len(metadata)),
		depth:    1,
	}
	for k, v := range metadata {
		s.metadata[k] = v
	}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// Exit leaves the scope. The scope stops attaching context to statements once
// the outermost Enter has been balanced by an Exit; further Exits are no-ops.
func (s *Scope) Exit() {
	s.mu.Lock()
	if s.depth > 0 {
		s.depth--
	}
	s.mu.Unlock()
}

// ID returns the scope's correlation id.
func (s *Scope) ID() uuid.UUID { return s.id }

// Metadata returns a copy of the scope's accumulated metadata.
func (s *Scope) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// Active reports whether the scope still attaches context to statements.
func (s *Scope) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth > 0
}

// FromContext returns the active scope carried by ctx, if any. A scope whose
// outermost Enter has already been exited is not returned.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := fromContext(ctx)
	if !ok || !s.Active() {
		return nil, false
	}
	return s, true
}

func fromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	if !ok || s == nil {
		return nil, false
	}
	if !s.Active() {
		return nil, false
	}
	return s, true
}

// settings renders the two session-setting values: the id in text form and
// the metadata serialized as JSON.
func (s *Scope) settings() (id string, metadata string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(s.metadata)
	if err != nil {
		return "", "", err
	}
	return s.id.String(), string(raw), nil
}
