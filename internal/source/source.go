// Package source defines the uniform abstraction over "a tagged stream of
// raw events, optionally unavailable" and its concrete implementations.
package source

import (
	"context"

	"agentdeck/internal/models"
)

// EventSource is one origin of events. Two concrete kinds exist: the live
// connection manager feed and poll-based sources over an external durable
// log (see RedisStreamSource).
type EventSource interface {
	// Name is the fixed tag attached to every event from this source.
	Name() string

	// Available is a one-shot probe. It never panics or errors past this
	// boundary; internal failures report as "not available". Callers must
	// not call Stream before a successful Available.
	Available(ctx context.Context) bool

	// Stream starts a fresh, potentially-infinite sequence of events. The
	// returned channel closes when the context is cancelled or the source
	// fails mid-flight; consumers drop a failed source without affecting
	// the others.
	Stream(ctx context.Context) <-chan models.SourceEvent
}
