// Package event defines the events emitted while an agent operation runs and
// the stream context stack that scopes them.
//
// Invariants:
// - Every context start has exactly one matching context end, even on failure.
// - A context path is its ancestors' ids joined with '.'.
// - A context's success event, when present, comes right before its end event.
// - Children close before their parent; branches may interleave.
//
// Usage:
//
//	sink := &event.Collector{}
//	s := event.NewStream(sink)
//	_ = s.Context(ctx, "c1", "c1", func(ctx context.Context, s *event.Stream) error {
//		return s.Output(ctx, "3")
//	})
package event
