package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base with the correlation ids of ctx attached.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	for _, f := range logFields {
		if v := value(ctx, f.key); v != "" {
			lc = lc.Str(f.name, v)
		}
	}
	return lc.Logger()
}

// Detach returns a background context carrying the ids of ctx but none of
// its deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
