// Package logctx carries a request-scoped logger on the context so deeper
// layers inherit the request's trace and identity fields.
package logctx

import (
	"context"

	"github.com/gamekeys/backend/internal/observability"
)

type ctxKey struct{}

// With returns a context carrying the logger. A nil logger leaves the
// context untouched.
func With(ctx context.Context, logger observability.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From returns the context logger, or nil when none was attached.
func From(ctx context.Context) observability.Logger {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(ctxKey{}).(observability.Logger)
	return l
}

// FromOr prefers the context logger and falls back otherwise.
func FromOr(ctx context.Context, fallback observability.Logger) observability.Logger {
	if l := From(ctx); l != nil {
		return l
	}
	return fallback
}
