// Package requestctx carries the per-request models.RequestContext through
// context.Context so later middleware and handlers can read it.
package requestctx

import (
	"context"

	"aniyuu/internal/domain/models"
)

type ctxKey struct{}

// With returns a copy of ctx that carries rc.
func With(ctx context.Context, rc *models.RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From returns the request context stored in ctx, or nil.
func From(ctx context.Context) *models.RequestContext {
	rc, _ := ctx.Value(ctxKey{}).(*models.RequestContext)
	return rc
}

// Identity returns the authenticated identity, if any.
func Identity(ctx context.Context) (*models.Identity, bool) {
	rc := From(ctx)
	if !rc.Authenticated() {
		return nil, false
	}
	return rc.Identity, true
}

// Client returns the client metadata; zero value when the extractor did not run.
func Client(ctx context.Context) models.ClientInfo {
	rc := From(ctx)
	if rc == nil {
		return models.ClientInfo{}
	}
	return rc.Client
}
