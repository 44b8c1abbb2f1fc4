package proxy

import (
	"context"

	"trustedge/internal/consent"
	"trustedge/internal/geo"
	"trustedge/internal/identity"
)

// Annotations bundle the per-request derivation outputs computed once by the
// enrichment middleware and consumed by every downstream handler.
type Annotations struct {
	Geo      geo.Signals
	Consent  consent.Decision
	Identity *identity.Identity // nil when consent denies derivation
}

type annotationsKey struct{}

// WithAnnotations stores the annotations in the context.
func WithAnnotations(ctx context.Context, a Annotations) context.Context {
	return context.WithValue(ctx, annotationsKey{}, a)
}

// FromContext returns the request annotations. The zero value (no geo,
// consent denied, no identity) is returned when enrichment never ran, which
// keeps unenriched paths fail-closed.
func FromContext(ctx context.Context) Annotations {
	a, _ := ctx.Value(annotationsKey{}).(Annotations)
	return a
}
