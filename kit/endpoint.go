// Package kit holds the transport-agnostic call plumbing shared by the
// HTTP and MCP surfaces: an Endpoint signature, middleware composition,
// and request-scoped context accessors.
package kit

import "context"

// Endpoint is a transport-agnostic request handler. Transports decode
// their wire format into a typed request, call the endpoint, and encode
// the response back out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares left-to-right: the first middleware in the
// slice is the outermost wrapper (executed first on the request path).
//
//	chained := Chain(logging, timeout)(base)
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
