// Package middleware provides building blocks for dispatch guards.
//
// A guard sees every inbound call before method lookup. Guards compose with
// Chain; the first one that does not Pass decides the call:
//
//	call ── Logging ──pass──→ Lifecycle ──pass──→ RateLimit ──pass──→ handler
//	                              │                   │
//	                           Handled             Handled
//	                     (error sent via Responder)
package middleware

import (
	"context"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/message"
)

// Responder answers a request out of band. *dispatch.Dispatcher implements it.
type Responder interface {
	Respond(id message.ID, result any, err error) error
}

// Chain combines guards into one. Guards run in order; nil guards are skipped.
// When every guard passes, their PassThen callbacks all run.
func Chain(guards ...dispatch.Guard) dispatch.Guard {
	return func(ctx context.Context, req *message.Request) dispatch.Verdict {
		passed := dispatch.Pass()
		for _, g := range guards {
			if g == nil {
				continue
			}
			v := g(ctx, req)
			if !v.IsPass() {
				return v
			}
			passed = passed.Join(v)
		}
		return passed
	}
}

// reject answers req with err when it is a request; notifications are dropped.
func reject(r Responder, req *message.Request, err *message.ResponseError) dispatch.Verdict {
	if !req.IsNotification() {
		_ = r.Respond(req.ID, nil, err)
	}
	return dispatch.Handled()
}
