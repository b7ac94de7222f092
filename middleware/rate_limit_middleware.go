package middleware

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/message"
)

// RateLimit admits calls through a token bucket of r calls per second with
// the given burst. Requests over the limit are answered with CodeRateLimited;
// notifications over the limit are dropped.
func RateLimit(responder Responder, r float64, burst int, logger *zap.Logger) dispatch.Guard {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, req *message.Request) dispatch.Verdict {
		if limiter.Allow() {
			return dispatch.Pass()
		}
		logger.Info("rate limit exceeded", zap.String("method", req.Method), zap.Stringer("id", req.ID))
		return reject(responder, req, message.NewError(message.CodeRateLimited, "rate limit exceeded"))
	}
}
