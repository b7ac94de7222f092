package middleware

import (
	"context"

	"go.uber.org/zap"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/message"
)

// Logging logs every inbound call at debug level and always passes.
func Logging(logger *zap.Logger) dispatch.Guard {
	return func(_ context.Context, req *message.Request) dispatch.Verdict {
		if req.IsNotification() {
			logger.Debug("inbound notification", zap.String("method", req.Method))
		} else {
			logger.Debug("inbound request", zap.String("method", req.Method), zap.Stringer("id", req.ID))
		}
		return dispatch.Pass()
	}
}
