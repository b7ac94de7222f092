package middleware

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"mini-jsonrpc/dispatch"
	"mini-jsonrpc/message"
)

// Lifecycle states.
const (
	StateUninitialized int32 = iota
	StateInitializing
	StateRunning
	StateShutDown
)

// Lifecycle gates calls on the initialize/shutdown/exit handshake used by
// language servers:
//
//	uninitialized ──initialize──→ initializing ──ok──→ running ──shutdown──→ shut down
//	                                    └──────error──→ uninitialized
//
// The server counts as initialized only once the initialize handler has
// succeeded. Until then, requests fail with CodeServerNotInitialized. After
// shutdown, requests fail with CodeInvalidRequest. Outside running, every
// notification except exit is dropped.
type Lifecycle struct {
	responder Responder
	logger    *zap.Logger
	state     atomic.Int32

	Initialize string
	Shutdown   string
	Exit       string
}

// NewLifecycle returns a gate using the standard LSP method names.
func NewLifecycle(responder Responder, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		responder:  responder,
		logger:     logger,
		Initialize: "initialize",
		Shutdown:   "shutdown",
		Exit:       "exit",
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() int32 {
	return l.state.Load()
}

// Guard returns the gate as a dispatch guard.
func (l *Lifecycle) Guard() dispatch.Guard {
	return func(_ context.Context, req *message.Request) dispatch.Verdict {
		if req.Method == l.Exit {
			return dispatch.Pass()
		}
		switch l.state.Load() {
		case StateUninitialized:
			if req.Method == l.Initialize && !req.IsNotification() && l.state.CompareAndSwap(StateUninitialized, StateInitializing) {
				return dispatch.PassThen(l.initialized)
			}
			l.logger.Debug("call before initialize", zap.String("method", req.Method))
			return reject(l.responder, req, message.Errorf(message.CodeServerNotInitialized, "server not initialized: %s", req.Method))
		case StateInitializing:
			if req.Method == l.Initialize && !req.IsNotification() {
				return reject(l.responder, req, message.NewError(message.CodeInvalidRequest, "initialize already in progress"))
			}
			l.logger.Debug("call during initialize", zap.String("method", req.Method))
			return reject(l.responder, req, message.Errorf(message.CodeServerNotInitialized, "server not initialized: %s", req.Method))
		case StateRunning:
			if req.Method == l.Initialize && !req.IsNotification() {
				return reject(l.responder, req, message.NewError(message.CodeInvalidRequest, "server already initialized"))
			}
			if req.Method == l.Shutdown && !req.IsNotification() {
				l.state.Store(StateShutDown)
			}
			return dispatch.Pass()
		default:
			l.logger.Debug("call after shutdown", zap.String("method", req.Method))
			return reject(l.responder, req, message.Errorf(message.CodeInvalidRequest, "server is shutting down: %s", req.Method))
		}
	}
}

func (l *Lifecycle) initialized(err error) {
	if err != nil {
		l.logger.Debug("initialize failed", zap.Error(err))
		l.state.CompareAndSwap(StateInitializing, StateUninitialized)
		return
	}
	l.state.CompareAndSwap(StateInitializing, StateRunning)
}
