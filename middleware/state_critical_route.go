package middleware

import (
	"os"

	"go.uber.org/zap"
)

// Guard wraps fn so a panic during its execution is logged and the
// process exits immediately rather than continuing. Used around the
// router's inbound dispatch: a panic while mutating the
// worker table, wz/rz bookkeeping, or address cache usually means a
// core invariant has already broken, and continuing to serve requests
// against corrupted state is worse than losing the process. A bare
// unrecovered panic would already terminate the program, but without
// this guard the stack trace carries no dispatch context (the
// requester's workerId, or "onResponse") to diagnose from.
func Guard(logger *zap.Logger, context string, fn func()) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("state critical dispatch panicked", zap.String("context", context), zap.Any("err", err))
			os.Exit(1)
		}
	}()
	fn()
}
