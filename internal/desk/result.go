package desk

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/marcin-skalski/p4desk/internal/p4"
	"github.com/marcin-skalski/p4desk/internal/reconcile"
	"github.com/marcin-skalski/p4desk/internal/swarm"
)

// Result is what every Desk operation returns. Failures never escape as
// errors or panics; they arrive as Success false with a readable Message.
type Result[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitzero"`
	Err     error  `json:"-"`
}

func ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func fail[T any](err error) Result[T] {
	return Result[T]{Message: message(err), Err: err}
}

// message turns an error into text for a user.
func message(err error) string {
	switch {
	case errors.Is(err, p4.ErrAuthentication):
		return "Not logged in to Perforce. Run 'p4 login' and try again. (" + err.Error() + ")"
	case errors.Is(err, swarm.ErrAuthentication):
		return "Review service rejected the cached login. Run 'p4 login -a' and try again."
	case errors.Is(err, swarm.ErrNetworkTimeout):
		return "Review service did not respond in time."
	case errors.Is(err, reconcile.ErrSafetyLimit):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "Cancelled."
	default:
		return err.Error()
	}
}

// call runs fn against the active session and converts its outcome into a
// Result, recovering panics.
func call[T any](ctx context.Context, d *Desk, op string, fn func(context.Context, *p4.Session) (T, error)) (res Result[T]) {
	logger := d.logger.With("op", op)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("operation panicked", "panic", p, "stack", string(debug.Stack()))
			err := fmt.Errorf("%s: internal error: %v", op, p)
			res = Result[T]{Message: err.Error(), Err: err}
		}
	}()

	data, err := fn(ctx, d.Session())
	if err != nil {
		logger.Warn("operation failed", "error", err)
		return fail[T](err)
	}
	return ok(data)
}
