package driver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lewta/admit/internal/task"
)

// Driver executes a single admitted task and returns its result. A result
// carrying a response must carry it even when Error is set, so that the
// rate-limit headers of failed requests are still observed.
type Driver interface {
	Execute(ctx context.Context, t task.Task) task.Result
}

// TransportError reports a failed request: a network failure, a timeout,
// or a response whose status is outside 2xx (StatusCode > 0).
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
