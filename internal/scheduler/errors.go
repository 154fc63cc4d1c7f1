package scheduler

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

var (
	// ErrTickInProgress is returned by RunTick while another tick is executing.
	ErrTickInProgress = errors.New("tick already in progress")
	// ErrMissingDependency is returned by New when Store or Discovery is nil.
	ErrMissingDependency = errors.New("missing scheduler dependency")
)

// ExecutionError wraps a discovery failure for one subscription. The
// subscription keeps its NextRunAt, so the next tick picks it up again.
type ExecutionError struct {
	SubscriptionID int64
	Category       types.Category
	Err            error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("digest search for subscription %d (%s): %v", e.SubscriptionID, e.Category, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
