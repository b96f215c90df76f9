package pipeline

import (
	"fmt"
	"strings"
)

// ValidationError is returned when a graph is structurally invalid. It is
// always raised before any external dispatch.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid pipeline: " + e.Reason
}

// CycleError is returned when a graph contains at least one cycle. Remaining
// lists the node ids the scheduler could not order.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("pipeline contains a cycle involving nodes [%s]", strings.Join(e.Remaining, ", "))
}

// BlockExecutionError wraps a failed block dispatch with the node and block
// that failed. It aborts the remaining schedule.
type BlockExecutionError struct {
	NodeID  string
	BlockID string
	Err     error
}

func (e *BlockExecutionError) Error() string {
	return fmt.Sprintf("block %q (node %s) failed: %v", e.BlockID, e.NodeID, e.Err)
}

func (e *BlockExecutionError) Unwrap() error {
	return e.Err
}
