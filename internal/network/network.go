// Package network defines the capabilities this core consumes from the
// external confidential-compute gateway: submitting work, dispatching single
// blocks, and awaiting/fetching finalized results. The gateway protocol is
// opaque; ciphertext goes in and ciphertext comes out.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ripleyk/conclave/internal/model"
)

// SubmitResult is what the network hands back for an accepted submission.
type SubmitResult struct {
	ExternalRef       string
	ComputationOffset int64
	Encryption        *model.EncryptionContext
}

// Submitter submits a whole-payload computation to the network.
type Submitter interface {
	Submit(ctx context.Context, circuitID string, payload []byte, accounts []string) (*SubmitResult, error)
}

// Finalizer awaits confirmation for a submitted computation and fetches its
// ciphertext result.
type Finalizer interface {
	// AwaitFinalization blocks until the network confirms the computation at
	// the given offset or the timeout elapses, returning the finalization ref.
	AwaitFinalization(ctx context.Context, offset int64, timeout time.Duration) (string, error)
	// FetchResult retrieves the ciphertext result for a finalized computation.
	FetchResult(ctx context.Context, offset int64) (json.RawMessage, error)
}

// SubmissionError wraps a network rejection or timeout of a submit call.
// Submission errors are transient and retryable.
type SubmissionError struct {
	CircuitID string
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("network rejected submission for circuit %q: %v", e.CircuitID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// FinalizationTimeoutError is returned when the network never confirms a
// computation within the deadline. Retried up to the attempt cap, then fatal.
type FinalizationTimeoutError struct {
	Offset  int64
	Timeout time.Duration
}

func (e *FinalizationTimeoutError) Error() string {
	return fmt.Sprintf("computation at offset %d not finalized within %s", e.Offset, e.Timeout)
}
