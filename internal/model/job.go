package model

import (
	"encoding/json"
	"time"

	"github.com/ripleyk/conclave/internal/usererr"
)

// Job status constants.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusCancelling = "cancelling"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Job source kind constants.
const (
	SourceEncryptedBlob = "encrypted_blob"
	SourceEphemeral     = "ephemeral"
	SourceRetained      = "retained"
	SourceInline        = "inline"
)

// validTransitions maps each status to the set of statuses it may transition to.
// "running" appears as its own target because the finalization phase re-enters
// it after the submission phase.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusRunning:    true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelling: true,
		StatusCancelled:  true,
	},
	StatusCancelling: {
		StatusCancelled: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a status is terminal.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Source identifies where a job's input payload comes from. Exactly one of
// the ref fields is meaningful, selected by Kind.
type Source struct {
	Kind         string           `json:"kind"`
	BlobRef      string           `json:"blob_ref,omitempty"`
	EphemeralRef string           `json:"ephemeral_ref,omitempty"`
	RetainedKey  string           `json:"retained_key,omitempty"`
	InlineRows   []map[string]any `json:"inline_rows,omitempty"`
}

// EncryptionContext carries the public half of the client-side encryption
// material. The core never inspects the ciphertext itself.
type EncryptionContext struct {
	Nonce           string `json:"nonce"`
	ClientPublicKey string `json:"client_public_key"`
}

// ExecutionStep records one executed block node for observability.
type ExecutionStep struct {
	NodeID     string         `json:"node_id"`
	BlockID    string         `json:"block_id"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	DurationMS int            `json:"duration_ms"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
}

// Job represents one asynchronous computation request against the
// confidential-compute network.
type Job struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenant_id"`
	DatasetID         string             `json:"dataset_id,omitempty"`
	OperationID       string             `json:"operation_id"`
	Source            Source             `json:"source"`
	Status            string             `json:"status"`
	ExternalRef       string             `json:"external_ref,omitempty"`
	ComputationOffset *int64             `json:"computation_offset,omitempty"`
	Encryption        *EncryptionContext `json:"encryption,omitempty"`
	Result            json.RawMessage    `json:"result,omitempty"`
	Attestation       string             `json:"attestation,omitempty"`
	Error             *usererr.Error     `json:"error,omitempty"`
	CostCredits       *int64             `json:"cost_credits,omitempty"`
	CallbackURL       string             `json:"callback_url,omitempty"`
	Steps             []ExecutionStep    `json:"steps,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Operation is a named, tenant-owned computation: either a single block or a
// pipeline graph.
const (
	OperationBlock    = "block"
	OperationPipeline = "pipeline"
)

type Operation struct {
	ID        string              `json:"id"`
	TenantID  string              `json:"tenant_id"`
	Name      string              `json:"name"`
	Kind      string              `json:"kind"`
	BlockID   string              `json:"block_id,omitempty"`
	Pipeline  *PipelineDefinition `json:"pipeline,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Dataset is a tenant-owned reference to retained input data living in the
// object store. The bytes themselves are out of this core's hands.
type Dataset struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	ObjectKey string    `json:"object_key"`
	CreatedAt time.Time `json:"created_at"`
}
