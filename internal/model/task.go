package model

import "time"

// TaskKind distinguishes the two phases of the submit/finalize protocol.
// Tasks of both kinds live in one durable queue; each worker claims only
// its own kind.
type TaskKind string

const (
	TaskSubmit   TaskKind = "submit"
	TaskFinalize TaskKind = "finalize"
)

// Task is one pending unit of asynchronous work for a job.
type Task struct {
	ID        string    `json:"id"`
	Kind      TaskKind  `json:"kind"`
	JobID     string    `json:"job_id"`
	Attempt   int       `json:"attempt"`
	RunAfter  time.Time `json:"run_after"`
	CreatedAt time.Time `json:"created_at"`
}
