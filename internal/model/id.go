package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
// ULIDs sort by creation time, which keeps job listings cheap.
func NewID() string {
	return ulid.Make().String()
}

// NewTaskID generates a random UUID for queue tasks, which never need to be
// time-ordered.
func NewTaskID() string {
	return uuid.NewString()
}
