// Package dataset resolves a job's input payload from whichever source the
// job declares: an encrypted blob in the object store, a one-shot ephemeral
// upload, a retained dataset, or inline rows.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/store"
)

// MissingPayloadError is returned when a job has no resolvable source buffer
// or ciphertext.
type MissingPayloadError struct {
	JobID string
	Kind  string
}

func (e *MissingPayloadError) Error() string {
	return fmt.Sprintf("job %s has no resolvable payload for source kind %q", e.JobID, e.Kind)
}

// ObjectFetcher retrieves raw bytes from the object store by key.
type ObjectFetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// EphemeralCache holds one-shot uploaded payloads in memory until a worker
// claims them. Entries are consumed on read.
type EphemeralCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewEphemeralCache creates an empty cache.
func NewEphemeralCache() *EphemeralCache {
	return &EphemeralCache{entries: make(map[string][]byte)}
}

// Put stores a payload under the given ref.
func (c *EphemeralCache) Put(ref string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = payload
}

// Take removes and returns the payload for a ref.
func (c *EphemeralCache) Take(ref string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[ref]
	if ok {
		delete(c.entries, ref)
	}
	return p, ok
}

// Resolver turns a job's declared source into payload bytes.
type Resolver struct {
	store     store.Store
	fetcher   ObjectFetcher
	ephemeral *EphemeralCache
}

// NewResolver creates a payload resolver. fetcher may be nil when no object
// store is configured; blob and retained sources then fail with a missing
// payload error.
func NewResolver(s store.Store, fetcher ObjectFetcher, ephemeral *EphemeralCache) *Resolver {
	return &Resolver{store: s, fetcher: fetcher, ephemeral: ephemeral}
}

// Resolve returns the payload bytes for a job.
func (r *Resolver) Resolve(ctx context.Context, j *model.Job) ([]byte, error) {
	switch j.Source.Kind {
	case model.SourceInline:
		if len(j.Source.InlineRows) == 0 {
			return nil, &MissingPayloadError{JobID: j.ID, Kind: j.Source.Kind}
		}
		b, err := json.Marshal(j.Source.InlineRows)
		if err != nil {
			return nil, fmt.Errorf("marshal inline rows: %w", err)
		}
		return b, nil

	case model.SourceEphemeral:
		if j.Source.EphemeralRef == "" {
			return nil, &MissingPayloadError{JobID: j.ID, Kind: j.Source.Kind}
		}
		p, ok := r.ephemeral.Take(j.Source.EphemeralRef)
		if !ok {
			return nil, &MissingPayloadError{JobID: j.ID, Kind: j.Source.Kind}
		}
		return p, nil

	case model.SourceEncryptedBlob:
		if j.Source.BlobRef == "" || r.fetcher == nil {
			return nil, &MissingPayloadError{JobID: j.ID, Kind: j.Source.Kind}
		}
		b, err := r.fetcher.Fetch(ctx, j.Source.BlobRef)
		if err != nil {
			return nil, fmt.Errorf("fetch encrypted blob %q: %w", j.Source.BlobRef, err)
		}
		return b, nil

	case model.SourceRetained:
		key := j.Source.RetainedKey
		if key == "" && j.DatasetID != "" {
			ds, err := r.store.GetDataset(ctx, j.DatasetID)
			if err != nil {
				return nil, fmt.Errorf("look up dataset %s: %w", j.DatasetID, err)
			}
			key = ds.ObjectKey
		}
		if key == "" || r.fetcher == nil {
			return nil, &MissingPayloadError{JobID: j.ID, Kind: j.Source.Kind}
		}
		b, err := r.fetcher.Fetch(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("fetch retained dataset %q: %w", key, err)
		}
		return b, nil

	default:
		return nil, &MissingPayloadError{JobID: j.ID, Kind: j.Source.Kind}
	}
}
