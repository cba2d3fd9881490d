// Package store defines the key-based document store the engine persists
// jobs, sessions, tasks and resumes into. Records are JSON documents grouped
// into collections; Save is an upsert. Implementations live in subpackages.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/JakeFAU/autoapply/internal/jobs"
)

// Collections used by the engine.
const (
	CollectionJobs     = "jobs"
	CollectionSessions = "sessions"
	CollectionTasks    = "tasks"
	CollectionResumes  = "resumes"
)

var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Predicate filters raw documents during Query. A nil predicate matches all.
type Predicate func(json.RawMessage) bool

// Store persists JSON documents by collection and id.
type Store interface {
	// Save inserts or replaces the document.
	Save(ctx context.Context, collection, id string, record any) error
	// Get decodes the document into out or returns an error wrapping
	// jobs.ErrNotFound.
	Get(ctx context.Context, collection, id string, out any) error
	// Query returns matching documents ordered by id.
	Query(ctx context.Context, collection string, pred Predicate) ([]json.RawMessage, error)
	Close() error
}

// ValidateKey checks a collection and id before they reach a backend.
func ValidateKey(collection, id string) error {
	if !validName.MatchString(collection) {
		return fmt.Errorf("invalid collection %q", collection)
	}
	if id == "" {
		return fmt.Errorf("record id is required")
	}
	return nil
}

// NotFound builds the error returned for a missing document.
func NotFound(collection, id string) error {
	return fmt.Errorf("%s/%s: %w", collection, id, jobs.ErrNotFound)
}

// Failure wraps a backend error with jobs.ErrPersistence.
func Failure(op, collection string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", jobs.ErrPersistence, op, collection, err)
}

// Decode unmarshals raw documents into a typed slice.
func Decode[T any](raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Field returns a predicate matching documents whose top-level string field
// equals value.
func Field(name, value string) Predicate {
	return func(raw json.RawMessage) bool {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			return false
		}
		var got string
		if err := json.Unmarshal(doc[name], &got); err != nil {
			return false
		}
		return got == value
	}
}
