// Package ingest delivers best-effort indexing notifications to the inference
// service after a report has been extracted. Delivery is at-most-once: a task
// that fails is recorded and dropped, never retried.
package ingest

import (
	"context"
	"errors"
)

const SourceProcessingResult = "processing_result"

var (
	ErrQueueFull   = errors.New("ingest queue full")
	ErrQueueClosed = errors.New("ingest queue closed")
)

// Task is one notification. JobID is empty when no ingest_jobs row backs it.
type Task struct {
	JobID  string `json:"job_id,omitempty"`
	UserID uint64 `json:"user_id"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Queue accepts tasks without blocking the caller.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
}
