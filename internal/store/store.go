package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/idex/internal/mapper"
)

// Status is the lifecycle state of a pipeline run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// SubmissionFile is one raw uploaded file.
type SubmissionFile struct {
	Name string
	Data []byte
}

// Submission is the immutable intake record. It is created once and
// never mutated; all downstream artifacts reference its id.
type Submission struct {
	ID        uuid.UUID
	DocType   string
	Files     []SubmissionFile
	CreatedAt time.Time
}

// Run tracks one submission through the pipeline stages. At most one
// active run exists per submission id.
type Run struct {
	SubmissionID uuid.UUID
	Stage        string
	Status       Status
	RetryCount   int
	// LastError preserves the raw underlying error for diagnostics.
	LastError string
	// Reason is the human-readable failure category surfaced to
	// callers; empty unless the run failed.
	Reason    string
	UpdatedAt time.Time
}

// RegionRef is a persisted extracted region (e.g. the portrait crop).
type RegionRef struct {
	Kind       string
	PageIndex  int
	Confidence float64
	Image      []byte // JPEG
}

// Record is the durable structured output of a successful run.
type Record struct {
	SubmissionID uuid.UUID
	DocType      string
	Fields       map[string]string
	CatchAll     []mapper.Pair
	// PageImages are the canonical pages as JPEG, kept for display.
	PageImages [][]byte
	CreatedAt  time.Time
}

// HistoryItem is one row of the recent-submissions listing.
type HistoryItem struct {
	SubmissionID uuid.UUID
	DocType      string
	Status       Status
	CreatedAt    time.Time
}

// ErrNotFound is returned when a submission, run, or record does not
// exist.
var ErrNotFound = errors.New("not found")

// Store is the durable boundary. PutRecord must commit the record and
// its regions atomically (an observer never sees one without the
// other) and must be safe to repeat for the same submission, since a
// run interrupted after its commit re-runs the persisting stage.
type Store interface {
	CreateSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error)

	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	// LoadResumableRuns returns runs that were queued or in flight
	// when the process stopped, so workers can resume them from the
	// recorded stage boundary.
	LoadResumableRuns(ctx context.Context) ([]*Run, error)

	PutRecord(ctx context.Context, rec *Record, regions []RegionRef) error
	GetRecord(ctx context.Context, id uuid.UUID) (*Record, []RegionRef, error)
	ListRecent(ctx context.Context, page, perPage int) ([]HistoryItem, int, error)

	Close() error
}
