package extract

import (
	"context"
	"io"
	"time"
)

// Catalog lists the remote hierarchy: jurisdictions and, per
// jurisdiction, the project types available.
type Catalog interface {
	ListJurisdictions(ctx context.Context) ([]Jurisdiction, error)
	ListProjectTypes(ctx context.Context, jurisdictionID int) ([]ProjectType, error)
}

// RecordSource fetches one page of records for a (jurisdiction, project
// type, offset) triple and reports the declared total row count.
type RecordSource interface {
	FetchPage(ctx context.Context, jurisdictionID, projectTypeID, offset, pageSize int) ([]Record, int, error)
}

// CheckpointStore persists run progress. Load reports absence (a fresh
// run) without error; Save overwrites the durable record atomically.
type CheckpointStore interface {
	Load() (Checkpoint, bool, error)
	Save(cp Checkpoint) error
}

// RecordSink opens one writer per jurisdiction. Writers append
// records and span the jurisdiction's whole processing window.
type RecordSink interface {
	Open(ctx context.Context, j Jurisdiction) (RecordWriter, error)
}

// RecordWriter appends enriched records for a single jurisdiction.
type RecordWriter interface {
	Append(ctx context.Context, rec Record) error
	Close() error
	// Location identifies where records went (file path, table name).
	Location() string
}

// Notifier pushes jurisdiction-completion events downstream.
type Notifier interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Archiver uploads a finished output artifact and returns its URI.
type Archiver interface {
	Store(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Pauser abstracts how the pipeline sleeps between requests, pages and
// backoff windows. Implementations must return early when the context
// finishes.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}
