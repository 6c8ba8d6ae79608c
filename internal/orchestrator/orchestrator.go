// Package orchestrator drives the extraction walk: jurisdictions, their
// project types, and their record pages, in strict listing order, with
// durable checkpoints along the way.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/permitlead/harvester/internal/clock/system"
	"github.com/permitlead/harvester/internal/extract"
	"github.com/permitlead/harvester/internal/progress"
)

// Config holds the pacing and batching knobs of a run.
type Config struct {
	// RunID stamps every record and completion event of this run.
	RunID string
	// PageSize is the record batch size requested per page.
	PageSize int
	// CheckpointInterval coalesces checkpoint saves: one save per this
	// many records within a project type, plus one unconditional save
	// per finished jurisdiction.
	CheckpointInterval int
	// PageDelay paces consecutive page fetches.
	PageDelay time.Duration
	// JurisdictionDelay paces consecutive jurisdictions. It is applied
	// after every jurisdiction, skipped ones included, so the aggregate
	// request rate stays predictable regardless of branch taken.
	JurisdictionDelay time.Duration
	// MaxPageFailures bounds consecutive page-level failures before the
	// current project type is abandoned.
	MaxPageFailures int
}

// Deps collects the orchestrator's collaborators. Notifier and Archiver
// are optional; the rest are required.
type Deps struct {
	Catalog     extract.Catalog
	Source      extract.RecordSource
	Checkpoints extract.CheckpointStore
	Sink        extract.RecordSink
	Notifier    extract.Notifier
	Archiver    extract.Archiver
	Tracker     *progress.Tracker
	Clock       extract.Clock
	Pauser      extract.Pauser
	Logger      *zap.Logger
}

// Orchestrator owns the checkpoint and the walk position. It runs a
// single logical thread of control: one HTTP call, one open output
// writer, one checkpoint write at a time.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	tracker *progress.Tracker
}

// filePathWriter is implemented by record writers whose output is a
// local file eligible for upload once the jurisdiction closes.
type filePathWriter interface {
	Path() string
}

// completionEvent is published after a jurisdiction finishes with records.
type completionEvent struct {
	RunID          string    `json:"run_id"`
	JurisdictionID int       `json:"jurisdiction_id"`
	Name           string    `json:"name"`
	Region         string    `json:"region"`
	Records        int64     `json:"records"`
	Location       string    `json:"location"`
	CompletedAt    time.Time `json:"completed_at"`
}

// New validates the dependencies and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Catalog == nil || deps.Source == nil || deps.Checkpoints == nil || deps.Sink == nil {
		return nil, errors.New("catalog, source, checkpoints and sink are required")
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", cfg.PageSize)
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 500
	}
	if cfg.MaxPageFailures <= 0 {
		cfg.MaxPageFailures = 3
	}
	if deps.Clock == nil {
		deps.Clock = system.Clock{}
	}
	if deps.Pauser == nil {
		deps.Pauser = extract.NewTimerPauser()
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.New(deps.Clock.Now)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		tracker: deps.Tracker,
	}, nil
}

// Run walks every jurisdiction not already completed in a previous run.
// It returns early only on context cancellation; all other failures are
// contained within the jurisdiction or project type they occurred in.
func (o *Orchestrator) Run(ctx context.Context) error {
	cp, found, err := o.deps.Checkpoints.Load()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if found {
		o.logger.Info("resuming from checkpoint",
			zap.Int("completed_jurisdictions", len(cp.Completed)),
			zap.Int64("total_records", cp.TotalRecords),
			zap.Time("updated_at", cp.UpdatedAt),
		)
	} else {
		o.logger.Info("no checkpoint found, starting fresh run")
	}

	o.tracker.StartRun(o.cfg.RunID)

	jurisdictions, err := o.deps.Catalog.ListJurisdictions(ctx)
	if err != nil {
		return fmt.Errorf("list jurisdictions: %w", err)
	}
	o.logger.Info("catalog enumerated", zap.Int("jurisdictions", len(jurisdictions)))

	for _, j := range jurisdictions {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run canceled: %w", err)
		}
		if cp.IsCompleted(j.ID) {
			o.logger.Info("jurisdiction already completed, skipping",
				zap.Int("jurisdiction_id", j.ID),
				zap.String("name", j.Name),
			)
			o.tracker.JurisdictionSkipped()
			o.deps.Pauser.Pause(ctx, o.cfg.JurisdictionDelay)
			continue
		}

		written, err := o.extractJurisdiction(ctx, &cp, j)
		if err != nil {
			return err
		}
		if written > 0 {
			cp.MarkCompleted(j.ID)
			extract.TotalJurisdictionsCompleted.Inc()
			o.tracker.JurisdictionCompleted()
			o.logger.Info("jurisdiction completed",
				zap.Int("jurisdiction_id", j.ID),
				zap.String("name", j.Name),
				zap.Int64("records", written),
			)
		} else {
			o.logger.Info("jurisdiction finished with no records, leaving it eligible for retry",
				zap.Int("jurisdiction_id", j.ID),
				zap.String("name", j.Name),
			)
		}

		cp.LastJurisdictionID = j.ID
		o.saveCheckpoint(&cp)
		o.deps.Pauser.Pause(ctx, o.cfg.JurisdictionDelay)
	}

	o.logger.Info("run finished",
		zap.Int("completed_jurisdictions", len(cp.Completed)),
		zap.Int64("total_records", cp.TotalRecords),
	)
	return nil
}

// extractJurisdiction processes every project type of one jurisdiction.
// Contained failures (catalog errors, sink errors, aborted types) are
// logged and reflected in the returned record count; only context
// cancellation is returned as an error.
func (o *Orchestrator) extractJurisdiction(ctx context.Context, cp *extract.Checkpoint, j extract.Jurisdiction) (int64, error) {
	types, err := o.deps.Catalog.ListProjectTypes(ctx, j.ID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("run canceled: %w", ctxErr)
		}
		o.logger.Warn("project type enumeration failed, skipping jurisdiction",
			zap.Int("jurisdiction_id", j.ID),
			zap.Error(err),
		)
		return 0, nil
	}
	if len(types) == 0 {
		// Legitimate terminal state: no output file, not completed.
		o.logger.Info("jurisdiction has no project types",
			zap.Int("jurisdiction_id", j.ID),
			zap.String("name", j.Name),
		)
		return 0, nil
	}

	writer, err := o.deps.Sink.Open(ctx, j)
	if err != nil {
		o.logger.Warn("opening output failed, skipping jurisdiction",
			zap.Int("jurisdiction_id", j.ID),
			zap.Error(err),
		)
		return 0, nil
	}

	var written int64
	pending := 0
	for _, pt := range types {
		n, err := o.paginate(ctx, cp, j, pt, writer, &pending)
		written += n
		if err != nil {
			_ = writer.Close()
			return written, err
		}
	}

	location := writer.Location()
	archivePath := ""
	if fw, ok := writer.(filePathWriter); ok {
		archivePath = fw.Path()
	}
	if err := writer.Close(); err != nil {
		o.logger.Warn("closing output failed",
			zap.Int("jurisdiction_id", j.ID),
			zap.String("location", location),
			zap.Error(err),
		)
	}
	if written > 0 {
		o.notifyCompletion(ctx, j, written, location)
		if archivePath != "" {
			o.archiveOutput(ctx, j, archivePath)
		}
	}
	return written, nil
}

// paginate walks one project type's pages in increasing offset order.
// A page-level failure skips forward one page-width; after
// MaxPageFailures consecutive failures the project type is abandoned
// and the walk moves to the next one.
func (o *Orchestrator) paginate(
	ctx context.Context,
	cp *extract.Checkpoint,
	j extract.Jurisdiction,
	pt extract.ProjectType,
	writer extract.RecordWriter,
	pending *int,
) (int64, error) {
	var written int64
	offset := 0
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("run canceled: %w", err)
		}
		o.tracker.SetPosition(j.Name, pt.Name, offset)

		records, totalDeclared, err := o.deps.Source.FetchPage(ctx, j.ID, pt.ID, offset, o.cfg.PageSize)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, fmt.Errorf("run canceled: %w", ctxErr)
			}
			failures++
			o.logger.Warn("page fetch failed",
				zap.Int("jurisdiction_id", j.ID),
				zap.Int("project_type_id", pt.ID),
				zap.Int("offset", offset),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if failures >= o.cfg.MaxPageFailures {
				extract.TotalTypeAborts.Inc()
				o.tracker.TypeAborted()
				o.logger.Warn("abandoning project type after repeated page failures",
					zap.Int("jurisdiction_id", j.ID),
					zap.Int("project_type_id", pt.ID),
					zap.String("project_type", pt.Name),
				)
				return written, nil
			}
			// Skip forward one page-width past the failing page.
			offset += o.cfg.PageSize
			o.deps.Pauser.Pause(ctx, o.cfg.PageDelay)
			continue
		}
		failures = 0

		if len(records) == 0 {
			break
		}
		extract.TotalPages.Inc()

		now := o.deps.Clock.Now()
		for _, rec := range records {
			enriched := extract.Enrich(rec, j, pt, now, o.cfg.RunID)
			if err := writer.Append(ctx, enriched); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return written, fmt.Errorf("run canceled: %w", ctxErr)
				}
				o.logger.Error("record write failed, abandoning project type",
					zap.Int("jurisdiction_id", j.ID),
					zap.Int("project_type_id", pt.ID),
					zap.Error(err),
				)
				extract.TotalTypeAborts.Inc()
				o.tracker.TypeAborted()
				return written, nil
			}
		}

		written += int64(len(records))
		cp.TotalRecords += int64(len(records))
		extract.TotalRecords.Add(float64(len(records)))
		o.tracker.AddRecords(len(records))

		*pending += len(records)
		if *pending >= o.cfg.CheckpointInterval {
			cp.LastJurisdictionID = j.ID
			cp.LastProjectTypeID = pt.ID
			cp.LastOffset = offset
			o.saveCheckpoint(cp)
			*pending = 0
		}

		offset += o.cfg.PageSize
		if offset >= totalDeclared {
			break
		}
		o.deps.Pauser.Pause(ctx, o.cfg.PageDelay)
	}

	o.logger.Debug("project type done",
		zap.Int("jurisdiction_id", j.ID),
		zap.String("project_type", pt.Name),
		zap.Int64("records", written),
	)
	return written, nil
}

// saveCheckpoint stamps and persists the checkpoint. Persistence
// failures are logged, not escalated: losing a coalesced save costs
// bounded re-work on the next run, never the run itself.
func (o *Orchestrator) saveCheckpoint(cp *extract.Checkpoint) {
	cp.UpdatedAt = o.deps.Clock.Now()
	if err := o.deps.Checkpoints.Save(*cp); err != nil {
		o.logger.Error("checkpoint save failed", zap.Error(err))
	}
}

func (o *Orchestrator) notifyCompletion(ctx context.Context, j extract.Jurisdiction, written int64, location string) {
	if o.deps.Notifier == nil {
		return
	}
	event := completionEvent{
		RunID:          o.cfg.RunID,
		JurisdictionID: j.ID,
		Name:           j.Name,
		Region:         j.Region,
		Records:        written,
		Location:       location,
		CompletedAt:    o.deps.Clock.Now(),
	}
	id, err := o.deps.Notifier.Publish(ctx, event)
	if err != nil {
		o.logger.Warn("completion notification failed",
			zap.Int("jurisdiction_id", j.ID),
			zap.Error(err),
		)
		return
	}
	o.logger.Debug("completion notified",
		zap.Int("jurisdiction_id", j.ID),
		zap.String("message_id", id),
	)
}

// archiveOutput uploads a file-backed jurisdiction output. The caller
// only passes paths reported by a filePathWriter, so a read failure
// here is a real defect, not a non-file sink.
func (o *Orchestrator) archiveOutput(ctx context.Context, j extract.Jurisdiction, path string) {
	if o.deps.Archiver == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		o.logger.Warn("archive read failed",
			zap.Int("jurisdiction_id", j.ID),
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	defer f.Close()

	uri, err := o.deps.Archiver.Store(ctx, filepath.Base(path), "application/x-ndjson", f)
	if err != nil {
		o.logger.Warn("archive upload failed",
			zap.Int("jurisdiction_id", j.ID),
			zap.Error(err),
		)
		return
	}
	o.logger.Info("output archived",
		zap.Int("jurisdiction_id", j.ID),
		zap.String("uri", uri),
	)
}
