package extract

import (
	"time"
)

// Jurisdiction is one governmental entity exposing its permitting catalog.
// The universe of jurisdictions is fetched once per run and never mutated.
type Jurisdiction struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

// ProjectType is a permit category scoped to a single jurisdiction.
type ProjectType struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Record is one remote permit record. The remote schema is open-ended, so
// records are kept as raw field maps and enriched with source metadata
// before persisting.
type Record map[string]any

// Enrichment field names added to every persisted record.
const (
	FieldJurisdictionID   = "jurisdiction_id"
	FieldJurisdictionName = "jurisdiction_name"
	FieldRegion           = "region"
	FieldProjectTypeID    = "project_type_id"
	FieldProjectTypeName  = "project_type_name"
	FieldExtractedAt      = "extracted_at"
	FieldRunID            = "run_id"
)

// Enrich returns rec with source metadata added. Enrichment is additive: a
// remote field with the same name is never overwritten.
func Enrich(rec Record, j Jurisdiction, pt ProjectType, at time.Time, runID string) Record {
	out := make(Record, len(rec)+7)
	for k, v := range rec {
		out[k] = v
	}
	setIfAbsent(out, FieldJurisdictionID, j.ID)
	setIfAbsent(out, FieldJurisdictionName, j.Name)
	setIfAbsent(out, FieldRegion, j.Region)
	setIfAbsent(out, FieldProjectTypeID, pt.ID)
	setIfAbsent(out, FieldProjectTypeName, pt.Name)
	setIfAbsent(out, FieldExtractedAt, at.UTC().Format(time.RFC3339))
	setIfAbsent(out, FieldRunID, runID)
	return out
}

func setIfAbsent(rec Record, key string, value any) {
	if _, ok := rec[key]; !ok {
		rec[key] = value
	}
}

// Checkpoint is the sole durable progress state surviving process restart.
// The completed set only ever grows; a jurisdiction id is added after its
// extraction loop exits with at least one record written.
type Checkpoint struct {
	LastJurisdictionID int       `json:"last_jurisdiction_id"`
	LastProjectTypeID  int       `json:"last_project_type_id"`
	LastOffset         int       `json:"last_offset"`
	Completed          []int     `json:"completed_jurisdictions"`
	TotalRecords       int64     `json:"total_records"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsCompleted reports whether the jurisdiction already finished in a
// previous run.
func (c *Checkpoint) IsCompleted(jurisdictionID int) bool {
	for _, id := range c.Completed {
		if id == jurisdictionID {
			return true
		}
	}
	return false
}

// MarkCompleted adds the jurisdiction to the completed set. Adding an id
// twice is a no-op, so the set grows monotonically.
func (c *Checkpoint) MarkCompleted(jurisdictionID int) {
	if c.IsCompleted(jurisdictionID) {
		return
	}
	c.Completed = append(c.Completed, jurisdictionID)
}

// Credentials are exchanged for a bearer token at run start.
type Credentials struct {
	Username string
	Password string
}

// Token is the session bearer token attached to every call after login.
// There is no refresh; a run outliving token validity is restarted manually.
type Token string
