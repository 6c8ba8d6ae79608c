// Package system provides the wall clock used by the pipeline.
package system

import "time"

// Clock implements extract.Clock. Timestamps are normalized to UTC so
// record enrichment and checkpoint stamps compare cleanly across hosts.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
