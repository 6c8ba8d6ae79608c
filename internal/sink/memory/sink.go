// Package memory holds extracted records in memory, for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/permitlead/harvester/internal/extract"
)

// Sink buffers records per jurisdiction file name.
type Sink struct {
	mu      sync.Mutex
	records map[string][]extract.Record
	opens   map[string]int
}

// New returns an empty in-memory sink.
func New() *Sink {
	return &Sink{
		records: make(map[string][]extract.Record),
		opens:   make(map[string]int),
	}
}

// Open returns a writer accumulating the jurisdiction's records.
func (s *Sink) Open(_ context.Context, j extract.Jurisdiction) (extract.RecordWriter, error) {
	key := j.Name
	s.mu.Lock()
	s.opens[key]++
	s.mu.Unlock()
	return &writer{sink: s, key: key}, nil
}

// Records returns a copy of everything written for the jurisdiction name.
func (s *Sink) Records(name string) []extract.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]extract.Record(nil), s.records[name]...)
}

// Opens reports how many writers were opened for the jurisdiction name.
func (s *Sink) Opens(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[name]
}

type writer struct {
	sink *Sink
	key  string
}

func (w *writer) Append(_ context.Context, rec extract.Record) error {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.sink.records[w.key] = append(w.sink.records[w.key], rec)
	return nil
}

func (w *writer) Close() error { return nil }

func (w *writer) Location() string { return "memory://" + w.key }
