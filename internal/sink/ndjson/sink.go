// Package ndjson writes extracted records as newline-delimited JSON,
// one append-only file per jurisdiction.
package ndjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/permitlead/harvester/internal/extract"
)

// Sink creates per-jurisdiction NDJSON writers rooted at one directory.
type Sink struct {
	dir    string
	logger *zap.Logger
}

// New returns a sink rooted at dir.
func New(dir string, logger *zap.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return &Sink{dir: dir, logger: logger}, nil
}

// Open creates the jurisdiction's writer in append mode, so a resumed
// run never destroys records written before an interruption.
func (s *Sink) Open(_ context.Context, j extract.Jurisdiction) (extract.RecordWriter, error) {
	path := filepath.Join(s.dir, FileName(j))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open output file %s: %w", path, err)
	}
	s.logger.Debug("output file opened", zap.String("path", path))
	return &writer{f: f, buf: bufio.NewWriter(f), path: path}, nil
}

// FileName derives the deterministic output name for a jurisdiction:
// lowercased region and name with non-alphanumerics stripped.
func FileName(j extract.Jurisdiction) string {
	return fmt.Sprintf("%s_%s.ndjson", normalize(j.Region), normalize(j.Name))
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type writer struct {
	f    *os.File
	buf  *bufio.Writer
	path string
}

// Append writes one record as a single JSON line.
func (w *writer) Append(ctx context.Context, rec extract.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append canceled: %w", err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("write record to %s: %w", w.path, err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write record to %s: %w", w.path, err)
	}
	return nil
}

// Close flushes buffered lines and releases the file handle.
func (w *writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("flush %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	return nil
}

// Location reports the output file path.
func (w *writer) Location() string {
	return w.path
}

// Path reports the local file path, marking the output as archivable.
func (w *writer) Path() string {
	return w.path
}
