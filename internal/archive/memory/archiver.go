// Package memory keeps archived objects in memory, for tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Archiver stores uploaded objects by path.
type Archiver struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// New returns an empty in-memory archiver.
func New() *Archiver {
	return &Archiver{objects: make(map[string][]byte)}
}

// Store reads the object into memory and returns a mem:// URI.
func (a *Archiver) Store(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[path] = data
	return "mem://" + path, nil
}

// Object returns the stored bytes for a path, if present.
func (a *Archiver) Object(path string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[path]
	return data, ok
}
