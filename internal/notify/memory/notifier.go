// Package memory records published payloads in memory, for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Notifier accumulates published payloads.
type Notifier struct {
	mu       sync.Mutex
	payloads []any
}

// New returns an empty in-memory notifier.
func New() *Notifier {
	return &Notifier{}
}

// Publish records the payload and returns a synthetic message id.
func (n *Notifier) Publish(_ context.Context, payload any) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	return fmt.Sprintf("mem-%d", len(n.payloads)), nil
}

// Payloads returns a copy of everything published so far.
func (n *Notifier) Payloads() []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]any(nil), n.payloads...)
}
