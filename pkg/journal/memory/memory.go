// Package memory provides an in-memory run journal bounded to the most
// recent entries. Entries are lost when the process restarts.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/rhuss/backtestd/pkg/journal"
)

// Journal keeps the newest maxSize entries.
type Journal struct {
	mu      sync.RWMutex
	entries map[string]*list.Element
	order   *list.List // front = newest
	maxSize int        // 0 = unlimited
}

var _ journal.Journal = (*Journal)(nil)

// New creates an in-memory journal. If maxSize is 0 the journal grows
// without limit; otherwise the oldest entry is dropped when it is full.
func New(maxSize int) *Journal {
	return &Journal{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Record appends an entry.
func (j *Journal) Record(_ context.Context, e *journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.entries[e.RunID]; exists {
		return journal.ErrConflict
	}

	if j.maxSize > 0 && j.order.Len() >= j.maxSize {
		j.evictOldest()
	}

	cp := *e
	cp.Strategies = append([]string(nil), e.Strategies...)
	j.entries[e.RunID] = j.order.PushFront(&cp)
	return nil
}

// List returns entries newest first.
func (j *Journal) List(_ context.Context, opts journal.ListOptions) ([]*journal.Entry, error) {
	opts.Normalize()

	j.mu.RLock()
	defer j.mu.RUnlock()

	result := make([]*journal.Entry, 0, opts.Limit)
	for el := j.order.Front(); el != nil && len(result) < opts.Limit; el = el.Next() {
		e := el.Value.(*journal.Entry)
		if !opts.Matches(e) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Len returns the number of stored entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.order.Len()
}

// HealthCheck always returns nil for the in-memory journal.
func (j *Journal) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory journal.
func (j *Journal) Close() error {
	return nil
}

// evictOldest drops the oldest entry. Must be called with j.mu held.
func (j *Journal) evictOldest() {
	back := j.order.Back()
	if back == nil {
		return
	}
	j.order.Remove(back)
	delete(j.entries, back.Value.(*journal.Entry).RunID)
}
