// Package storage keeps a JSON checkpoint of ingest progress so an
// interrupted run can resume where it stopped.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Entry is the last known state of one ASIN.
type Entry struct {
	ASIN      string    `json:"asin"`
	Status    string    `json:"status"`
	Outcome   string    `json:"outcome,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Checkpoint struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	filename string
	now      func() time.Time
}

// OpenCheckpoint loads filename, starting empty when it does not exist yet.
func OpenCheckpoint(filename string) (*Checkpoint, error) {
	c := &Checkpoint{
		entries:  make(map[string]*Entry),
		filename: filename,
		now:      time.Now,
	}

	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", filename, err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", filename, err)
	}

	return c, nil
}

// Track registers ASINs as pending. Known ASINs keep their state.
func (c *Checkpoint) Track(asins []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, asin := range asins {
		if asin == "" {
			continue
		}
		if _, ok := c.entries[asin]; ok {
			continue
		}
		c.entries[asin] = &Entry{
			ASIN:      asin,
			Status:    StatusPending,
			AddedAt:   now,
			UpdatedAt: now,
		}
	}

	return c.save()
}

// Remaining returns the ASINs that are not done, sorted.
func (c *Checkpoint) Remaining() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var asins []string
	for asin, e := range c.entries {
		if e.Status != StatusDone {
			asins = append(asins, asin)
		}
	}
	sort.Strings(asins)
	return asins
}

func (c *Checkpoint) Get(asin string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[asin]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Record stores the outcome of one attempt. done marks the ASIN finished;
// otherwise it is failed, or pending again when the run never reached it.
func (c *Checkpoint) Record(asin, outcome string, done bool, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record(asin, outcome, done, errMsg)
	return c.save()
}

// RecordAll applies many outcomes with a single write.
func (c *Checkpoint) RecordAll(outcomes map[string]string, done func(outcome string) bool, errs map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for asin, outcome := range outcomes {
		c.record(asin, outcome, done(outcome), errs[asin])
	}
	return c.save()
}

func (c *Checkpoint) record(asin, outcome string, done bool, errMsg string) {
	now := c.now()
	e, ok := c.entries[asin]
	if !ok {
		e = &Entry{ASIN: asin, AddedAt: now}
		c.entries[asin] = e
	}

	e.Outcome = outcome
	e.Error = errMsg
	e.UpdatedAt = now
	switch {
	case done:
		e.Status = StatusDone
		e.Attempts++
	case errMsg == "":
		e.Status = StatusPending
	default:
		e.Status = StatusFailed
		e.Attempts++
	}
}

// Stats counts entries per status plus a "total".
func (c *Checkpoint) Stats() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[string]int)
	for _, e := range c.entries {
		stats[e.Status]++
	}
	stats["total"] = len(c.entries)
	return stats
}

func (c *Checkpoint) save() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	// Write to temp file first for atomicity
	tmp := c.filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return os.Rename(tmp, c.filename)
}
