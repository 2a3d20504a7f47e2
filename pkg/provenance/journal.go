package provenance

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Entry is the begin record of a deletion cascade.
type Entry struct {
	RequestID   string    `json:"request_id"`
	MemoryID    string    `json:"memory_id"`
	ArtifactIDs []string  `json:"artifact_ids"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// Journal is the durable log of deletion cascades.
type Journal interface {
	// Begin durably records that the cascade for e is starting.
	Begin(ctx context.Context, e Entry) error

	// Commit durably records that the cascade for requestID finished.
	Commit(ctx context.Context, requestID string) error

	// Pending returns entries with a begin but no commit, in begin order.
	Pending(ctx context.Context) ([]Entry, error)

	Close() error
}

const (
	opBegin  = "begin"
	opCommit = "commit"
)

type record struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	Entry     *Entry `json:"entry,omitempty"`
}

// FileJournal appends JSON lines to a file and fsyncs after each record.
type FileJournal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

var _ Journal = (*FileJournal)(nil)

// OpenFileJournal opens or creates the journal at path.
func OpenFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	if err := trimTorn(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &FileJournal{path: path, f: f}, nil
}

// trimTorn truncates a torn final line left by a crash, so the next append
// starts on a line of its own.
func trimTorn(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("truncating torn journal line: %w", err)
	}
	return nil
}

// Begin implements Journal.
func (j *FileJournal) Begin(_ context.Context, e Entry) error {
	e.ArtifactIDs = slices.Clone(e.ArtifactIDs)
	return j.append(record{Op: opBegin, RequestID: e.RequestID, Entry: &e})
}

// Commit implements Journal.
func (j *FileJournal) Commit(_ context.Context, requestID string) error {
	return j.append(record{Op: opCommit, RequestID: requestID})
}

func (j *FileJournal) append(r record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return errors.New("journal closed")
	}
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}
	return nil
}

// Pending implements Journal. A torn final line left by a crash is ignored.
func (j *FileJournal) Pending(_ context.Context) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	defer f.Close()

	var records []record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning journal: %w", err)
	}
	return pending(records), nil
}

// Close implements Journal.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// MemoryJournal keeps records in memory. It survives nothing and exists for
// tests and ephemeral servers.
type MemoryJournal struct {
	mu      sync.Mutex
	records []record
}

var _ Journal = (*MemoryJournal)(nil)

// NewMemoryJournal returns an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Begin implements Journal.
func (j *MemoryJournal) Begin(_ context.Context, e Entry) error {
	e.ArtifactIDs = slices.Clone(e.ArtifactIDs)
	j.mu.Lock()
	j.records = append(j.records, record{Op: opBegin, RequestID: e.RequestID, Entry: &e})
	j.mu.Unlock()
	return nil
}

// Commit implements Journal.
func (j *MemoryJournal) Commit(_ context.Context, requestID string) error {
	j.mu.Lock()
	j.records = append(j.records, record{Op: opCommit, RequestID: requestID})
	j.mu.Unlock()
	return nil
}

// Pending implements Journal.
func (j *MemoryJournal) Pending(_ context.Context) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return pending(j.records), nil
}

// Close implements Journal.
func (j *MemoryJournal) Close() error { return nil }

// TODO: compact committed records once the file journal grows past a size
// limit; Pending currently rescans the whole file.
func pending(records []record) []Entry {
	committed := make(map[string]bool)
	for _, r := range records {
		if r.Op == opCommit {
			committed[r.RequestID] = true
		}
	}

	var out []Entry
	seen := make(map[string]bool)
	for _, r := range records {
		if r.Op != opBegin || r.Entry == nil || committed[r.RequestID] || seen[r.RequestID] {
			continue
		}
		seen[r.RequestID] = true
		out = append(out, *r.Entry)
	}
	return out
}
