// Package store is the only place that touches the on-disk runtime state
// format. Every governed subsystem keeps one logical document (JSON) or one
// append-only log (JSONL) behind the Repository interface, so the layout can
// move to an embedded store later without touching gate logic.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Repository provides get/put access to named JSON documents and append/scan
// access to named JSONL logs, all rooted in one runtime directory.
type Repository interface {
	// Get unmarshals the named document into out. A missing or unreadable
	// document leaves out untouched and returns false.
	Get(name string, out any) bool
	// Put atomically replaces the named document.
	Put(name string, value any) error
	// Append writes one JSON line to the named log.
	Append(name string, value any) error
	// Scan calls fn for each raw line of the named log, oldest first.
	// Unparseable lines are skipped, not fatal.
	Scan(name string, fn func(line []byte)) error
	// Dir returns the runtime directory backing this repository.
	Dir() string
}

type fileRepository struct {
	dir string
	mu  sync.Mutex
}

// NewFileRepository creates a Repository rooted at dir, creating it if needed.
func NewFileRepository(dir string) (Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	return &fileRepository{dir: dir}, nil
}

func (r *fileRepository) Dir() string { return r.dir }

func (r *fileRepository) path(name string) string {
	return filepath.Join(r.dir, name)
}

func (r *fileRepository) Get(name string, out any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path(name))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false
	}
	return true
}

func (r *fileRepository) Put(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	tmp := r.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, r.path(name)); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (r *fileRepository) Append(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s line: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

func (r *fileRepository) Scan(name string, fn func(line []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(r.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		fn(cp)
	}
	return scanner.Err()
}
