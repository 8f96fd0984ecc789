package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// CollectionFile persists per-collection indexed flags as a JSON sidecar.
// Every mutation rewrites the whole file; the set is small and losing a flag
// update costs a re-query, not data.
type CollectionFile struct {
	path string

	mu      sync.Mutex
	indexed map[string]bool
}

func NewCollectionFile(path string) (*CollectionFile, error) {
	f := &CollectionFile{
		path:    path,
		indexed: make(map[string]bool),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *CollectionFile) IsIndexed(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexed[name]
}

func (f *CollectionFile) SetIndexed(name string, indexed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[name] = indexed
	return f.save()
}

// EnsureKnown records a collection the first time it is seen. New collections
// default to indexed.
func (f *CollectionFile) EnsureKnown(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, known := f.indexed[name]; known {
		return nil
	}
	f.indexed[name] = true
	return f.save()
}

func (f *CollectionFile) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, known := f.indexed[name]; !known {
		return nil
	}
	delete(f.indexed, name)
	return f.save()
}

func (f *CollectionFile) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = make(map[string]bool)
	return f.save()
}

func (f *CollectionFile) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.indexed))
	for name := range f.indexed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *CollectionFile) load() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read collection state: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &f.indexed); err != nil {
		return fmt.Errorf("parse collection state: %w", err)
	}
	if f.indexed == nil {
		f.indexed = make(map[string]bool)
	}
	return nil
}

func (f *CollectionFile) save() error {
	raw, err := json.MarshalIndent(f.indexed, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal collection state: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write collection state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace collection state: %w", err)
	}
	return nil
}
