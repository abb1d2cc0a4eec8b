package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Storage is where a session's artifacts go. WriteArtifact returns the
// reference recorded in the session summary.
type Storage interface {
	WriteArtifact(name string, data []byte) (ref string, err error)
}

// DirStorage writes artifacts as files in one session directory
type DirStorage struct {
	dir string
}

// NewDirStorage creates dir if needed
func NewDirStorage(dir string) (*DirStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &DirStorage{dir: dir}, nil
}

// Dir returns the session directory
func (s *DirStorage) Dir() string {
	return s.dir
}

// WriteArtifact writes data to a temporary file and renames it into place,
// so an artifact is either the previous version or the complete new one.
func (s *DirStorage) WriteArtifact(name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return path, nil
}

// MemoryStorage keeps artifacts in memory
type MemoryStorage struct {
	mu        sync.RWMutex
	artifacts map[string][]byte
	writes    []string
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{artifacts: make(map[string][]byte)}
}

func (s *MemoryStorage) WriteArtifact(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	s.artifacts[name] = buf
	s.writes = append(s.writes, name)
	return "mem://" + name, nil
}

// Artifact returns the last data written under name
func (s *MemoryStorage) Artifact(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.artifacts[name]
	return data, ok
}

// Writes returns artifact names in the order they were written, repeats included
func (s *MemoryStorage) Writes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.writes))
	copy(out, s.writes)
	return out
}
