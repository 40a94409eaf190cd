// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

// Package storage provides the on-disk collaborators the persistence
// tier depends on: a JSON-file-backed key/value store for energy
// checkpoints, and a thin os-backed filesystem adapter for the hourly
// CSV writer and daily gzip compactor.
//
// # Key/Value Store
//
// JvKvStore keeps one JSON file per namespace under a base directory,
// holding a flat map of key to typed value. Writes are read-modify-write
// under a mutex, and every PutXxx call rewrites the namespace file by
// writing a temporary file and renaming it over the old one, so a reader
// never sees a half-written file. No explicit fsync is issued.
//
// # Filesystem
//
// OsFilesystem wraps os/ioutil-style primitives sufficiently for the
// persistence tier's append-only hourly CSV and read-then-gzip-then-
// remove compaction flow; it does not attempt to be a general-purpose
// filesystem abstraction.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/topogigio/energyme-home-core/pkg/ifaces"
)

const (
	kvFilePrefix = "kv_"
	kvFileExt    = ".json"
	kvFileMode   = 0o600
	kvDirMode    = 0o750
)

// kvDocument is the on-disk shape of one namespace's JSON file: four
// maps, one per supported scalar type, since JSON has no native
// distinction between the float64/uint64/string/bool encodings the KvStore
// interface exposes separately.
type kvDocument struct {
	Floats  map[string]float64 `json:"floats"`
	Uints   map[string]uint64  `json:"uints"`
	Strings map[string]string  `json:"strings"`
	Bools   map[string]bool    `json:"bools"`
}

func newKvDocument() kvDocument {
	return kvDocument{
		Floats:  make(map[string]float64),
		Uints:   make(map[string]uint64),
		Strings: make(map[string]string),
		Bools:   make(map[string]bool),
	}
}

// JvKvStore implements ifaces.KvStore over one JSON file per namespace.
type JvKvStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewJvKvStore creates the base directory (if missing) and returns a
// store rooted there.
func NewJvKvStore(baseDir string) (*JvKvStore, error) {
	if err := os.MkdirAll(baseDir, kvDirMode); err != nil {
		return nil, fmt.Errorf("storage: create kv directory: %w", err)
	}
	return &JvKvStore{baseDir: baseDir}, nil
}

func (s *JvKvStore) path(namespace string) string {
	return filepath.Join(s.baseDir, kvFilePrefix+namespace+kvFileExt)
}

func (s *JvKvStore) load(namespace string) (kvDocument, error) {
	data, err := os.ReadFile(s.path(namespace))
	if os.IsNotExist(err) {
		return newKvDocument(), nil
	}
	if err != nil {
		return kvDocument{}, fmt.Errorf("storage: read namespace %q: %w", namespace, err)
	}
	doc := newKvDocument()
	if err := json.Unmarshal(data, &doc); err != nil {
		return kvDocument{}, fmt.Errorf("storage: parse namespace %q: %w", namespace, err)
	}
	return doc, nil
}

func (s *JvKvStore) save(namespace string, doc kvDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: marshal namespace %q: %w", namespace, err)
	}
	tmp := s.path(namespace) + ".tmp"
	if err := os.WriteFile(tmp, data, kvFileMode); err != nil {
		return fmt.Errorf("storage: write namespace %q: %w", namespace, err)
	}
	if err := os.Rename(tmp, s.path(namespace)); err != nil {
		return fmt.Errorf("storage: commit namespace %q: %w", namespace, err)
	}
	return nil
}

// GetFloat64 returns the stored value, or false if the key is absent.
func (s *JvKvStore) GetFloat64(namespace, key string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(namespace)
	if err != nil {
		return 0, false, err
	}
	v, ok := doc.Floats[key]
	return v, ok, nil
}

// PutFloat64 writes a value, creating the namespace file if needed.
func (s *JvKvStore) PutFloat64(namespace, key string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(namespace)
	if err != nil {
		return err
	}
	doc.Floats[key] = value
	return s.save(namespace, doc)
}

// GetUint64 returns the stored value, or false if the key is absent.
func (s *JvKvStore) GetUint64(namespace, key string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(namespace)
	if err != nil {
		return 0, false, err
	}
	v, ok := doc.Uints[key]
	return v, ok, nil
}

// PutUint64 writes a value, creating the namespace file if needed.
func (s *JvKvStore) PutUint64(namespace, key string, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(namespace)
	if err != nil {
		return err
	}
	doc.Uints[key] = value
	return s.save(namespace, doc)
}

// GetString returns the stored value, or false if the key is absent.
func (s *JvKvStore) GetString(namespace, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(namespace)
	if err != nil {
		return "", false, err
	}
	v, ok := doc.Strings[key]
	return v, ok, nil
}

// PutString writes a value, creating the namespace file if needed.
func (s *JvKvStore) PutString(namespace, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(namespace)
	if err != nil {
		return err
	}
	doc.Strings[key] = value
	return s.save(namespace, doc)
}

// GetBool returns the stored value, or false if the key is absent.
func (s *JvKvStore) GetBool(namespace, key string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(namespace)
	if err != nil {
		return false, false, err
	}
	v, ok := doc.Bools[key]
	return v, ok, nil
}

// PutBool writes a value, creating the namespace file if needed.
func (s *JvKvStore) PutBool(namespace, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(namespace)
	if err != nil {
		return err
	}
	doc.Bools[key] = value
	return s.save(namespace, doc)
}

// Clear removes every key in namespace by deleting its backing file.
func (s *JvKvStore) Clear(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(namespace))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// OsFilesystem implements ifaces.Filesystem over the real os package.
type OsFilesystem struct{}

// NewOsFilesystem returns the real-filesystem adapter.
func NewOsFilesystem() OsFilesystem { return OsFilesystem{} }

// Exists reports whether path names a file that can be stat'd.
func (OsFilesystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MkdirAll creates path and any missing parents.
func (OsFilesystem) MkdirAll(path string) error {
	return os.MkdirAll(path, kvDirMode)
}

// AppendLine opens path for append (creating it if missing) and writes
// line followed by a newline.
func (OsFilesystem) AppendLine(path string, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, kvFileMode)
	if err != nil {
		return fmt.Errorf("storage: open %q for append: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("storage: append to %q: %w", path, err)
	}
	return nil
}

// OpenForCompaction reads path's full contents.
func (OsFilesystem) OpenForCompaction(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read %q: %w", path, err)
	}
	return data, nil
}

// WriteFile writes data to path, replacing any existing content.
func (OsFilesystem) WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, kvFileMode); err != nil {
		return fmt.Errorf("storage: write %q: %w", path, err)
	}
	return nil
}

// Remove deletes path.
func (OsFilesystem) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("storage: remove %q: %w", path, err)
	}
	return nil
}

// ListDir returns the sorted, fully-qualified names of dir's entries.
func (OsFilesystem) ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, filepath.Join(dir, e.Name()))
	}
	sort.Strings(names)
	return names, nil
}

var (
	_ ifaces.KvStore    = (*JvKvStore)(nil)
	_ ifaces.Filesystem = OsFilesystem{}
)
