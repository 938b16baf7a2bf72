package service

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/storage/bloom"
)

// Store file name prefixes. Every file is "<prefix><uuidv7>.txt", so within one
// prefix the lexicographically greatest name is the most recent.
const (
	PrefixStore       = "StoreFile_"
	PrefixReplica1    = "Replica1StoreFile_"
	PrefixReplica2    = "Replica2StoreFile_"
	PrefixCompacted   = "CompactedStoreFile_"
	PrefixPartitioned = "PartitionedStoreFile_"
	PrefixFiltered    = "FilteredStoreFile_"
	PrefixIncoming    = "IncomingStoreFile_"
	PrefixNewReplica1 = "NewReplica1StoreFile_"
	PrefixNewReplica2 = "NewReplica2StoreFile_"

	storeFileExt = ".txt"

	filterFalsePositiveRate = 0.01
)

// ReplicaPrefix returns the live prefix of replica slot 1 or 2
func ReplicaPrefix(slot int) string {
	if slot == 2 {
		return PrefixReplica2
	}
	return PrefixReplica1
}

// StagedReplicaPrefix returns the staging prefix of replica slot 1 or 2
func StagedReplicaPrefix(slot int) string {
	if slot == 2 {
		return PrefixNewReplica2
	}
	return PrefixNewReplica1
}

// StoreFileService owns the naming and layout of store files in the data directory
type StoreFileService struct {
	dataDir  string
	capacity int
	logger   *zap.Logger

	// filters caches one key filter per file, keyed by path. An entry is
	// valid only while the file still has the size it was built at.
	filtersMu sync.Mutex
	filters   map[string]fileFilter
}

type fileFilter struct {
	size   int64
	filter *bloom.Filter
}

// StoreFileConfig holds store file configuration
type StoreFileConfig struct {
	DataDir string
	// RecordsPerFile bounds each written file; it matches the memtable capacity
	RecordsPerFile int
}

// NewStoreFileService creates a new store file service
func NewStoreFileService(cfg *StoreFileConfig, logger *zap.Logger) (*StoreFileService, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	capacity := cfg.RecordsPerFile
	if capacity <= 0 {
		capacity = 100
	}
	return &StoreFileService{
		dataDir:  cfg.DataDir,
		capacity: capacity,
		logger:   logger,
		filters:  make(map[string]fileFilter),
	}, nil
}

// DataDir returns the directory holding all files
func (s *StoreFileService) DataDir() string {
	return s.dataDir
}

// List returns the paths with the given prefix, most recent first
func (s *StoreFileService) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, storeFileExt) {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(s.dataDir, name)
	}
	return paths, nil
}

func (s *StoreFileService) newPath(prefix string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate file id: %w", err)
	}
	return filepath.Join(s.dataDir, prefix+id.String()+storeFileExt), nil
}

// Scan calls fn for every record of one file in file order
func (s *StoreFileService) Scan(path string, fn func(model.KeyValueEntry) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scanRecords(f, fn)
}

// Search returns the most recent value of key among the files with prefix.
// Newer files shadow older ones; within a file the first record wins.
func (s *StoreFileService) Search(prefix, key string) (string, bool, error) {
	paths, err := s.List(prefix)
	if err != nil {
		return "", false, err
	}
	for _, path := range paths {
		value, found, err := s.searchFile(path, key)
		if err != nil {
			return "", false, fmt.Errorf("failed to search %s: %w", filepath.Base(path), err)
		}
		if found {
			return value, true, nil
		}
	}
	return "", false, nil
}

// searchFile consults the file's filter before scanning it. A file without a
// current filter is scanned in full and gets one.
func (s *StoreFileService) searchFile(path, key string) (string, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}

	s.filtersMu.Lock()
	cached, ok := s.filters[path]
	s.filtersMu.Unlock()

	if ok && cached.size == info.Size() {
		if !cached.filter.MayContain(key) {
			return "", false, nil
		}
		var value string
		found := false
		err := s.Scan(path, func(e model.KeyValueEntry) bool {
			if e.Key == key {
				value, found = e.Value, true
				return false
			}
			return true
		})
		return value, found, err
	}

	var (
		keys  []string
		value string
		found bool
	)
	err = s.Scan(path, func(e model.KeyValueEntry) bool {
		keys = append(keys, e.Key)
		if !found && e.Key == key {
			value, found = e.Value, true
		}
		return true
	})
	if err != nil {
		return "", false, err
	}

	filter := bloom.New(len(keys), filterFalsePositiveRate)
	for _, k := range keys {
		filter.Add(k)
	}
	s.filtersMu.Lock()
	s.filters[path] = fileFilter{size: info.Size(), filter: filter}
	s.filtersMu.Unlock()
	return value, found, nil
}

func (s *StoreFileService) forget(paths ...string) {
	s.filtersMu.Lock()
	defer s.filtersMu.Unlock()
	for _, path := range paths {
		delete(s.filters, path)
	}
}

// ReadAll returns the raw contents of each path, in the given order
func (s *StoreFileService) ReadAll(paths []string) ([][]byte, error) {
	out := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
		}
		out = append(out, data)
	}
	return out, nil
}

// Remove deletes the given files
func (s *StoreFileService) Remove(paths []string) error {
	s.forget(paths...)
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// RemovePrefix deletes every file with prefix
func (s *StoreFileService) RemovePrefix(prefix string) error {
	paths, err := s.List(prefix)
	if err != nil {
		return err
	}
	return s.Remove(paths)
}

// Rename moves every file with prefix "from" to prefix "to", keeping its id
func (s *StoreFileService) Rename(from, to string) error {
	paths, err := s.List(from)
	if err != nil {
		return err
	}
	s.forget(paths...)
	for _, path := range paths {
		name := strings.TrimPrefix(filepath.Base(path), from)
		if err := os.Rename(path, filepath.Join(s.dataDir, to+name)); err != nil {
			return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// Rewrite copies the records of the files with prefix "from" into bounded
// files with prefix "to", then deletes the sources. Sources are read most
// recent first and only the first record of each key is kept.
func (s *StoreFileService) Rewrite(from, to string) error {
	paths, err := s.List(from)
	if err != nil {
		return err
	}
	w := s.NewWriter(to)
	seen := make(map[string]struct{})
	for _, path := range paths {
		var werr error
		err := s.Scan(path, func(e model.KeyValueEntry) bool {
			if _, dup := seen[e.Key]; dup {
				return true
			}
			seen[e.Key] = struct{}{}
			werr = w.Write(e.Key, e.Value)
			return werr == nil
		})
		if err == nil {
			err = werr
		}
		if err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return s.Remove(paths)
}

// CreateStaging opens a fresh file with prefix for raw appends
func (s *StoreFileService) CreateStaging(prefix string) (*os.File, error) {
	path, err := s.newPath(prefix)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
}

// NewWriter returns a writer that rolls over to a new file every capacity records
func (s *StoreFileService) NewWriter(prefix string) *BoundedWriter {
	return &BoundedWriter{files: s, prefix: prefix, limit: s.capacity}
}

// BoundedWriter writes records into a series of files holding at most limit
// records each. Files are created lazily so an empty writer leaves nothing behind.
type BoundedWriter struct {
	files  *StoreFileService
	prefix string
	limit  int

	file  *os.File
	buf   *bufio.Writer
	count int
	paths []string
}

// Write appends one record
func (w *BoundedWriter) Write(key, value string) error {
	if w.file == nil || w.count >= w.limit {
		if err := w.roll(); err != nil {
			return err
		}
	}
	if err := writeRecord(w.buf, key, value); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.count++
	return nil
}

func (w *BoundedWriter) roll() error {
	if err := w.closeCurrent(); err != nil {
		return err
	}
	path, err := w.files.newPath(w.prefix)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create store file: %w", err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.count = 0
	w.paths = append(w.paths, path)
	return nil
}

func (w *BoundedWriter) closeCurrent() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := w.buf.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush store file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync store file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if w.count == 0 {
		w.paths = w.paths[:len(w.paths)-1]
		return os.Remove(f.Name())
	}
	return nil
}

// Close flushes the last file and returns once everything is durable
func (w *BoundedWriter) Close() error {
	return w.closeCurrent()
}

// Abort closes and deletes everything written so far
func (w *BoundedWriter) Abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	for _, path := range w.paths {
		os.Remove(path)
	}
	w.paths = nil
}

// Paths returns the files written, in creation order
func (w *BoundedWriter) Paths() []string {
	return w.paths
}
