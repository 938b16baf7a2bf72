package service

import (
	"sync"

	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/storage/memtable"
	"go.uber.org/zap"
)

// MemTableService holds recent writes in a sorted table bounded by entry count
type MemTableService struct {
	config *MemTableConfig
	table  *memtable.Table
	logger *zap.Logger
	mu     sync.RWMutex
}

// MemTableConfig holds memtable configuration
type MemTableConfig struct {
	// Capacity is the entry count that triggers a dump
	Capacity int
}

// NewMemTableService creates a new memtable service
func NewMemTableService(cfg *MemTableConfig, logger *zap.Logger) *MemTableService {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	return &MemTableService{
		config: cfg,
		table:  memtable.New(),
		logger: logger,
	}
}

// Put inserts or updates an entry
func (s *MemTableService) Put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.Put(key, value)
}

// PutIfRoom inserts key only if it is absent and the table has spare capacity
func (s *MemTableService) PutIfRoom(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table.Len() >= s.config.Capacity {
		return false
	}
	if _, exists := s.table.Get(key); exists {
		return false
	}
	s.table.Put(key, value)
	return true
}

// Get retrieves a value, which may be a tombstone
func (s *MemTableService) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Get(key)
}

// ShouldFlush reports whether the table reached capacity
func (s *MemTableService) ShouldFlush() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Len() >= s.config.Capacity
}

// Len returns the number of entries
func (s *MemTableService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Len()
}

// Capacity returns the configured entry bound
func (s *MemTableService) Capacity() int {
	return s.config.Capacity
}

// Snapshot returns all entries in key order
func (s *MemTableService) Snapshot() []model.KeyValueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.KeyValueEntry, 0, s.table.Len())
	s.table.Ascend(func(key, value string) bool {
		entries = append(entries, model.KeyValueEntry{Key: key, Value: value})
		return true
	})
	return entries
}

// Clear drops every entry
func (s *MemTableService) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = memtable.New()
}
