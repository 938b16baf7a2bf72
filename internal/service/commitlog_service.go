package service

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/model"
)

// WALFileName is the single write-ahead log in the data directory
const WALFileName = "wal.txt"

// CommitLogService manages the write-ahead log. Every accepted write is
// appended before it reaches the memtable; the log is truncated after a dump.
type CommitLogService struct {
	config  *CommitLogConfig
	file    *os.File
	writer  *bufio.Writer
	logger  *zap.Logger
	mu      sync.Mutex
	path    string
	entries int
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	// SyncWrites fsyncs after every append
	SyncWrites bool
}

// NewCommitLogService opens (or creates) the WAL in dataDir
func NewCommitLogService(cfg *CommitLogConfig, dataDir string, logger *zap.Logger) (*CommitLogService, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}

	cls := &CommitLogService{
		config: cfg,
		logger: logger,
		path:   filepath.Join(dataDir, WALFileName),
	}

	if err := cls.open(); err != nil {
		return nil, fmt.Errorf("failed to open commit log: %w", err)
	}
	return cls, nil
}

func (s *CommitLogService) open() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	s.file = file
	s.writer = bufio.NewWriter(file)
	return nil
}

// Append appends a record to the log
func (s *CommitLogService) Append(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("commit log is closed")
	}
	if err := writeRecord(s.writer, key, value); err != nil {
		return fmt.Errorf("failed to write to commit log: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush commit log: %w", err)
	}
	if s.config.SyncWrites {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}
	s.entries++
	return nil
}

// Recover replays the log into the memtable. Later records win.
func (s *CommitLogService) Recover(ctx context.Context, memTableSvc *MemTableService) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	count := 0
	err = scanRecords(file, func(e model.KeyValueEntry) bool {
		memTableSvc.Put(e.Key, e.Value)
		count++
		return true
	})
	if err != nil {
		return count, fmt.Errorf("failed to replay commit log: %w", err)
	}

	s.entries = count
	s.logger.Info("Commit log recovery completed", zap.Int("entries", count))
	return count, nil
}

// Truncate empties the log once its contents are durable in store files
func (s *CommitLogService) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("commit log is closed")
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate commit log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync commit log: %w", err)
	}
	s.entries = 0
	return nil
}

// Entries returns the number of records currently in the log
func (s *CommitLogService) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}

// Close closes the commit log service
func (s *CommitLogService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.writer.Flush()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}
