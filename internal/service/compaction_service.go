package service

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/model"
)

// CompactionService merges all primary store files into a deduplicated set
type CompactionService struct {
	files  *StoreFileService
	logger *zap.Logger

	compactions uint64
	recordsIn   uint64
	recordsOut  uint64
	tombstones  uint64
}

// CompactionResult describes one compaction
type CompactionResult struct {
	InputFiles  int
	OutputFiles int
	RecordsIn   int
	RecordsOut  int
	Tombstones  int
	Duration    time.Duration
}

// NewCompactionService creates a new compaction service
func NewCompactionService(files *StoreFileService, logger *zap.Logger) *CompactionService {
	return &CompactionService{
		files:  files,
		logger: logger,
	}
}

// Compact rewrites every StoreFile_ into CompactedStoreFile_ files keeping
// only the newest record per key, then replaces the old files with the
// compacted ones. Tombstones are kept: replica slots are read after the
// primary set and may still hold an older value. The caller must exclude
// writers.
func (s *CompactionService) Compact() (*CompactionResult, error) {
	start := time.Now()

	inputs, err := s.files.List(PrefixStore)
	if err != nil {
		return nil, err
	}
	result := &CompactionResult{InputFiles: len(inputs)}
	if len(inputs) == 0 {
		return result, nil
	}

	// Leftovers from an interrupted compaction lose to a fresh merge
	if err := s.files.RemovePrefix(PrefixCompacted); err != nil {
		return nil, err
	}

	w := s.files.NewWriter(PrefixCompacted)
	seen := make(map[string]struct{})

	for _, path := range inputs {
		var werr error
		err := s.files.Scan(path, func(e model.KeyValueEntry) bool {
			result.RecordsIn++
			if _, dup := seen[e.Key]; dup {
				return true
			}
			seen[e.Key] = struct{}{}
			if e.IsTombstone() {
				result.Tombstones++
			}
			if werr = w.Write(e.Key, e.Value); werr != nil {
				return false
			}
			result.RecordsOut++
			return true
		})
		if err == nil {
			err = werr
		}
		if err != nil {
			w.Abort()
			return nil, fmt.Errorf("compaction failed: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		w.Abort()
		return nil, fmt.Errorf("compaction failed: %w", err)
	}
	result.OutputFiles = len(w.Paths())

	if err := s.ClearSuperseded(inputs); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	atomic.AddUint64(&s.compactions, 1)
	atomic.AddUint64(&s.recordsIn, uint64(result.RecordsIn))
	atomic.AddUint64(&s.recordsOut, uint64(result.RecordsOut))
	atomic.AddUint64(&s.tombstones, uint64(result.Tombstones))

	s.logger.Info("Compaction completed",
		zap.Int("input_files", result.InputFiles),
		zap.Int("output_files", result.OutputFiles),
		zap.Int("records_in", result.RecordsIn),
		zap.Int("records_out", result.RecordsOut),
		zap.Int("tombstones", result.Tombstones),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// ClearSuperseded deletes the merged inputs and promotes the compacted files
func (s *CompactionService) ClearSuperseded(inputs []string) error {
	if err := s.files.Remove(inputs); err != nil {
		return fmt.Errorf("failed to delete superseded store files: %w", err)
	}
	if err := s.files.Rename(PrefixCompacted, PrefixStore); err != nil {
		return fmt.Errorf("failed to install compacted store files: %w", err)
	}
	return nil
}

// Stats returns cumulative compaction counters
func (s *CompactionService) Stats() CompactionStats {
	return CompactionStats{
		Compactions: atomic.LoadUint64(&s.compactions),
		RecordsIn:   atomic.LoadUint64(&s.recordsIn),
		RecordsOut:  atomic.LoadUint64(&s.recordsOut),
		Tombstones:  atomic.LoadUint64(&s.tombstones),
	}
}

// CompactionStats holds cumulative compaction counters
type CompactionStats struct {
	Compactions uint64
	RecordsIn   uint64
	RecordsOut  uint64
	Tombstones  uint64
}
