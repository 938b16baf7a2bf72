package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/errors"
	"github.com/devrev/pairkv/internal/metrics"
	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/storage/diskmanager"
	"github.com/devrev/pairkv/internal/validation"
)

// Read sources, as recorded in metrics
const (
	SourceMemTable = "memtable"
	SourceStore    = "store"
	SourceReplica1 = "replica1"
	SourceReplica2 = "replica2"
	SourceMiss     = "miss"
)

// StorageService is the per-node storage engine: WAL, memtable, store files,
// compaction and partitioning.
//
// mu serializes every access to the memtable, the WAL and the store file
// set. Compaction replaces files in two steps, so reads take it too.
type StorageService struct {
	mu sync.Mutex

	commitLogService  *CommitLogService
	memTableService   *MemTableService
	storeFileService  *StoreFileService
	compactionService *CompactionService
	subscriptions     *SubscriptionService
	diskManager       *diskmanager.DiskManager
	validator         *validation.Validator
	metrics           *metrics.Metrics
	logger            *zap.Logger

	compactEvery int
	dumps        int
	rebalancing  atomic.Bool
}

// StorageConfig holds engine tuning
type StorageConfig struct {
	// CompactEvery runs a compaction after this many dumps
	CompactEvery int
}

// NewStorageService creates the engine. subscriptions and diskMgr may be nil.
func NewStorageService(
	cfg *StorageConfig,
	commitLogSvc *CommitLogService,
	memTableSvc *MemTableService,
	storeFileSvc *StoreFileService,
	compactionSvc *CompactionService,
	subscriptionSvc *SubscriptionService,
	diskMgr *diskmanager.DiskManager,
	validator *validation.Validator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *StorageService {
	compactEvery := cfg.CompactEvery
	if compactEvery <= 0 {
		compactEvery = 3
	}
	if validator == nil {
		validator = validation.NewValidator()
	}
	return &StorageService{
		commitLogService:  commitLogSvc,
		memTableService:   memTableSvc,
		storeFileService:  storeFileSvc,
		compactionService: compactionSvc,
		subscriptions:     subscriptionSvc,
		diskManager:       diskMgr,
		validator:         validator,
		metrics:           m,
		logger:            logger,
		compactEvery:      compactEvery,
	}
}

// Files exposes the store file layout
func (s *StorageService) Files() *StoreFileService {
	return s.storeFileService
}

// Subscriptions exposes subscriber bookkeeping; nil when disabled
func (s *StorageService) Subscriptions() *SubscriptionService {
	return s.subscriptions
}

// SetRebalancing refuses writes and stops reads from repopulating the
// memtable while partitions move. It waits for any write already holding the
// engine lock, so every accepted write lands before the next dump.
func (s *StorageService) SetRebalancing(on bool) {
	s.mu.Lock()
	s.rebalancing.Store(on)
	s.mu.Unlock()
}

// Recover clears artifacts of an interrupted operation and replays the WAL
func (s *StorageService) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := s.storeFileService
	// A crash mid-handoff leaves the moving records in PartitionedStoreFile_;
	// they are still ours until a receiver acknowledged them.
	if err := files.RestorePartitioned(); err != nil {
		return errors.StoreFileFailed("failed to restore partitioned files", err)
	}
	for _, prefix := range []string{PrefixCompacted, PrefixFiltered, PrefixIncoming, PrefixNewReplica1, PrefixNewReplica2} {
		if err := files.RemovePrefix(prefix); err != nil {
			return errors.StoreFileFailed("failed to clear transient files", err)
		}
	}

	n, err := s.commitLogService.Recover(ctx, s.memTableService)
	if err != nil {
		return errors.CommitLogFailed("failed to replay commit log", err)
	}
	s.metrics.UpdateMemTableEntries(s.memTableService.Len())
	s.logger.Info("Storage engine recovered", zap.Int("wal_entries", n))
	return nil
}

// Put writes key. The record is in the WAL before the memtable sees it, and
// the status is UPDATE when any layer already held a live value.
func (s *StorageService) Put(ctx context.Context, key, value string) (model.PutStatus, error) {
	if err := s.validator.ValidateWrite(key, value); err != nil {
		return model.PutStatusError, err
	}
	if s.diskManager != nil {
		if err := s.diskManager.CheckBeforeWrite(validation.EstimateWriteSize(key, value)); err != nil {
			s.logger.Warn("Disk space check failed", zap.String("key", key), zap.Error(err))
			return model.PutStatusError, errors.DiskFull("write refused", err)
		}
	}

	s.mu.Lock()
	if s.rebalancing.Load() {
		s.mu.Unlock()
		return model.PutStatusError, errors.WriteLocked(key)
	}
	old, existed, err := s.lookup(key)
	if err != nil {
		s.mu.Unlock()
		return model.PutStatusError, err
	}

	if err := s.commitLogService.Append(ctx, key, value); err != nil {
		s.mu.Unlock()
		s.logger.Error("Failed to write to commit log", zap.String("key", key), zap.Error(err))
		return model.PutStatusError, errors.CommitLogFailed("failed to append to commit log", err)
	}
	s.metrics.RecordCommitLogAppend()
	s.memTableService.Put(key, value)

	if s.memTableService.ShouldFlush() {
		if err := s.dumpLocked(); err != nil {
			// The write is in the WAL and will be flushed by the next dump
			s.logger.Error("Memtable dump failed", zap.Error(err))
		} else if s.dumps%s.compactEvery == 0 {
			if err := s.compactLocked(); err != nil {
				s.logger.Error("Compaction failed", zap.Error(err))
			}
		}
	}
	s.metrics.UpdateMemTableEntries(s.memTableService.Len())
	s.mu.Unlock()

	status := model.PutStatusSuccess
	if existed && value != model.TombstoneValue {
		status = model.PutStatusUpdate
	}
	if s.subscriptions != nil {
		if !existed {
			old = model.TombstoneValue
		}
		s.subscriptions.Notify(key, old, value)
	}

	s.logger.Debug("Put completed", zap.String("key", key), zap.String("status", string(status)))
	return status, nil
}

// lookup walks every layer for the current live value of key
func (s *StorageService) lookup(key string) (string, bool, error) {
	value, _, found, err := s.find(key)
	if err != nil || !found {
		return "", false, err
	}
	if value == model.TombstoneValue {
		return "", false, nil
	}
	return value, true, nil
}

// find returns the first record of key in read order and the layer it came from
func (s *StorageService) find(key string) (string, string, bool, error) {
	if value, ok := s.memTableService.Get(key); ok {
		return value, SourceMemTable, true, nil
	}

	layers := []struct {
		prefix string
		source string
	}{
		{PrefixStore, SourceStore},
		{PrefixReplica1, SourceReplica1},
		{PrefixReplica2, SourceReplica2},
	}
	for _, layer := range layers {
		value, ok, err := s.storeFileService.Search(layer.prefix, key)
		if err != nil {
			return "", "", false, errors.StoreFileFailed("failed to search store files", err)
		}
		if ok {
			return value, layer.source, true, nil
		}
	}
	return "", SourceMiss, false, nil
}

// Get returns the value of key: memtable, then store files newest first,
// then replica slot 1, then replica slot 2. A tombstone in an earlier layer
// hides later ones.
func (s *StorageService) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.validator.ValidateKey(key); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	value, source, found, err := s.find(key)
	if err != nil {
		return "", false, err
	}
	s.metrics.RecordReadSource(source)
	if !found || value == model.TombstoneValue {
		return "", false, nil
	}

	if source == SourceStore && !s.rebalancing.Load() {
		s.memTableService.PutIfRoom(key, value)
	}
	return value, true, nil
}

// Dump flushes the memtable into a new store file and truncates the WAL
func (s *StorageService) Dump() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumpLocked()
}

func (s *StorageService) dumpLocked() error {
	entries := s.memTableService.Snapshot()
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()

	w := s.storeFileService.NewWriter(PrefixStore)
	for _, e := range entries {
		if err := w.Write(e.Key, e.Value); err != nil {
			w.Abort()
			return errors.StoreFileFailed("failed to write store file", err)
		}
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return errors.StoreFileFailed("failed to close store file", err)
	}
	if err := s.commitLogService.Truncate(); err != nil {
		return errors.CommitLogFailed("failed to truncate commit log", err)
	}
	s.memTableService.Clear()
	s.dumps++

	s.metrics.RecordMemTableFlush(time.Since(start).Seconds())
	s.metrics.UpdateMemTableEntries(0)
	s.logger.Info("Memtable dumped",
		zap.Int("entries", len(entries)),
		zap.Strings("files", w.Paths()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Compact merges the primary store files
func (s *StorageService) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *StorageService) compactLocked() error {
	start := time.Now()
	if _, err := s.compactionService.Compact(); err != nil {
		s.metrics.RecordCompaction("failed", time.Since(start).Seconds())
		return errors.StoreFileFailed("compaction failed", err)
	}
	s.metrics.RecordCompaction("success", time.Since(start).Seconds())
	return nil
}

// FlushAndCompact dumps the memtable and compacts, leaving all primary data
// in a deduplicated StoreFile_ set
func (s *StorageService) FlushAndCompact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dumpLocked(); err != nil {
		return err
	}
	return s.compactLocked()
}

// SnapshotPrimary flushes, compacts and returns the contents of every primary
// store file, newest first
func (s *StorageService) SnapshotPrimary() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dumpLocked(); err != nil {
		return nil, err
	}
	if err := s.compactLocked(); err != nil {
		return nil, err
	}
	return s.readPrefixLocked(PrefixStore)
}

// SnapshotReplica returns the contents of replica slot's files, newest first
func (s *StorageService) SnapshotReplica(slot int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPrefixLocked(ReplicaPrefix(slot))
}

func (s *StorageService) readPrefixLocked(prefix string) ([][]byte, error) {
	paths, err := s.storeFileService.List(prefix)
	if err != nil {
		return nil, err
	}
	return s.storeFileService.ReadAll(paths)
}

// Partition splits the primary store files; records whose key fails stays
// are set aside in PartitionedStoreFile_ files, whose contents are returned
func (s *StorageService) Partition(stays func(key string) bool) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.storeFileService.Partition(stays)
	if err != nil {
		return nil, errors.StoreFileFailed("failed to partition store files", err)
	}
	return s.storeFileService.ReadAll(paths)
}

// FinishPartition deletes the set aside records after a successful handoff,
// or returns them to the primary set after a failed one
func (s *StorageService) FinishPartition(handedOff bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handedOff {
		return s.storeFileService.ClearPartitioned()
	}
	return s.storeFileService.RestorePartitioned()
}

// ClearReplicas deletes both replica sets
func (s *StorageService) ClearReplicas() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range []int{1, 2} {
		if err := s.storeFileService.RemovePrefix(ReplicaPrefix(slot)); err != nil {
			return err
		}
	}
	return nil
}

// ClearReplicaSlot deletes the records held in one replica slot
func (s *StorageService) ClearReplicaSlot(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFileService.RemovePrefix(ReplicaPrefix(slot))
}

// CommitReplica swaps in the staged files of replica slot
func (s *StorageService) CommitReplica(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFileService.CommitReplica(slot)
}

// CommitIncoming merges staged primary records received in a handoff
func (s *StorageService) CommitIncoming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFileService.CommitIncoming()
}

// Promote copies replica records for the acquired keys into the primary set
func (s *StorageService) Promote(acquired func(key string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFileService.Promote(acquired)
}

// Close flushes the memtable and closes the WAL
func (s *StorageService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dumpLocked(); err != nil {
		s.logger.Error("Final dump failed", zap.Error(err))
	}
	err := s.commitLogService.Close()
	if s.subscriptions != nil {
		if cerr := s.subscriptions.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
