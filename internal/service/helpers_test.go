package service

import (
	"os"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/ring"
)

type testStorageOptions struct {
	capacity      int
	subscriptions bool
}

// newTestStorage builds a storage engine over dir. Nothing is recovered.
func newTestStorage(t *testing.T, dir string, opts testStorageOptions) *StorageService {
	t.Helper()
	logger := zap.NewNop()
	if opts.capacity == 0 {
		opts.capacity = 100
	}

	commitLog, err := NewCommitLogService(&CommitLogConfig{}, dir, logger)
	require.NoError(t, err)
	memTable := NewMemTableService(&MemTableConfig{Capacity: opts.capacity}, logger)
	files, err := NewStoreFileService(&StoreFileConfig{DataDir: dir, RecordsPerFile: opts.capacity}, logger)
	require.NoError(t, err)

	var subs *SubscriptionService
	if opts.subscriptions {
		subs, err = NewSubscriptionService(&SubscriptionConfig{DataDir: dir, Workers: 1, QueueSize: 16}, nil, logger)
		require.NoError(t, err)
	}

	return NewStorageService(&StorageConfig{CompactEvery: 3}, commitLog, memTable, files,
		NewCompactionService(files, logger), subs, nil, nil, nil, logger)
}

// writeStoreFile writes one file of records under prefix
func writeStoreFile(t *testing.T, files *StoreFileService, prefix string, records ...model.KeyValueEntry) {
	t.Helper()
	w := files.NewWriter(prefix)
	for _, r := range records {
		require.NoError(t, w.Write(r.Key, r.Value))
	}
	require.NoError(t, w.Close())
}

// readPrefix returns every record under prefix, newest file first
func readPrefix(t *testing.T, files *StoreFileService, prefix string) []model.KeyValueEntry {
	t.Helper()
	paths, err := files.List(prefix)
	require.NoError(t, err)
	var out []model.KeyValueEntry
	for _, path := range paths {
		require.NoError(t, files.Scan(path, func(e model.KeyValueEntry) bool {
			out = append(out, e)
			return true
		}))
	}
	return out
}

func keysOf(entries []model.KeyValueEntry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	return keys
}

func kv(key, value string) model.KeyValueEntry {
	return model.KeyValueEntry{Key: key, Value: value}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

// fakeView is a NodeView with settable state and metadata
type fakeView struct {
	md       *ring.Metadata
	state    model.NodeState
	received atomic.Int32
}

func (v *fakeView) Metadata() *ring.Metadata {
	if v.md == nil {
		return ring.New()
	}
	return v.md
}

func (v *fakeView) State() model.NodeState { return v.state }

func (v *fakeView) PrimaryReceived() { v.received.Add(1) }
