package service

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFiles(t *testing.T, capacity int) *StoreFileService {
	t.Helper()
	files, err := NewStoreFileService(&StoreFileConfig{DataDir: t.TempDir(), RecordsPerFile: capacity}, zap.NewNop())
	require.NoError(t, err)
	return files
}

func TestStoreFileService_SearchNewestWins(t *testing.T) {
	files := newTestFiles(t, 10)
	writeStoreFile(t, files, PrefixStore, kv("a", "old"), kv("b", "1"))
	writeStoreFile(t, files, PrefixStore, kv("a", "new"))

	tests := []struct {
		key   string
		value string
		found bool
	}{
		{"a", "new", true},
		{"b", "1", true},
		{"c", "", false},
	}

	// twice: the first pass builds the filters, the second reads through them
	for pass := 0; pass < 2; pass++ {
		for _, tt := range tests {
			value, found, err := files.Search(PrefixStore, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.found, found, tt.key)
			assert.Equal(t, tt.value, value, tt.key)
		}
	}
}

func TestStoreFileService_FilterFollowsFileGrowth(t *testing.T) {
	files := newTestFiles(t, 10)
	f, err := files.CreateStaging(PrefixStore)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, writeRecord(f, "first", "1"))
	_, found, err := files.Search(PrefixStore, "second")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, writeRecord(f, "second", "2"))
	value, found, err := files.Search(PrefixStore, "second")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2", value)
}

func TestStoreFileService_RemoveAndRenameDropFilters(t *testing.T) {
	files := newTestFiles(t, 10)
	writeStoreFile(t, files, PrefixCompacted, kv("k", "v"))

	_, found, err := files.Search(PrefixCompacted, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, files.filters, 1)

	require.NoError(t, files.Rename(PrefixCompacted, PrefixStore))
	assert.Empty(t, files.filters)

	value, found, err := files.Search(PrefixStore, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", value)

	require.NoError(t, files.RemovePrefix(PrefixStore))
	assert.Empty(t, files.filters)
}

func TestBoundedWriter_RollsOverAtCapacity(t *testing.T) {
	files := newTestFiles(t, 2)
	w := files.NewWriter(PrefixStore)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, w.Write(k, "v"))
	}
	require.NoError(t, w.Close())

	paths, err := files.List(PrefixStore)
	require.NoError(t, err)
	assert.Len(t, paths, 3)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keysOf(readPrefix(t, files, PrefixStore)))
}

func TestBoundedWriter_EmptyLeavesNoFile(t *testing.T) {
	files := newTestFiles(t, 2)
	w := files.NewWriter(PrefixStore)
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(files.DataDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
