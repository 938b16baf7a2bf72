package memtable_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairkv/internal/storage/memtable"
)

func TestTable_Put(t *testing.T) {
	tests := []struct {
		name       string
		puts       [][2]string
		key        string
		wantValue  string
		wantFound  bool
		wantLength int
	}{
		{"single", [][2]string{{"a", "1"}}, "a", "1", true, 1},
		{"replace", [][2]string{{"a", "1"}, {"a", "2"}}, "a", "2", true, 1},
		{"tombstone is a value", [][2]string{{"a", "1"}, {"a", "null"}}, "a", "null", true, 1},
		{"absent", [][2]string{{"a", "1"}, {"c", "3"}}, "b", "", false, 2},
		{"empty table", nil, "a", "", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := memtable.New()
			for _, p := range tt.puts {
				table.Put(p[0], p[1])
			}
			value, found := table.Get(tt.key)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantValue, value)
			assert.Equal(t, tt.wantLength, table.Len())
		})
	}
}

func TestTable_PutReturnsReplaced(t *testing.T) {
	table := memtable.New()

	prev, replaced := table.Put("k", "v1")
	assert.False(t, replaced)
	assert.Empty(t, prev)

	prev, replaced = table.Put("k", "v2")
	assert.True(t, replaced)
	assert.Equal(t, "v1", prev)
}

func TestTable_AscendIsSorted(t *testing.T) {
	table := memtable.New()
	for i := 499; i >= 0; i-- {
		table.Put(fmt.Sprintf("k%03d", i), "v")
	}

	var keys []string
	table.Ascend(func(key, _ string) bool {
		keys = append(keys, key)
		return true
	})
	require.Len(t, keys, 500)
	assert.IsIncreasing(t, keys)
}

func TestTable_AscendStops(t *testing.T) {
	table := memtable.New()
	for _, k := range []string{"a", "b", "c"} {
		table.Put(k, k)
	}

	var seen []string
	table.Ascend(func(key, _ string) bool {
		seen = append(seen, key)
		return key != "b"
	})
	assert.Equal(t, []string{"a", "b"}, seen)
}

func BenchmarkTable_Put(b *testing.B) {
	table := memtable.New()
	for i := 0; i < b.N; i++ {
		table.Put(fmt.Sprintf("key%d", i), "value")
	}
}
