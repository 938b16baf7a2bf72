package diskmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fakeStatfs(total, available uint64) func(string) (uint64, uint64, error) {
	return func(string) (uint64, uint64, error) { return total, available, nil }
}

func TestDiskManager_RealFilesystem(t *testing.T) {
	dm, err := NewDiskManager(DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)

	stats := dm.GetDiskUsage()
	assert.False(t, stats.LastCheck.IsZero())
}

func TestDiskManager_RequiresDataDir(t *testing.T) {
	_, err := NewDiskManager(&DiskManagerConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestDiskManager_CheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name       string
		total      uint64
		available  uint64
		write      uint64
		wantErr    bool
		wantBroken bool
	}{
		{name: "plenty of space", total: 1000, available: 900, write: 10},
		{name: "circuit breaker", total: 1000, available: 10, write: 1, wantErr: true, wantBroken: true},
		{name: "write larger than free space", total: 1000, available: 500, write: 600, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := &DiskManager{
				dataDir:                 "unused",
				logger:                  zap.NewNop(),
				checkInterval:           time.Hour,
				warningThreshold:        80,
				circuitBreakerThreshold: 95,
				statfs:                  fakeStatfs(tt.total, tt.available),
			}
			require.NoError(t, dm.ForceCheck())

			err := dm.CheckBeforeWrite(tt.write)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsDiskSpaceError(err))
			assert.Equal(t, tt.wantBroken, err.(*DiskSpaceError).IsCircuitBroken)
		})
	}
}
