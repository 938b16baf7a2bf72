package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DiskManager watches the filesystem holding the data directory and refuses
// writes once usage crosses the circuit breaker threshold
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	mu            sync.Mutex
	checkInterval time.Duration
	lastCheck     time.Time

	warningThreshold        float64
	circuitBreakerThreshold float64

	usagePercent   float64
	availableBytes uint64
	circuitBroken  bool

	// statfs is swapped in tests
	statfs func(path string) (total, available uint64, err error)
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	CircuitBreakerThreshold float64
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		statfs:                  statfs,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

func statfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite returns a *DiskSpaceError if a write of estimatedBytes must be refused
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.circuitBroken {
		return &DiskSpaceError{
			Code:            ErrCodeDiskFull,
			Message:         fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", dm.usagePercent),
			UsagePercent:    dm.usagePercent,
			AvailableBytes:  dm.availableBytes,
			IsCircuitBroken: true,
		}
	}
	if estimatedBytes > dm.availableBytes {
		return &DiskSpaceError{
			Code:           ErrCodeInsufficientSpace,
			Message:        fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.availableBytes),
			UsagePercent:   dm.usagePercent,
			AvailableBytes: dm.availableBytes,
		}
	}
	return nil
}

// checkDiskSpace must be called with mu held
func (dm *DiskManager) checkDiskSpace() error {
	total, available, err := dm.statfs(dm.dataDir)
	if err != nil {
		return err
	}

	usage := 0.0
	if total > 0 {
		usage = float64(total-available) / float64(total) * 100.0
	}

	wasBroken := dm.circuitBroken
	dm.usagePercent = usage
	dm.availableBytes = available
	dm.lastCheck = time.Now()
	dm.circuitBroken = usage >= dm.circuitBreakerThreshold

	switch {
	case dm.circuitBroken && !wasBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	case !dm.circuitBroken && wasBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", available))
	case !dm.circuitBroken && usage >= dm.warningThreshold:
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usage),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	return nil
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

// GetDiskUsage returns the last observed usage
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return DiskUsageStats{
		UsagePercent:    dm.usagePercent,
		AvailableBytes:  dm.availableBytes,
		IsCircuitBroken: dm.circuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsCircuitBroken bool
	LastCheck       time.Time
}

// ErrorCode classifies a DiskSpaceError
type ErrorCode int

const (
	ErrCodeDiskFull ErrorCode = iota + 1
	ErrCodeInsufficientSpace
)

// DiskSpaceError represents a disk space related error
type DiskSpaceError struct {
	Code            ErrorCode
	Message         string
	UsagePercent    float64
	AvailableBytes  uint64
	IsCircuitBroken bool
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}

// IsDiskSpaceError checks if an error is a disk space error
func IsDiskSpaceError(err error) bool {
	_, ok := err.(*DiskSpaceError)
	return ok
}
