// Package health runs periodic component checks and reports the node's
// overall condition on the admin server.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairkv/internal/storage/diskmanager"
)

// Status grades one check or the whole process
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// CheckResult is the outcome of one check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Check produces one result
type Check func() CheckResult

// Checker runs its checks on an interval and keeps the latest results
type Checker struct {
	checks   []Check
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	results []CheckResult
	status  Status
}

// NewChecker creates a checker; nothing runs until Run or RunOnce
func NewChecker(interval time.Duration, logger *zap.Logger, checks ...Check) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Checker{
		checks:   checks,
		interval: interval,
		logger:   logger,
		status:   StatusHealthy,
	}
}

// Run checks immediately and then every interval until ctx is done
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunOnce()
	for {
		select {
		case <-ticker.C:
			c.RunOnce()
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce evaluates every check. Any critical result makes the process
// critical; any other unhealthy result makes it degraded.
func (c *Checker) RunOnce() {
	results := make([]CheckResult, 0, len(c.checks))
	overall := StatusHealthy
	for _, check := range c.checks {
		r := check()
		results = append(results, r)
		switch {
		case r.Status == StatusCritical:
			overall = StatusCritical
		case r.Status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	c.mu.Lock()
	prev := c.status
	c.results = results
	c.status = overall
	c.mu.Unlock()

	if prev != overall {
		c.logger.Warn("Health status changed", zap.String("from", string(prev)), zap.String("to", string(overall)))
	}
}

// Status returns the overall status and the latest results
func (c *Checker) Status() (Status, []CheckResult) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CheckResult, len(c.results))
	copy(out, c.results)
	return c.status, out
}

func result(name string, status Status, format string, args ...interface{}) CheckResult {
	return CheckResult{
		Name:      name,
		Status:    status,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// DataDirCheck verifies the data directory exists and accepts writes
func DataDirCheck(dataDir string) Check {
	return func() CheckResult {
		const name = "data_dir"
		info, err := os.Stat(dataDir)
		if err != nil {
			return result(name, StatusCritical, "data directory not accessible: %v", err)
		}
		if !info.IsDir() {
			return result(name, StatusCritical, "%s is not a directory", dataDir)
		}

		marker := filepath.Join(dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
		f, err := os.Create(marker)
		if err != nil {
			return result(name, StatusCritical, "data directory not writable: %v", err)
		}
		f.Close()
		os.Remove(marker)
		return result(name, StatusHealthy, "data directory writable")
	}
}

// DiskCheck grades the last usage the disk manager observed
func DiskCheck(dm *diskmanager.DiskManager, warningPercent float64) Check {
	return func() CheckResult {
		const name = "disk_space"
		if dm == nil {
			return result(name, StatusHealthy, "disk monitoring disabled")
		}
		usage := dm.GetDiskUsage()
		switch {
		case usage.IsCircuitBroken:
			return result(name, StatusCritical, "disk usage %.1f%%, writes refused", usage.UsagePercent)
		case usage.UsagePercent >= warningPercent:
			return result(name, StatusDegraded, "disk usage %.1f%%", usage.UsagePercent)
		default:
			return result(name, StatusHealthy, "disk usage %.1f%%", usage.UsagePercent)
		}
	}
}

// Func adapts a predicate into a check that is critical when ok is false
func Func(name string, fn func() (ok bool, message string)) Check {
	return func() CheckResult {
		ok, message := fn()
		if !ok {
			return result(name, StatusCritical, "%s", message)
		}
		return result(name, StatusHealthy, "%s", message)
	}
}
