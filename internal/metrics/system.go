package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// DiskStats represents disk usage statistics
type DiskStats struct {
	UsedPercent float64 `json:"used_percent"`
	UsedBytes   uint64  `json:"used_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
}

// GetDiskUsage returns usage of the filesystem holding dir.
func GetDiskUsage(dir string) (*DiskStats, error) {
	diskInfo, err := disk.Usage(dir)
	if err != nil {
		return nil, err
	}

	return &DiskStats{
		UsedPercent: diskInfo.UsedPercent,
		UsedBytes:   diskInfo.Used,
		TotalBytes:  diskInfo.Total,
		FreeBytes:   diskInfo.Free,
	}, nil
}

// GetMemoryUsagePercent returns current system memory usage
func GetMemoryUsagePercent() (float64, error) {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return memInfo.UsedPercent, nil
}

// systemSampler periodically pushes disk and memory gauges into a Manager.
type systemSampler struct {
	dataDir string
	manager Manager
	logger  *logrus.Logger
}

func newSystemSampler(dataDir string, manager Manager, logger *logrus.Logger) *systemSampler {
	return &systemSampler{
		dataDir: dataDir,
		manager: manager,
		logger:  logger,
	}
}

func (s *systemSampler) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *systemSampler) sample() {
	var diskPercent float64
	if s.dataDir != "" {
		stats, err := GetDiskUsage(s.dataDir)
		if err != nil {
			s.logger.WithError(err).WithField("data_dir", s.dataDir).Debug("Failed to sample disk usage")
		} else {
			diskPercent = stats.UsedPercent
		}
	}

	memPercent, err := GetMemoryUsagePercent()
	if err != nil {
		s.logger.WithError(err).Debug("Failed to sample memory usage")
	}

	s.manager.UpdateSystemMetrics(diskPercent, memPercent)
}
