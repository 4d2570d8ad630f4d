package apm

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/lifecycle"
	"github.com/regulens/compliance-core/internal/obs/logging"
)

// ResourceSampler periodically samples this process's resource usage into a
// Monitor's resources ring (§4.6.1 "Resources" plane), and raises alerts
// when thresholds are breached.
type ResourceSampler struct {
	monitor *Monitor
	log     *logging.Logger
	proc    *process.Process
	worker  *lifecycle.Worker
	onAlert func(alerts []string, sample domain.ResourceSample)
}

// NewResourceSampler constructs a ResourceSampler for the current process,
// sampling every interval (default from APMConfig.ResourceSampleIntervalSeconds).
func NewResourceSampler(monitor *Monitor, log *logging.Logger, interval time.Duration) (*ResourceSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &ResourceSampler{monitor: monitor, log: log, proc: proc}
	s.worker = lifecycle.NewWorker(lifecycle.WorkerConfig{
		Name:     "apm-resource-sampler",
		Interval: interval,
		Fn:       s.sampleOnce,
		OnError: func(name string, err error) {
			log.WithComponent("apm").WithError(err).Warn("resource sample failed")
		},
	})
	return s, nil
}

// OnAlert registers a callback invoked whenever a sample breaches a
// threshold (§4.6.1).
func (s *ResourceSampler) OnAlert(fn func(alerts []string, sample domain.ResourceSample)) {
	s.onAlert = fn
}

// Start begins the periodic sampling loop.
func (s *ResourceSampler) Start(ctx context.Context) error { return s.worker.Start(ctx) }

// Stop halts the periodic sampling loop.
func (s *ResourceSampler) Stop() error {
	s.worker.Stop()
	return nil
}

func (s *ResourceSampler) sampleOnce(ctx context.Context) error {
	cpuPercent, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return err
	}
	memInfo, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return err
	}
	ioCounters, err := s.proc.IOCountersWithContext(ctx)
	if err != nil {
		ioCounters = nil // not available on every platform
	}
	threads, err := s.proc.NumThreadsWithContext(ctx)
	if err != nil {
		threads = 0
	}
	fds, err := s.proc.NumFDsWithContext(ctx)
	if err != nil {
		fds = 0
	}

	sample := domain.ResourceSample{
		Timestamp:       time.Now(),
		CPUPercent:      cpuPercent,
		MemoryRSSBytes:  memInfo.RSS,
		MemoryVMSBytes:  memInfo.VMS,
		ThreadCount:     threads,
		FileDescriptors: fds,
	}
	if ioCounters != nil {
		sample.IOReadBytes = ioCounters.ReadBytes
		sample.IOWriteBytes = ioCounters.WriteBytes
	}
	s.monitor.SampleResource(sample)
	s.monitor.RecordMetric("process", "self", domain.MetricCPUUsage, cpuPercent, "percent", nil)

	memPercent := memoryPercent(memInfo.RSS)
	s.monitor.RecordMetric("process", "self", domain.MetricMemoryUsage, memPercent, "percent", nil)

	if alerts := s.monitor.ResourceAlerts(memPercent); len(alerts) > 0 && s.onAlert != nil {
		s.onAlert(alerts, sample)
	}
	return nil
}

func memoryPercent(rss uint64) float64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 0
	}
	return float64(rss) / float64(vm.Total) * 100
}
