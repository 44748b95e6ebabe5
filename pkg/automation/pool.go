package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
)

// WorkerPool manages the outbox drain workers.
type WorkerPool struct {
	podID    string
	kernel   *kernel.Kernel
	registry *Registry
	cfg      config.AutomationConfig
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(podID string, k *kernel.Kernel, registry *Registry, cfg config.AutomationConfig) *WorkerPool {
	return &WorkerPool{
		podID:    podID,
		kernel:   k,
		registry: registry,
		cfg:      cfg,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns worker goroutines. Safe to call multiple times; subsequent
// calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Automation pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("Starting automation pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-automation-%d", p.podID, i)
		worker := NewWorker(workerID, p.kernel, p.registry, p.cfg)
		p.workers = append(p.workers, worker)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			worker.Run(ctx, p.stopCh)
		}()
	}
}

// Stop signals all workers to stop and waits for them. Workers finish their
// current entry before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping automation pool gracefully")
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Automation pool stopped")
}
