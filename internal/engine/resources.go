package engine

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultJobMemory is the assumed peak memory of one engine process.
const DefaultJobMemory = 512 << 20

func cpuCount() (int, error) {
	return cpu.Counts(true)
}

// warnMemoryPressure logs when running concurrency engines at once is likely
// to exhaust available memory.
func warnMemoryPressure(logger *slog.Logger, concurrency int, perJob uint64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Debug("memory statistics unavailable", "error", err)
		return
	}
	need := uint64(concurrency) * perJob
	if need <= vm.Available {
		return
	}
	logger.Warn("concurrency may exceed available memory",
		"max_concurrency", concurrency,
		"job_memory_mb", perJob>>20,
		"available_mb", vm.Available>>20,
		"suggested_concurrency", max(1, vm.Available/perJob),
	)
}
