// Package stats collects the CPU and wall-clock time consumed by a single
// action execution, the Go analogue of the Java original's StatsCollector
// (itself backed by System.currentTimeMillis and
// UnixOperatingSystemMXBean.getProcessCpuTime).
package stats

import (
	"time"

	"golang.org/x/sys/unix"
)

// Result is the stats block of the result JSON: §6 of the spec.
type Result struct {
	CPUTimeNs  int64 `json:"cpuTimeNs"`
	WallTimeMs int64 `json:"wallTimeMs"`
}

// Collector measures elapsed wall time and process CPU time between Start
// and Stop.
type Collector struct {
	startWall time.Time
	startCPU  int64
}

// Start begins a measurement window.
func Start() *Collector {
	return &Collector{startWall: time.Now(), startCPU: processCPUTimeNs()}
}

// Stop ends the measurement window and returns the consumed resources.
func (c *Collector) Stop() Result {
	return Result{
		CPUTimeNs:  processCPUTimeNs() - c.startCPU,
		WallTimeMs: time.Since(c.startWall).Milliseconds(),
	}
}

// processCPUTimeNs returns the process's total (user + system) CPU time in
// nanoseconds via getrusage(2), the POSIX analogue of the JVM's
// UnixOperatingSystemMXBean.getProcessCpuTime used by the Java original.
func processCPUTimeNs() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	userNs := ru.Utime.Sec*int64(time.Second) + int64(ru.Utime.Usec)*int64(time.Microsecond)
	sysNs := ru.Stime.Sec*int64(time.Second) + int64(ru.Stime.Usec)*int64(time.Microsecond)
	return userNs + sysNs
}
