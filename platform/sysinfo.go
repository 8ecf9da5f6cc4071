package platform

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
)

// SystemStats is the payload of the utilization endpoint.
type SystemStats struct {
	CPUUsage       float64 `json:"cpu_usage"`
	CPUTemperature float64 `json:"cpu_temperature"`
	MemoryTotal    uint64  `json:"memory_total"`
	MemoryFree     uint64  `json:"memory_free"`
	MemoryUsed     uint64  `json:"memory_used"`
	UptimeMs       int64   `json:"uptime_ms"`
	Timestamp      int64   `json:"timestamp"`
}

// SysInfo samples CPU, memory and temperature from procfs/sysfs. CPU usage is
// computed from the delta between consecutive samples, so the first call
// reports zero.
type SysInfo struct {
	mu        sync.Mutex
	statPath  string
	memPath   string
	thermPath string

	prevIdle  uint64
	prevTotal uint64
}

func NewSysInfo() *SysInfo {
	return &SysInfo{
		statPath:  "/proc/stat",
		memPath:   "/proc/meminfo",
		thermPath: "/sys/class/thermal/thermal_zone0/temp",
	}
}

// Sample returns a snapshot of current system utilization. Missing sources
// (no thermal zone on some boards) leave the field zero rather than failing
// the whole sample.
func (s *SysInfo) Sample() (SystemStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SystemStats{
		UptimeMs:  Uptime().Milliseconds(),
		Timestamp: time.Now().Unix(),
	}

	if usage, err := s.sampleCPU(); err == nil {
		stats.CPUUsage = usage
	}
	if temp, err := s.sampleTemperature(); err == nil {
		stats.CPUTemperature = temp
	}

	total, free, err := s.sampleMemory()
	if err != nil {
		return stats, errors.Trace(err)
	}
	stats.MemoryTotal = total
	stats.MemoryFree = free
	stats.MemoryUsed = total - free

	return stats, nil
}

func (s *SysInfo) sampleCPU() (float64, error) {
	data, err := os.ReadFile(s.statPath)
	if err != nil {
		return 0, errors.Trace(err)
	}

	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, errors.NotValidf("cpu line %q", line)
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, errors.Trace(err)
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}

	dTotal := total - s.prevTotal
	dIdle := idle - s.prevIdle
	first := s.prevTotal == 0
	s.prevTotal = total
	s.prevIdle = idle

	if first || dTotal == 0 {
		return 0, nil
	}
	return 100.0 * float64(dTotal-dIdle) / float64(dTotal), nil
}

func (s *SysInfo) sampleMemory() (total, free uint64, err error) {
	data, err := os.ReadFile(s.memPath)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
			total *= 1024
		case "MemAvailable:":
			free, _ = strconv.ParseUint(fields[1], 10, 64)
			free *= 1024
		}
	}
	if total == 0 {
		return 0, 0, errors.NotFoundf("MemTotal in %s", s.memPath)
	}
	return total, free, nil
}

func (s *SysInfo) sampleTemperature() (float64, error) {
	data, err := os.ReadFile(s.thermPath)
	if err != nil {
		return 0, errors.Trace(err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Trace(err)
	}
	// Exposed in millidegrees.
	return float64(v) / 1000.0, nil
}
