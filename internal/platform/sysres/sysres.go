// Package sysres inspects host resources (cores, load, memory) and derives
// capture concurrency limits from them. Sizing is advisory: callers clamp the
// result with configured ceilings.
package sysres

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Resources is a point-in-time snapshot of the host.
type Resources struct {
	PhysicalCores int
	LogicalCores  int
	LoadPercent   float64 // 1-minute load relative to logical cores, 0-100+
	TotalRAM      uint64  // bytes
	AvailableRAM  uint64  // bytes
	MemUsedPct    float64
}

// PoolConfig mirrors the database pool settings that bound DB-side parallelism.
type PoolConfig struct {
	Size        int
	MaxOverflow int
}

// Sizing is the derived concurrency plan.
type Sizing struct {
	MaxConcurrentCombos int
	MaxWorkersPerCombo  int
	TotalBudget         int
}

const (
	reservedRAMBytes = 2 << 30        // kept free for the OS and DB
	perTaskRAMBytes  = 200 << 20      // observed footprint of one capture slot
	perTaskSafety    = 1.5            // headroom multiplier
	minBudget        = 2
)

// Detect reads the current host state. Linux only; errors fall back to the
// static defaults at the call site.
func Detect() (Resources, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Resources{}, fmt.Errorf("sysinfo: %w", err)
	}

	logical := runtime.NumCPU()
	if logical < 1 {
		logical = 1
	}
	physical := physicalCores()
	if physical < 1 {
		physical = maxInt(1, logical/2)
	}

	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(si.Totalram) * unit

	avail := availableRAM()
	if avail == 0 {
		avail = (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
	}

	// si.Loads is fixed point with scale 1<<16.
	load1 := float64(si.Loads[0]) / float64(1<<16)
	loadPct := load1 / float64(logical) * 100

	usedPct := 0.0
	if total > 0 {
		usedPct = float64(total-minUint(avail, total)) / float64(total) * 100
	}

	return Resources{
		PhysicalCores: physical,
		LogicalCores:  logical,
		LoadPercent:   loadPct,
		TotalRAM:      total,
		AvailableRAM:  avail,
		MemUsedPct:    usedPct,
	}, nil
}

// Plan turns a resource snapshot into combo/worker limits. The budget is the
// minimum of what CPU, memory, and the DB pool can each sustain; the tier
// table then splits it between combo-level and per-combo parallelism.
func Plan(r Resources, pool PoolConfig) Sizing {
	cpu := cpuBudget(r)
	mem := memBudget(r)
	db := dbBudget(pool)

	total := minInt(cpu, minInt(mem, db))
	if total < minBudget {
		total = minBudget
	}

	phys := float64(r.PhysicalCores)
	var combos, workers int
	switch {
	case total <= 6:
		combos, workers = maxInt(2, minInt(4, r.PhysicalCores)), 2
	case total <= 12:
		combos, workers = maxInt(3, minInt(6, r.PhysicalCores)), 2
	case total <= 24:
		combos, workers = maxInt(4, minInt(8, int(phys*1.2))), 3
	default:
		combos, workers = maxInt(6, minInt(12, int(phys*1.5))), 4
	}

	// Keep the product under the budget, scaling both sides down together.
	if combos*workers > total {
		ratio := float64(total) / float64(combos*workers)
		combos = maxInt(2, int(float64(combos)*ratio))
		workers = maxInt(2, int(float64(workers)*ratio))
	}

	return Sizing{
		MaxConcurrentCombos: combos,
		MaxWorkersPerCombo:  workers,
		TotalBudget:         total,
	}
}

// Auto detects and plans in one call, falling back to (4, 4) when detection
// fails.
func Auto(pool PoolConfig) Sizing {
	r, err := Detect()
	if err != nil {
		return Sizing{MaxConcurrentCombos: 4, MaxWorkersPerCombo: 4, TotalBudget: 16}
	}
	return Plan(r, pool)
}

func cpuBudget(r Resources) int {
	phys := float64(r.PhysicalCores)
	switch {
	case r.LoadPercent > 80:
		return maxInt(2, int(phys*0.5))
	case r.LoadPercent > 60:
		return maxInt(4, int(phys*0.75))
	default:
		n := minInt(r.LogicalCores*2, int(phys*1.5))
		return maxInt(2, n)
	}
}

func memBudget(r Resources) int {
	avail := float64(r.AvailableRAM) - float64(reservedRAMBytes)
	switch {
	case r.MemUsedPct > 80:
		avail *= 0.5
	case r.MemUsedPct > 60:
		avail *= 0.7
	}
	if avail < 1<<30 {
		avail = 1 << 30
	}
	perTask := float64(perTaskRAMBytes) * perTaskSafety
	return maxInt(2, int(avail/perTask))
}

func dbBudget(pool PoolConfig) int {
	capacity := float64(pool.Size + pool.MaxOverflow)
	return maxInt(2, int(capacity/2.5/2))
}

// physicalCores counts unique (physical id, core id) pairs in /proc/cpuinfo.
// Returns 0 when the file is unreadable or carries no topology info.
func physicalCores() int {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return 0
	}
	type coreKey struct{ pkg, core string }
	seen := map[coreKey]struct{}{}
	var pkg, core string
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "physical id"):
			pkg = valueOf(line)
		case strings.HasPrefix(line, "core id"):
			core = valueOf(line)
		case strings.TrimSpace(line) == "":
			if pkg != "" || core != "" {
				seen[coreKey{pkg, core}] = struct{}{}
			}
			pkg, core = "", ""
		}
	}
	return len(seen)
}

// availableRAM reads MemAvailable from /proc/meminfo in bytes, 0 on failure.
func availableRAM() uint64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb << 10
	}
	return 0
}

func valueOf(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minUint(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
