package clock

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryProbe samples host memory availability. The Admission Controller
// uses it to gate new runs below a configured free-memory floor, the same
// way a session's live RSS is sampled for a running agent process.
type MemoryProbe interface {
	// FreeMemoryMB returns the currently available memory in megabytes.
	FreeMemoryMB() (float64, error)
}

// GopsutilMemoryProbe is the production MemoryProbe, backed by
// github.com/shirou/gopsutil/v3/mem.
type GopsutilMemoryProbe struct{}

// NewGopsutilMemoryProbe returns the production MemoryProbe.
func NewGopsutilMemoryProbe() GopsutilMemoryProbe { return GopsutilMemoryProbe{} }

// FreeMemoryMB reports host-available memory (not merely "free" pages —
// gopsutil's Available already accounts for reclaimable cache/buffers).
func (GopsutilMemoryProbe) FreeMemoryMB() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return float64(vm.Available) / (1024 * 1024), nil
}

// FakeMemoryProbe is a deterministic MemoryProbe for tests.
type FakeMemoryProbe struct {
	FreeMB float64
	Err    error
}

func (p *FakeMemoryProbe) FreeMemoryMB() (float64, error) {
	return p.FreeMB, p.Err
}
