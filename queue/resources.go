package queue

import (
	"fmt"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGate rejects work when the host is too loaded to start more.
// A zero threshold disables the corresponding check.
type ResourceGate struct {
	// MinIdleCPU is the idle-CPU percentage required to start work.
	MinIdleCPU float64
	// MinFreeMem / MinFreeDisk are in bytes.
	MinFreeMem  uint64
	MinFreeDisk uint64
	// DiskPath is the mount point checked for free space.
	DiskPath string
}

// Check verifies that the system has enough free resources to start a new
// unit of work. Probe errors are logged and skipped rather than treated as
// rejections.
func (g *ResourceGate) Check() error {
	if g.MinIdleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Printf("[gate] could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > 100.0-g.MinIdleCPU {
			return fmt.Errorf("not enough idle CPU: usage %.2f%%, need %.2f%% idle", p[0], g.MinIdleCPU)
		}
	}

	if g.MinFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("[gate] could not get memory usage: %v", err)
		} else if vm.Available < g.MinFreeMem {
			return fmt.Errorf("not enough free memory: available %d, need %d", vm.Available, g.MinFreeMem)
		}
	}

	if g.MinFreeDisk > 0 {
		path := g.DiskPath
		if path == "" {
			path = "/"
		}
		d, err := disk.Usage(path)
		if err != nil {
			log.Printf("[gate] could not get disk usage for %s: %v", path, err)
		} else if d.Free < g.MinFreeDisk {
			return fmt.Errorf("not enough free disk space: available %d, need %d", d.Free, g.MinFreeDisk)
		}
	}
	return nil
}
