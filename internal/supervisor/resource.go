package supervisor

import (
	"os"
	"time"

	"github.com/prometheus/procfs"

	"github.com/cosmicmesh/clustercore/pkg/log"
	"github.com/cosmicmesh/clustercore/pkg/ringbuffer"
)

// ResourceSample is one process/system resource reading.
type ResourceSample struct {
	ProcessCPUPercent float64
	SystemCPUPercent  float64
	MemoryBytes       uint64
}

// resourceSlots is the moving-average depth: a 100-slot rolling mean
// of process/system CPU.
const resourceSlots = 100

// ResourceTracker samples this process's and the host's CPU/memory
// usage via procfs, keeping a 100-slot rolling mean of each.
type ResourceTracker struct {
	proc procfs.Proc
	fs   procfs.FS

	lastSampleAt time.Time
	lastProcCPU  float64
	lastSysCPU   float64

	processCPU *ringbuffer.Buffer
	systemCPU  *ringbuffer.Buffer
}

// NewResourceTracker opens procfs handles for this process and the
// host. It returns an error if /proc is unavailable (e.g. non-Linux
// platforms), which callers should treat as "resource sampling
// disabled" rather than fatal.
func NewResourceTracker() (*ResourceTracker, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	proc, err := procfs.NewProc(os.Getpid())
	if err != nil {
		return nil, err
	}
	return &ResourceTracker{
		fs:         fs,
		proc:       proc,
		processCPU: ringbuffer.New(resourceSlots),
		systemCPU:  ringbuffer.New(resourceSlots),
	}, nil
}

// Sample takes one reading, folds it into the rolling means, and
// returns the current averages.
func (rt *ResourceTracker) Sample(now time.Time) ResourceSample {
	pstat, err := rt.proc.Stat()
	if err != nil {
		log.Warnf("supervisor: process stat sample failed: %v", err)
		return rt.snapshot()
	}
	sysStat, err := rt.fs.Stat()
	if err != nil {
		log.Warnf("supervisor: system stat sample failed: %v", err)
		return rt.snapshot()
	}

	procCPU := pstat.CPUTime()
	c := sysStat.CPUTotal
	sysCPU := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal

	if !rt.lastSampleAt.IsZero() {
		if elapsed := now.Sub(rt.lastSampleAt).Seconds(); elapsed > 0 {
			procPct := (procCPU - rt.lastProcCPU) / elapsed * 100
			sysPct := (sysCPU - rt.lastSysCPU) / elapsed * 100
			rt.processCPU.Push(procPct)
			rt.systemCPU.Push(sysPct)
		}
	}
	rt.lastProcCPU = procCPU
	rt.lastSysCPU = sysCPU
	rt.lastSampleAt = now

	sample := rt.snapshot()
	sample.MemoryBytes = uint64(pstat.ResidentMemory())
	return sample
}

func (rt *ResourceTracker) snapshot() ResourceSample {
	return ResourceSample{
		ProcessCPUPercent: rt.processCPU.Mean(),
		SystemCPUPercent:  rt.systemCPU.Mean(),
	}
}
