package health

import (
	"github.com/shirou/gopsutil/v4/process"
)

// GopsutilSampler reads process metrics through gopsutil.
type GopsutilSampler struct{}

// NewGopsutilSampler creates the default Sampler.
func NewGopsutilSampler() *GopsutilSampler {
	return &GopsutilSampler{}
}

// Alive implements Sampler.
func (GopsutilSampler) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Sample implements Sampler.
func (GopsutilSampler) Sample(pid int) (float64, float64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}

	cpu, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}

	return cpu, float64(mem.RSS) / (1024 * 1024), nil
}

var _ Sampler = (*GopsutilSampler)(nil)
