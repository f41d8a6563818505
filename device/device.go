// Package device reports the compute resources available to a training run.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
)

// ErrNoGPU is returned when a GPU is requested but none can be used
var ErrNoGPU = errors.New("no usable GPU")

// GPU describes one CUDA device
type GPU struct {
	Index        int
	Name         string
	TotalMemory  uint64
	ComputeMajor int
	ComputeMinor int
}

// Info is the device report printed at startup
type Info struct {
	CPUBrand      string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512F       bool
	UseGPU        bool
	GPUs          []GPU
}

// Select builds the device report. With useGPU it probes CUDA devices and fails
// with ErrNoGPU when none are present or CUDA support was not compiled in.
func Select(useGPU bool) (Info, error) {
	info := cpuInfo()
	if !useGPU {
		return info, nil
	}

	gpus, err := probeGPUs()
	if err != nil {
		return info, err
	}
	if len(gpus) == 0 {
		return info, fmt.Errorf("%w: no CUDA devices found", ErrNoGPU)
	}
	info.UseGPU = true
	info.GPUs = gpus
	return info, nil
}

// deviceQuery reads the properties of one GPU
type deviceQuery interface {
	Name() (string, error)
	TotalMem() (int64, error)
	ComputeCapability() (major, minor int, err error)
}

func describeGPU(index int, q deviceQuery) (GPU, error) {
	name, err := q.Name()
	if err != nil {
		return GPU{}, fmt.Errorf("%w: device %d name: %v", ErrNoGPU, index, err)
	}
	mem, err := q.TotalMem()
	if err != nil {
		return GPU{}, fmt.Errorf("%w: device %d memory: %v", ErrNoGPU, index, err)
	}
	major, minor, err := q.ComputeCapability()
	if err != nil {
		return GPU{}, fmt.Errorf("%w: device %d compute capability: %v", ErrNoGPU, index, err)
	}
	return GPU{
		Index:        index,
		Name:         name,
		TotalMemory:  uint64(mem),
		ComputeMajor: major,
		ComputeMinor: minor,
	}, nil
}

func cpuInfo() Info {
	return Info{
		CPUBrand:      cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512F:       cpuid.CPU.Supports(cpuid.AVX512F),
	}
}

func (i Info) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%d cores, %d threads, avx2=%t, avx512f=%t)",
		i.CPUBrand, i.PhysicalCores, i.LogicalCores, i.AVX2, i.AVX512F)
	for _, g := range i.GPUs {
		fmt.Fprintf(&sb, "; gpu%d %s %s sm_%d%d", g.Index, g.Name, humanize.Bytes(g.TotalMemory), g.ComputeMajor, g.ComputeMinor)
	}
	return sb.String()
}
