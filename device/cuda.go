//go:build cuda

package device

import (
	"fmt"

	"gorgonia.org/cu"
)

func probeGPUs() ([]GPU, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGPU, err)
	}

	gpus := make([]GPU, 0, n)
	for d := 0; d < n; d++ {
		gpu, err := describeGPU(d, cuDevice(d))
		if err != nil {
			return nil, err
		}
		gpus = append(gpus, gpu)
	}
	return gpus, nil
}

type cuDevice cu.Device

func (d cuDevice) Name() (string, error) {
	return cu.Device(d).Name()
}

func (d cuDevice) TotalMem() (int64, error) {
	return cu.Device(d).TotalMem()
}

func (d cuDevice) ComputeCapability() (int, int, error) {
	major, err := cu.Device(d).Attribute(cu.ComputeCapabilityMajor)
	if err != nil {
		return 0, 0, err
	}
	minor, err := cu.Device(d).Attribute(cu.ComputeCapabilityMinor)
	if err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}
