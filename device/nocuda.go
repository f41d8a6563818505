//go:build !cuda

package device

import "fmt"

func probeGPUs() ([]GPU, error) {
	return nil, fmt.Errorf("%w: built without CUDA support (rebuild with -tags cuda)", ErrNoGPU)
}
