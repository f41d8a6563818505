package device

import (
	"errors"
	"testing"
)

func TestSelectCPU(t *testing.T) {
	info, err := Select(false)
	if err != nil {
		t.Fatalf("Select(false) failed: %v", err)
	}
	if info.UseGPU {
		t.Error("Expected CPU-only selection")
	}
	if info.LogicalCores < 0 || info.PhysicalCores < 0 {
		t.Errorf("Unexpected core counts %+v", info)
	}
}

func TestSelectGPUWithoutCUDA(t *testing.T) {
	info, err := Select(true)
	if err == nil {
		// only reachable in a cuda build on a machine with a device
		if !info.UseGPU || len(info.GPUs) == 0 {
			t.Fatalf("Expected GPUs in the report, got %+v", info)
		}
		return
	}
	if !errors.Is(err, ErrNoGPU) {
		t.Errorf("Expected ErrNoGPU, got %v", err)
	}
	if info.UseGPU {
		t.Error("UseGPU must stay false when selection fails")
	}
}

func TestInfoString(t *testing.T) {
	info := Info{
		CPUBrand:      "Test CPU",
		PhysicalCores: 4,
		LogicalCores:  8,
		AVX2:          true,
		GPUs:          []GPU{{Index: 0, Name: "Fake", TotalMemory: 8 * 1000 * 1000 * 1000, ComputeMajor: 8, ComputeMinor: 6}},
	}
	want := "Test CPU (4 cores, 8 threads, avx2=true, avx512f=false); gpu0 Fake 8.0 GB sm_86"
	if got := info.String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

type fakeDevice struct {
	name    string
	nameErr error
	mem     int64
	memErr  error
	ccErr   error
}

func (d fakeDevice) Name() (string, error)   { return d.name, d.nameErr }
func (d fakeDevice) TotalMem() (int64, error) { return d.mem, d.memErr }
func (d fakeDevice) ComputeCapability() (int, int, error) {
	return 8, 6, d.ccErr
}

func TestDescribeGPU(t *testing.T) {
	gpu, err := describeGPU(1, fakeDevice{name: "Fake", mem: 1 << 30})
	if err != nil {
		t.Fatalf("describeGPU failed: %v", err)
	}
	if gpu.Index != 1 || gpu.Name != "Fake" || gpu.TotalMemory != 1<<30 || gpu.ComputeMajor != 8 || gpu.ComputeMinor != 6 {
		t.Errorf("Unexpected GPU %+v", gpu)
	}

	tests := []struct {
		name string
		dev  fakeDevice
	}{
		{"name", fakeDevice{nameErr: errors.New("driver gone")}},
		{"memory", fakeDevice{memErr: errors.New("driver gone")}},
		{"compute capability", fakeDevice{ccErr: errors.New("driver gone")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := describeGPU(0, tt.dev); !errors.Is(err, ErrNoGPU) {
				t.Errorf("Expected ErrNoGPU, got %v", err)
			}
		})
	}
}
