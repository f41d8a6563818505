package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-deepspeech/tensor"
)

func TestClipGradByGlobalNorm(t *testing.T) {
	a := tensor.NewParameter("a", 2)
	b := tensor.NewParameter("b", 2)
	// Global norm sqrt(3^2 + 4^2 + 6^2 + 8^2) = sqrt(125)
	a.Grad[0], a.Grad[1] = 3, 4
	b.Grad[0], b.Grad[1] = 6, 8
	params := []*tensor.Parameter{a, b}

	before := ClipGradByGlobalNorm(params, 5.0)
	if math.Abs(before-math.Sqrt(125)) > 1e-9 {
		t.Errorf("Expected pre-clip norm %f, got %f", math.Sqrt(125), before)
	}

	after := GlobalGradNorm(params)
	if math.Abs(after-5.0) > 1e-5 {
		t.Errorf("Expected clipped norm 5.0, got %f", after)
	}

	// Direction is preserved
	if ratio := float64(b.Grad[1] / a.Grad[0]); math.Abs(ratio-8.0/3.0) > 1e-5 {
		t.Errorf("Gradient direction changed: ratio %f", ratio)
	}
}

func TestClipGradBelowThresholdUnchanged(t *testing.T) {
	p := tensor.NewParameter("p", 2)
	p.Grad[0], p.Grad[1] = 0.3, 0.4

	norm := ClipGradByGlobalNorm([]*tensor.Parameter{p}, 5.0)
	if math.Abs(norm-0.5) > 1e-6 {
		t.Errorf("Expected norm 0.5, got %f", norm)
	}
	if p.Grad[0] != 0.3 || p.Grad[1] != 0.4 {
		t.Errorf("Gradients below threshold must be unchanged, got %v", p.Grad)
	}
}

func TestClipGradDisabled(t *testing.T) {
	p := tensor.NewParameter("p", 1)
	p.Grad[0] = 100

	ClipGradByGlobalNorm([]*tensor.Parameter{p}, 0)
	if p.Grad[0] != 100 {
		t.Errorf("Clipping with maxNorm 0 must be a no-op, got %f", p.Grad[0])
	}
}

func TestAdamStepClipsBeforeUpdate(t *testing.T) {
	params := newTestParams()
	adam, err := NewAdam(params, DefaultAdamConfig())
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 10
		}
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if adam.LastGradNorm() <= DefaultClipNorm {
		t.Fatalf("Expected pre-clip norm above threshold, got %f", adam.LastGradNorm())
	}
	if norm := GlobalGradNorm(params); math.Abs(norm-DefaultClipNorm) > 1e-4 {
		t.Errorf("Expected gradients clipped to %f, got %f", DefaultClipNorm, norm)
	}
}
