package model

import (
	"math"
	"math/rand"
	"testing"
)

func testArch() Architecture {
	return Architecture{Side: 8, Filters: 3, KernelSize: 3, PoolSize: 2, NumClasses: 3}
}

func TestConvNetTrainStepReducesLoss(t *testing.T) {
	net, err := NewConvNet(testArch(), 0.01, 1)
	if err != nil {
		t.Fatalf("NewConvNet: %v", err)
	}
	batch := randomBatch(rand.New(rand.NewSource(2)), 6, 8, 3)
	first, _ := net.TrainStep(batch)
	var last float64
	for i := 0; i < 300; i++ {
		last, _ = net.TrainStep(batch)
	}
	if last >= first {
		t.Fatalf("expected loss to decrease; first=%f last=%f", first, last)
	}
	_, correct := net.Evaluate(batch)
	if correct < len(batch.Labels)-2 {
		t.Fatalf("expected to mostly fit a tiny batch, got %d/%d", correct, len(batch.Labels))
	}
}

func TestConvNetGradientMatchesFiniteDifference(t *testing.T) {
	arch := testArch()
	arch.L1 = 0.05
	net, err := NewConvNet(arch, 0.01, 4)
	if err != nil {
		t.Fatalf("NewConvNet: %v", err)
	}
	batch := randomBatch(rand.New(rand.NewSource(5)), 2, 8, 3)

	for _, g := range net.grads {
		clear(g)
	}
	scale := 1 / float64(len(batch.Inputs))
	for i, in := range batch.Inputs {
		net.forward(in, batch.Labels[i])
		net.backward(in, batch.Labels[i], scale)
	}
	net.penalize()

	const eps = 1e-6
	for ti, tensor := range [][]float64{net.convKernel, net.convBias, net.denseKernel, net.denseBias} {
		for _, idx := range []int{0, len(tensor) / 2, len(tensor) - 1} {
			orig := tensor[idx]
			tensor[idx] = orig + eps
			plus, _ := net.Evaluate(batch)
			tensor[idx] = orig - eps
			minus, _ := net.Evaluate(batch)
			tensor[idx] = orig
			numeric := (plus - minus) / (2 * eps)
			analytic := net.grads[ti][idx]
			if math.Abs(numeric-analytic) > 1e-4*math.Max(1, math.Abs(numeric)) {
				t.Fatalf("tensor %d idx %d: analytic %g numeric %g", ti, idx, analytic, numeric)
			}
		}
	}
}

func TestConvNetZeroImagesTrain(t *testing.T) {
	net, err := NewConvNet(Architecture{Side: 28, Filters: 12, KernelSize: 3, PoolSize: 2, NumClasses: 10}, 0, 3)
	if err != nil {
		t.Fatalf("NewConvNet: %v", err)
	}
	batch := Batch{Inputs: [][]float64{make([]float64, 784), make([]float64, 784)}, Labels: []int{0, 1}}
	loss, _ := net.TrainStep(batch)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss is not finite: %f", loss)
	}
}

func TestFromParamsRoundTrip(t *testing.T) {
	net, err := NewConvNet(testArch(), 0.01, 7)
	if err != nil {
		t.Fatalf("NewConvNet: %v", err)
	}
	net.TrainStep(randomBatch(rand.New(rand.NewSource(3)), 2, 8, 3))
	clone := net.Clone()
	if net.opt.Steps() != 1 || clone.opt.Steps() != 0 {
		t.Fatalf("clone should start with fresh optimizer state, got %d steps", clone.opt.Steps())
	}
	input := randomBatch(rand.New(rand.NewSource(1)), 1, 8, 3).Inputs[0]
	a, b := net.Predict(input), clone.Predict(input)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logit %d differs: %f vs %f", i, a[i], b[i])
		}
	}
	clone.Params()[0].Values[0] += 1
	if net.Params()[0].Values[0] == clone.Params()[0].Values[0] {
		t.Fatal("clone shares storage with the original")
	}

	if _, err := FromParams(testArch(), net.Params()[:2], 0.01); err == nil {
		t.Fatal("expected error for missing parameters")
	}
}

func TestArchitectureValidate(t *testing.T) {
	bad := []Architecture{
		{Side: 28, Filters: 12, KernelSize: 3, PoolSize: 2, NumClasses: 1},
		{Side: 2, Filters: 12, KernelSize: 3, PoolSize: 2, NumClasses: 2},
		{Side: 4, Filters: 1, KernelSize: 3, PoolSize: 4, NumClasses: 2},
		{Side: 28, Filters: 0, KernelSize: 3, PoolSize: 2, NumClasses: 2},
	}
	for i, a := range bad {
		if err := a.Validate(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, a)
		}
	}
	good := Architecture{Side: 28, Filters: 12, KernelSize: 3, PoolSize: 2, NumClasses: 10}
	if good.Flat() != 13*13*12 {
		t.Fatalf("unexpected flat size %d", good.Flat())
	}
}

func randomBatch(rng *rand.Rand, n, side, classes int) Batch {
	b := Batch{Inputs: make([][]float64, n), Labels: make([]int, n)}
	for i := range b.Inputs {
		in := make([]float64, side*side)
		for j := range in {
			in[j] = rng.Float64()
		}
		b.Inputs[i] = in
		b.Labels[i] = i % classes
	}
	return b
}
