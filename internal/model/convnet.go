package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Architecture describes the network: a Side x Side single channel input,
// one valid convolution with ReLU, max pooling, flatten, and a dense layer
// producing one logit per class.
type Architecture struct {
	Side       int     `json:"side"`
	Filters    int     `json:"filters"`
	KernelSize int     `json:"kernel_size"`
	PoolSize   int     `json:"pool_size"`
	NumClasses int     `json:"num_classes"`
	L1         float64 `json:"l1,omitempty"`
}

// ConvOut is the edge length of the convolution output.
func (a Architecture) ConvOut() int {
	return a.Side - a.KernelSize + 1
}

// PoolOut is the edge length of the pooling output.
func (a Architecture) PoolOut() int {
	return a.ConvOut() / a.PoolSize
}

// Flat is the length of the flattened pooling output.
func (a Architecture) Flat() int {
	p := a.PoolOut()
	return p * p * a.Filters
}

// Validate checks that the layer sizes fit together.
func (a Architecture) Validate() error {
	if a.Side <= 0 || a.Filters <= 0 || a.KernelSize <= 0 || a.PoolSize <= 0 {
		return errors.New("model: sizes must be > 0")
	}
	if a.NumClasses < 2 {
		return fmt.Errorf("model: need at least 2 classes (got %d)", a.NumClasses)
	}
	if a.KernelSize > a.Side {
		return fmt.Errorf("model: kernel %d larger than input %d", a.KernelSize, a.Side)
	}
	if a.PoolOut() < 1 {
		return fmt.Errorf("model: pool %d larger than conv output %d", a.PoolSize, a.ConvOut())
	}
	if a.L1 < 0 {
		return fmt.Errorf("model: l1 must be >= 0 (got %g)", a.L1)
	}
	return nil
}

// ConvNet is a small convolutional classifier trained with softmax
// cross-entropy from logits and Adam.
type ConvNet struct {
	arch Architecture

	convKernel  []float64 // [k][k][1][filters]
	convBias    []float64 // [filters]
	denseKernel []float64 // [flat][classes]
	denseBias   []float64 // [classes]

	grads [4][]float64
	opt   *Adam
	lr    float64
	ws    workspace
}

type workspace struct {
	conv    []float64 // pre-pool activations [out][out][filters]
	pooled  []float64
	argmax  []int
	logits  []float64
	probs   []float64
	dPooled []float64
}

// NewConvNet constructs the network with Glorot uniform kernels and zero biases.
func NewConvNet(arch Architecture, lr float64, seed int64) (*ConvNet, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if lr <= 0 {
		lr = 0.001
	}
	rng := rand.New(rand.NewSource(seed))
	k := arch.KernelSize
	n := &ConvNet{
		arch:        arch,
		convKernel:  glorot(rng, k*k*arch.Filters, k*k, k*k*arch.Filters),
		convBias:    make([]float64, arch.Filters),
		denseKernel: glorot(rng, arch.Flat()*arch.NumClasses, arch.Flat(), arch.NumClasses),
		denseBias:   make([]float64, arch.NumClasses),
		lr:          lr,
	}
	n.init()
	return n, nil
}

// FromParams rebuilds a network from saved tensors.
func FromParams(arch Architecture, params []Param, lr float64) (*ConvNet, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if lr <= 0 {
		lr = 0.001
	}
	n := &ConvNet{arch: arch, lr: lr}
	want := n.shapes()
	byName := make(map[string]Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	dst := n.tensors()
	for i, name := range paramNames {
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("model: missing parameter %s", name)
		}
		if len(p.Values) != want[i] {
			return nil, fmt.Errorf("model: parameter %s has %d values, want %d", name, len(p.Values), want[i])
		}
		*dst[i] = append([]float64(nil), p.Values...)
	}
	n.init()
	return n, nil
}

var paramNames = [4]string{ConvKernel, ConvBias, DenseKernel, DenseBias}

func (n *ConvNet) shapes() [4]int {
	k := n.arch.KernelSize
	return [4]int{k * k * n.arch.Filters, n.arch.Filters, n.arch.Flat() * n.arch.NumClasses, n.arch.NumClasses}
}

func (n *ConvNet) tensors() [4]*[]float64 {
	return [4]*[]float64{&n.convKernel, &n.convBias, &n.denseKernel, &n.denseBias}
}

func (n *ConvNet) init() {
	sizes := n.shapes()
	for i, s := range sizes {
		n.grads[i] = make([]float64, s)
	}
	n.opt = NewAdam(n.lr, sizes[:]...)
	out := n.arch.ConvOut()
	flat := n.arch.Flat()
	n.ws = workspace{
		conv:    make([]float64, out*out*n.arch.Filters),
		pooled:  make([]float64, flat),
		argmax:  make([]int, flat),
		logits:  make([]float64, n.arch.NumClasses),
		probs:   make([]float64, n.arch.NumClasses),
		dPooled: make([]float64, flat),
	}
}

// Architecture returns the layer configuration.
func (n *ConvNet) Architecture() Architecture {
	return n.arch
}

// Params returns the weight tensors. The slices alias the network's storage.
func (n *ConvNet) Params() []Param {
	k := n.arch.KernelSize
	p := n.arch.PoolOut()
	return []Param{
		{Name: ConvKernel, Shape: []int{k, k, 1, n.arch.Filters}, Values: n.convKernel, Prunable: true},
		{Name: ConvBias, Shape: []int{n.arch.Filters}, Values: n.convBias},
		{Name: DenseKernel, Shape: []int{p * p * n.arch.Filters, n.arch.NumClasses}, Values: n.denseKernel, Prunable: true},
		{Name: DenseBias, Shape: []int{n.arch.NumClasses}, Values: n.denseBias},
	}
}

// Clone returns a deep copy of the weights with a fresh optimizer state.
func (n *ConvNet) Clone() *ConvNet {
	c, err := FromParams(n.arch, n.Params(), n.lr)
	if err != nil {
		panic(err)
	}
	return c
}

// TrainStep executes one Adam step on the batch mean loss.
func (n *ConvNet) TrainStep(batch Batch) (float64, int) {
	if len(batch.Inputs) == 0 {
		return 0, 0
	}
	for _, g := range n.grads {
		clear(g)
	}
	scale := 1 / float64(len(batch.Inputs))
	var loss float64
	var correct int
	for i, input := range batch.Inputs {
		l, ok := n.forward(input, batch.Labels[i])
		loss += l
		if ok {
			correct++
		}
		n.backward(input, batch.Labels[i], scale)
	}
	loss *= scale
	loss += n.penalize()

	n.opt.Step([][]float64{n.convKernel, n.convBias, n.denseKernel, n.denseBias}, n.grads[:])
	return loss, correct
}

// Evaluate returns the batch mean loss, including any L1 penalty, and the number of correct predictions.
func (n *ConvNet) Evaluate(batch Batch) (float64, int) {
	if len(batch.Inputs) == 0 {
		return 0, 0
	}
	var loss float64
	var correct int
	for i, input := range batch.Inputs {
		l, ok := n.forward(input, batch.Labels[i])
		loss += l
		if ok {
			correct++
		}
	}
	return loss/float64(len(batch.Inputs)) + n.penaltyLoss(), correct
}

// Predict returns the logits for a single image.
func (n *ConvNet) Predict(input []float64) []float64 {
	n.forward(input, -1)
	return append([]float64(nil), n.ws.logits...)
}

// forward fills the workspace and returns the cross-entropy loss for label
// and whether the arg-max logit equals label. A negative label skips the loss.
func (n *ConvNet) forward(input []float64, label int) (float64, bool) {
	a := n.arch
	side, k, f, out := a.Side, a.KernelSize, a.Filters, a.ConvOut()
	ws := &n.ws

	for y := 0; y < out; y++ {
		for x := 0; x < out; x++ {
			dst := ws.conv[(y*out+x)*f : (y*out+x+1)*f]
			copy(dst, n.convBias)
			for i := 0; i < k; i++ {
				row := input[(y+i)*side+x : (y+i)*side+x+k]
				for j, v := range row {
					if v == 0 {
						continue
					}
					w := n.convKernel[(i*k+j)*f : (i*k+j+1)*f]
					for c := range dst {
						dst[c] += v * w[c]
					}
				}
			}
			for c, v := range dst {
				if v < 0 {
					dst[c] = 0
				}
			}
		}
	}

	p, ps := a.PoolOut(), a.PoolSize
	for py := 0; py < p; py++ {
		for px := 0; px < p; px++ {
			for c := 0; c < f; c++ {
				best := -1
				bestVal := math.Inf(-1)
				for i := 0; i < ps; i++ {
					for j := 0; j < ps; j++ {
						idx := ((py*ps+i)*out+px*ps+j)*f + c
						if ws.conv[idx] > bestVal {
							bestVal = ws.conv[idx]
							best = idx
						}
					}
				}
				d := (py*p+px)*f + c
				ws.pooled[d] = bestVal
				ws.argmax[d] = best
			}
		}
	}

	classes := a.NumClasses
	copy(ws.logits, n.denseBias)
	for d, v := range ws.pooled {
		if v == 0 {
			continue
		}
		w := n.denseKernel[d*classes : (d+1)*classes]
		for c := range ws.logits {
			ws.logits[c] += v * w[c]
		}
	}
	softmaxInto(ws.probs, ws.logits)

	pred := 0
	for c, v := range ws.logits {
		if v > ws.logits[pred] {
			pred = c
		}
	}
	if label < 0 || label >= classes {
		return 0, false
	}
	return -math.Log(math.Max(ws.probs[label], 1e-12)), pred == label
}

// backward accumulates scaled gradients for the sample last passed to forward.
func (n *ConvNet) backward(input []float64, label int, scale float64) {
	a := n.arch
	side, k, f, out, classes := a.Side, a.KernelSize, a.Filters, a.ConvOut(), a.NumClasses
	ws := &n.ws
	gConvK, gConvB, gDenseK, gDenseB := n.grads[0], n.grads[1], n.grads[2], n.grads[3]

	dLogits := ws.probs
	if label >= 0 && label < classes {
		dLogits[label] -= 1
	}
	for c := range dLogits {
		dLogits[c] *= scale
		gDenseB[c] += dLogits[c]
	}

	for d, v := range ws.pooled {
		w := n.denseKernel[d*classes : (d+1)*classes]
		var acc float64
		for c, g := range dLogits {
			acc += w[c] * g
		}
		ws.dPooled[d] = acc
		if v == 0 {
			continue
		}
		gw := gDenseK[d*classes : (d+1)*classes]
		for c, g := range dLogits {
			gw[c] += v * g
		}
	}

	for d, g := range ws.dPooled {
		if g == 0 || ws.pooled[d] <= 0 {
			continue
		}
		idx := ws.argmax[d]
		c := idx % f
		pos := idx / f
		y, x := pos/out, pos%out
		gConvB[c] += g
		for i := 0; i < k; i++ {
			row := input[(y+i)*side+x : (y+i)*side+x+k]
			for j, v := range row {
				gConvK[(i*k+j)*f+c] += g * v
			}
		}
	}
}

// penalize adds the L1 subgradient to the conv kernel gradient and returns the penalty.
func (n *ConvNet) penalize() float64 {
	if n.arch.L1 == 0 {
		return 0
	}
	g := n.grads[0]
	for i, w := range n.convKernel {
		switch {
		case w > 0:
			g[i] += n.arch.L1
		case w < 0:
			g[i] -= n.arch.L1
		}
	}
	return n.penaltyLoss()
}

func (n *ConvNet) penaltyLoss() float64 {
	if n.arch.L1 == 0 {
		return 0
	}
	var sum float64
	for _, w := range n.convKernel {
		sum += math.Abs(w)
	}
	return n.arch.L1 * sum
}

func glorot(rng *rand.Rand, size, fanIn, fanOut int) []float64 {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	out := make([]float64, size)
	for i := range out {
		out[i] = (rng.Float64()*2 - 1) * limit
	}
	return out
}

func softmaxInto(out, logits []float64) {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
}
