package model

import "math"

// Adam implements the Adam optimizer with bias-corrected step size.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	t int
	m [][]float64
	v [][]float64
}

// NewAdam allocates moment buffers for tensors of the given sizes.
func NewAdam(lr float64, sizes ...int) *Adam {
	a := &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}
	a.m = make([][]float64, len(sizes))
	a.v = make([][]float64, len(sizes))
	for i, s := range sizes {
		a.m[i] = make([]float64, s)
		a.v[i] = make([]float64, s)
	}
	return a
}

// Step applies one update of grads to params, tensor by tensor.
func (a *Adam) Step(params, grads [][]float64) {
	a.t++
	t := float64(a.t)
	lr := a.LR * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))
	for i, p := range params {
		g, m, v := grads[i], a.m[i], a.v[i]
		for j := range p {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g[j]
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g[j]*g[j]
			p[j] -= lr * m[j] / (math.Sqrt(v[j]) + a.Epsilon)
		}
	}
}

// Steps returns the number of updates applied.
func (a *Adam) Steps() int {
	return a.t
}
