package optim

import (
	"math"

	"segforge/internal/model"
)

// Optimizer updates a fixed set of parameters from their gradients.
type Optimizer interface {
	ZeroGrad()
	Step()
}

// SGD is stochastic gradient descent with classical momentum.
type SGD struct {
	params   []*model.Parameter
	lr       float64
	momentum float64
	velocity [][]float64
}

// NewSGD updates params with learning rate lr; momentum 0 is plain SGD.
func NewSGD(params []*model.Parameter, lr, momentum float64) *SGD {
	v := make([][]float64, len(params))
	for i, p := range params {
		v[i] = make([]float64, len(p.Data))
	}
	return &SGD{params: params, lr: lr, momentum: momentum, velocity: v}
}

// ZeroGrad clears the gradients of every tracked parameter.
func (o *SGD) ZeroGrad() { zeroGrad(o.params) }

// Step applies one update, skipping frozen parameters.
func (o *SGD) Step() {
	for i, p := range o.params {
		if !p.RequiresGrad {
			continue
		}
		v := o.velocity[i]
		for j, g := range p.Grad {
			if o.momentum != 0 {
				v[j] = o.momentum*v[j] + g
				g = v[j]
			}
			p.Data[j] -= o.lr * g
		}
	}
}

// Adam implements Kingma & Ba with bias correction.
type Adam struct {
	params []*model.Parameter
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	step   int
	m, v   [][]float64
}

// NewAdam uses beta1 0.9, beta2 0.999 and eps 1e-8.
func NewAdam(params []*model.Parameter, lr float64) *Adam {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, len(p.Data))
		v[i] = make([]float64, len(p.Data))
	}
	return &Adam{params: params, lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8, m: m, v: v}
}

// ZeroGrad clears the gradients of every tracked parameter.
func (o *Adam) ZeroGrad() { zeroGrad(o.params) }

// Step applies one bias-corrected update, skipping frozen parameters.
func (o *Adam) Step() {
	o.step++
	c1 := 1 - math.Pow(o.beta1, float64(o.step))
	c2 := 1 - math.Pow(o.beta2, float64(o.step))
	for i, p := range o.params {
		if !p.RequiresGrad {
			continue
		}
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
			p.Data[j] -= o.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + o.eps)
		}
	}
}

func zeroGrad(params []*model.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
