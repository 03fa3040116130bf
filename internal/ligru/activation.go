// Package ligru implements the forward and backward passes of a
// light-gated recurrent layer over a batched time sequence.
//
// The layer computes, per time step t:
//
//	z   = sigmoid(wx_z + uh_z)
//	a   = wx_a + uh_a
//	h~  = f(a)
//	h'  = z*h + (1-z)*h~
//
// where uh is the recurrent projection of the previous hidden state and
// f is a selectable candidate activation.
package ligru

import (
	"fmt"
	"math"

	"github.com/ligru-ml/ligru/internal/tensor"
)

// Activation selects the candidate-branch nonlinearity.
type Activation int

// The closed activation family. Values match the wire enumeration used
// by callers.
const (
	ReLU Activation = iota
	LeakyReLU
	Sin
	Tanh
)

// String returns a human-readable activation name.
func (a Activation) String() string {
	switch a {
	case ReLU:
		return "relu"
	case LeakyReLU:
		return "leaky_relu"
	case Sin:
		return "sin"
	case Tanh:
		return "tanh"
	default:
		return "unknown"
	}
}

// leakyReluSlope is the fixed negative slope of the leaky ReLU branch.
const leakyReluSlope = 0.01

// pointwise is the capability pair the gate kernels are parametrized
// by: the candidate activation and its exact derivative. Selecting the
// pair once per call keeps the hot loop branch-free.
type pointwise[T tensor.Float] struct {
	activate   func(T) T
	derivative func(T) T
}

// activations returns the capability pair for the given activation, or
// an error for values outside the closed family.
func activations[T tensor.Float](a Activation) (pointwise[T], error) {
	switch a {
	case ReLU:
		return pointwise[T]{
			activate: func(x T) T {
				if x > 0 {
					return x
				}
				return 0
			},
			derivative: func(x T) T {
				if x > 0 {
					return 1
				}
				return 0
			},
		}, nil
	case LeakyReLU:
		return pointwise[T]{
			activate: func(x T) T {
				if x > 0 {
					return x
				}
				return T(leakyReluSlope) * x
			},
			derivative: func(x T) T {
				if x > 0 {
					return 1
				}
				return T(leakyReluSlope)
			},
		}, nil
	case Sin:
		return pointwise[T]{
			activate:   func(x T) T { return T(math.Sin(float64(x))) },
			derivative: func(x T) T { return T(math.Cos(float64(x))) },
		}, nil
	case Tanh:
		return pointwise[T]{
			activate: func(x T) T { return T(math.Tanh(float64(x))) },
			derivative: func(x T) T {
				th := T(math.Tanh(float64(x)))
				return 1 - th*th
			},
		}, nil
	default:
		return pointwise[T]{}, fmt.Errorf("ligru: unsupported activation %d", int(a))
	}
}

// sigmoid computes the logistic function.
func sigmoid[T tensor.Float](x T) T {
	return T(1.0 / (1.0 + math.Exp(-float64(x))))
}
