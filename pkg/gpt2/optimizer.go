package gpt2

import (
	"fmt"

	"github.com/conneroisu/gpt2train/pkg/torch"
)

// ParamGroup is a set of parameters sharing one weight decay.
type ParamGroup struct {
	Params      []NamedTensor
	WeightDecay float32
}

// NumParams returns the number of scalar parameters in the group.
func (g ParamGroup) NumParams() int {
	n := 0
	for _, p := range g.Params {
		n += p.Size()
	}
	return n
}

// AdamW is an implementation of the AdamW optimizer over the parameter slab
// of one model.
type AdamW struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	Groups       []ParamGroup
	// FirstMomentEstimates is a array of first moment estimates.
	FirstMomentEstimates []float32
	// SecondMomentEstimates is a array of second moment estimates.
	SecondMomentEstimates []float32
	// StepCount is the number of updates applied so far.
	StepCount int
}

// ConfigureOptimizer builds an AdamW optimizer for the model. Parameters with
// two or more dimensions (matmul weights and embeddings) are decayed;
// biases and normalization scales are not.
func (model *GPT2) ConfigureOptimizer(weightDecay, learningRate float32) *AdamW {
	decay := ParamGroup{WeightDecay: weightDecay}
	noDecay := ParamGroup{}
	for _, p := range model.Params.Named() {
		if len(p.Dims) >= 2 {
			decay.Params = append(decay.Params, p)
		} else {
			noDecay.Params = append(noDecay.Params, p)
		}
	}
	return &AdamW{
		LearningRate:          learningRate,
		Beta1:                 0.9,
		Beta2:                 0.95,
		Epsilon:               1e-8,
		Groups:                []ParamGroup{decay, noDecay},
		FirstMomentEstimates:  make([]float32, model.Params.Len()),
		SecondMomentEstimates: make([]float32, model.Params.Len()),
	}
}

// SetLearningRate sets the learning rate used by the next Step.
func (opt *AdamW) SetLearningRate(lr float32) {
	opt.LearningRate = lr
}

// Step performs an update on params from grads, both laid out like the
// model's ParameterTensors.Memory.
func (opt *AdamW) Step(params, grads []float32) {
	opt.StepCount++
	t := float32(opt.StepCount)
	correction1 := 1 - torch.Pow(opt.Beta1, t)
	correction2 := 1 - torch.Pow(opt.Beta2, t)
	lr, beta1, beta2, eps := opt.LearningRate, opt.Beta1, opt.Beta2, opt.Epsilon
	for _, group := range opt.Groups {
		for _, p := range group.Params {
			for i := p.Offset; i < p.Offset+p.Size(); i++ {
				gradient := grads[i]
				// update the momentum (m is the updated first moment estimate)
				m := beta1*opt.FirstMomentEstimates[i] + (1.0-beta1)*gradient
				// RMSprop update (v is the updated second moment estimate)
				v := beta2*opt.SecondMomentEstimates[i] + (1.0-beta2)*gradient*gradient
				mHat := m / correction1
				vHat := v / correction2
				opt.FirstMomentEstimates[i] = m
				opt.SecondMomentEstimates[i] = v
				params[i] -= lr * (mHat/(torch.Sqrt(vHat)+eps) + group.WeightDecay*params[i])
			}
		}
	}
}

// Moments are the optimizer statistics of one named parameter.
type Moments struct {
	First  []float32
	Second []float32
}

// OptimizerState is the serialisable state of an AdamW optimizer, keyed by
// parameter name so that it survives a change of in-memory layout.
type OptimizerState struct {
	StepCount int
	Params    map[string]Moments
}

// State copies the optimizer state.
func (opt *AdamW) State() OptimizerState {
	st := OptimizerState{StepCount: opt.StepCount, Params: map[string]Moments{}}
	for _, group := range opt.Groups {
		for _, p := range group.Params {
			st.Params[p.Name] = Moments{
				First:  append([]float32(nil), p.Slice(opt.FirstMomentEstimates)...),
				Second: append([]float32(nil), p.Slice(opt.SecondMomentEstimates)...),
			}
		}
	}
	return st
}

// Restore replaces the optimizer state with st. Nothing is changed unless
// every parameter of the optimizer is present in st with the right size.
func (opt *AdamW) Restore(st OptimizerState) error {
	count := 0
	for _, group := range opt.Groups {
		for _, p := range group.Params {
			m, ok := st.Params[p.Name]
			if !ok {
				return fmt.Errorf("optimizer state has no entry for %s", p.Name)
			}
			if len(m.First) != p.Size() || len(m.Second) != p.Size() {
				return fmt.Errorf("optimizer state for %s has %d/%d values, want %d", p.Name, len(m.First), len(m.Second), p.Size())
			}
			count++
		}
	}
	if count != len(st.Params) {
		return fmt.Errorf("optimizer state has %d entries, optimizer has %d parameters", len(st.Params), count)
	}
	for _, group := range opt.Groups {
		for _, p := range group.Params {
			copy(p.Slice(opt.FirstMomentEstimates), st.Params[p.Name].First)
			copy(p.Slice(opt.SecondMomentEstimates), st.Params[p.Name].Second)
		}
	}
	opt.StepCount = st.StepCount
	return nil
}
