package gpt2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureOptimizerGroups(t *testing.T) {
	model := newTiny(t, tinyConfig, 1)
	opt := model.ConfigureOptimizer(0.1, 6e-4)
	require.Len(t, opt.Groups, 2)
	decay, noDecay := opt.Groups[0], opt.Groups[1]
	assert.Equal(t, float32(0.1), decay.WeightDecay)
	assert.Zero(t, noDecay.WeightDecay)
	for _, p := range decay.Params {
		assert.GreaterOrEqual(t, len(p.Dims), 2, p.Name)
	}
	for _, p := range noDecay.Params {
		assert.Len(t, p.Dims, 1, p.Name)
	}
	assert.Equal(t, model.NumParameters(), decay.NumParams()+noDecay.NumParams())
	// 2 embeddings + 4 matrices per layer
	assert.Len(t, decay.Params, 2+4*tinyConfig.NumLayers)
}

func TestAdamWReducesLoss(t *testing.T) {
	model := newTiny(t, tinyConfig, 2)
	opt := model.ConfigureOptimizer(0, 1e-2)
	in := tokens(9, 4)
	require.NoError(t, model.Forward(in[:8], in[1:], 1, 8))
	first := model.MeanLoss
	for i := 0; i < 10; i++ {
		require.NoError(t, model.Forward(in[:8], in[1:], 1, 8))
		model.ZeroGradient()
		require.NoError(t, model.Backward(1))
		opt.Step(model.Params.Memory, model.Gradients.Memory)
	}
	require.NoError(t, model.Forward(in[:8], in[1:], 1, 8))
	assert.Less(t, model.MeanLoss, first)
	assert.Equal(t, 10, opt.StepCount)
}

func TestAdamWDecayOnlyAffectsDecayGroup(t *testing.T) {
	model := newTiny(t, tinyConfig, 2)
	opt := model.ConfigureOptimizer(0.5, 0.1)
	model.Gradients.Init(tinyConfig)
	before := append([]float32(nil), model.Params.Memory...)
	opt.Step(model.Params.Memory, model.Gradients.Memory)

	wte := model.Params.Named()[0]
	for i := wte.Offset; i < wte.Offset+wte.Size(); i++ {
		assert.InDelta(t, before[i]*(1-0.05), model.Params.Memory[i], 1e-6)
	}
	assert.Equal(t, model.Params.LayerNorm1W.data[0], float32(1))
}

func TestOptimizerStateRestore(t *testing.T) {
	model := newTiny(t, tinyConfig, 2)
	opt := model.ConfigureOptimizer(0.1, 1e-3)
	in := tokens(5, 1)
	require.NoError(t, model.Forward(in[:4], in[1:], 1, 4))
	require.NoError(t, model.Backward(1))
	opt.Step(model.Params.Memory, model.Gradients.Memory)

	state := opt.State()
	fresh := model.ConfigureOptimizer(0.1, 1e-3)
	require.NoError(t, fresh.Restore(state))
	assert.Equal(t, opt.FirstMomentEstimates, fresh.FirstMomentEstimates)
	assert.Equal(t, opt.SecondMomentEstimates, fresh.SecondMomentEstimates)
	assert.Equal(t, 1, fresh.StepCount)

	delete(state.Params, "transformer.wte.weight")
	other := model.ConfigureOptimizer(0.1, 1e-3)
	assert.Error(t, other.Restore(state))
	assert.Zero(t, other.StepCount)
}
