package gpt2

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/conneroisu/gpt2train/pkg/torch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tinyConfig = Config{
	MaxSeqLen: 8,
	VocabSize: 11,
	NumLayers: 2,
	NumHeads:  2,
	Channels:  8,
	UseBias:   true,
}

func newTiny(t *testing.T, cfg Config, seed uint64) *GPT2 {
	t.Helper()
	model, err := New(cfg, rand.NewPCG(seed, seed+1))
	require.NoError(t, err)
	return model
}

func tokens(n int, offset int32) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = (int32(i)*3 + offset) % int32(tinyConfig.VocabSize)
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "heads do not divide channels", mutate: func(c *Config) { c.NumHeads = 3 }, wantErr: true},
		{name: "zero layers", mutate: func(c *Config) { c.NumLayers = 0 }, wantErr: true},
		{name: "negative vocab", mutate: func(c *Config) { c.VocabSize = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyConfig
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestForwardShapeAndLoss(t *testing.T) {
	model := newTiny(t, tinyConfig, 1)
	B, T := 2, 5
	in := tokens(B*T+1, 0)
	require.NoError(t, model.Forward(in[:B*T], in[1:], B, T))
	assert.Len(t, model.Logits(), B*T*tinyConfig.VocabSize)
	assert.True(t, torch.IsFinite(model.MeanLoss))
	assert.GreaterOrEqual(t, model.MeanLoss, float32(0))

	require.NoError(t, model.Forward(in[:B*T], nil, B, T))
	assert.Equal(t, float32(-1), model.MeanLoss)
	assert.ErrorIs(t, model.Backward(1), ErrNoTargets)
}

func TestForwardRejectsInvalidInput(t *testing.T) {
	model := newTiny(t, tinyConfig, 1)
	T := tinyConfig.MaxSeqLen + 1
	err := model.Forward(tokens(T, 0), nil, 1, T)
	assert.ErrorIs(t, err, ErrSequenceTooLong)

	assert.Error(t, model.Forward([]int32{0, 1, 99}, nil, 1, 3))
	assert.Error(t, model.Forward([]int32{0, 1}, nil, 1, 3))
}

func TestForwardSmallerBatchReusesActivations(t *testing.T) {
	model := newTiny(t, tinyConfig, 1)
	in := tokens(17, 0)
	require.NoError(t, model.Forward(in[:16], in[1:], 2, 8))
	mem := &model.Acts.Memory[0]
	require.NoError(t, model.Forward(in[:4], in[1:5], 1, 4))
	assert.Same(t, mem, &model.Acts.Memory[0])
	assert.Len(t, model.Logits(), 4*tinyConfig.VocabSize)
}

func TestWeightTying(t *testing.T) {
	model := newTiny(t, tinyConfig, 1)
	in := tokens(4, 0)
	require.NoError(t, model.Forward(in, nil, 1, 4))
	before := append([]float32(nil), model.Logits()...)

	model.Params.WordTokEmbed.data[0] += 1
	assert.Equal(t, model.Params.WordTokEmbed.data[0], model.Params.LMHead().data[0])
	assert.Same(t, &model.Params.WordTokEmbed.data[0], &model.Params.LMHead().data[0])

	require.NoError(t, model.Forward(in, nil, 1, 4))
	assert.NotEqual(t, before, model.Logits())

	for _, p := range model.Params.Named() {
		assert.NotEqual(t, "lm_head.weight", p.Name)
	}
}

func TestNamedCoverParameters(t *testing.T) {
	for _, bias := range []bool{true, false} {
		cfg := tinyConfig
		cfg.UseBias = bias
		model := newTiny(t, cfg, 1)
		total := 0
		for _, p := range model.Params.Named() {
			total += p.Size()
		}
		assert.Equal(t, model.NumParameters(), total)
	}
}

func TestInitWeights(t *testing.T) {
	model := newTiny(t, tinyConfig, 7)
	p := &model.Params
	for _, v := range p.LayerNorm1W.data {
		assert.Equal(t, float32(1), v)
	}
	for _, v := range p.QueryKeyValB.data {
		assert.Zero(t, v)
	}
	std := func(data []float32) float64 {
		var sum float64
		for _, v := range data {
			sum += float64(v) * float64(v)
		}
		return sum / float64(len(data))
	}
	// residual projections are scaled down by sqrt(2*L)
	assert.Less(t, std(p.AttProjW.data), std(p.QueryKeyValW.data))

	again := newTiny(t, tinyConfig, 7)
	assert.Equal(t, p.Memory, again.Params.Memory)
}

func TestGradientAccumulationEquivalence(t *testing.T) {
	B, T := 2, 4
	in := tokens(B*T+1, 2)
	inputs, targets := in[:B*T], in[1:]

	whole := newTiny(t, tinyConfig, 3)
	require.NoError(t, whole.Forward(inputs, targets, B, T))
	require.NoError(t, whole.Backward(1))

	parts := newTiny(t, tinyConfig, 3)
	parts.ZeroGradient()
	var loss float32
	for b := 0; b < B; b++ {
		require.NoError(t, parts.Forward(inputs[b*T:(b+1)*T], targets[b*T:(b+1)*T], 1, T))
		loss += parts.MeanLoss / float32(B)
		require.NoError(t, parts.Backward(1/float32(B)))
	}
	assert.InDelta(t, whole.MeanLoss, loss, 1e-5)
	assert.InDeltaSlice(t, whole.Gradients.Memory, parts.Gradients.Memory, 1e-5)
}

func TestZeroGradient(t *testing.T) {
	model := newTiny(t, tinyConfig, 3)
	in := tokens(5, 0)
	require.NoError(t, model.Forward(in[:4], in[1:], 1, 4))
	require.NoError(t, model.Backward(1))
	model.ZeroGradient()
	for _, g := range model.Gradients.Memory {
		require.Zero(t, g)
	}
}

func TestAutocastStaysClose(t *testing.T) {
	model := newTiny(t, tinyConfig, 5)
	in := tokens(9, 1)
	require.NoError(t, model.Forward(in[:8], in[1:], 1, 8))
	full := model.MeanLoss
	model.Autocast = true
	require.NoError(t, model.Forward(in[:8], in[1:], 1, 8))
	assert.InDelta(t, full, model.MeanLoss, 1e-2)
	// master weights are untouched
	assert.NotEqual(t, torch.RoundBF16(model.Params.QueryKeyValW.data[0]), model.Params.QueryKeyValW.data[0])
}

func TestWriteToNewGPT2(t *testing.T) {
	for _, bias := range []bool{true, false} {
		cfg := tinyConfig
		cfg.UseBias = bias
		model := newTiny(t, cfg, 9)
		var buf bytes.Buffer
		n, err := model.WriteTo(&buf)
		require.NoError(t, err)
		assert.Equal(t, int64(buf.Len()), n)

		loaded, err := NewGPT2(&buf)
		require.NoError(t, err)
		assert.Equal(t, cfg, loaded.Config())
		assert.Equal(t, model.Params.Memory, loaded.Params.Memory)
	}
}

func TestNewGPT2RejectsBadHeader(t *testing.T) {
	_, err := NewGPT2(bytes.NewReader(make([]byte, 4*headerSize)))
	assert.ErrorContains(t, err, "invalid header")
}

func TestSampleIsDeterministic(t *testing.T) {
	model := newTiny(t, tinyConfig, 11)
	prompt := []int32{1, 2, 3}
	a, err := model.Sample(prompt, 2, 12, 3, rand.New(rand.NewPCG(42, 0)))
	require.NoError(t, err)
	b, err := model.Sample(prompt, 2, 12, 3, rand.New(rand.NewPCG(42, 0)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	for _, row := range a {
		assert.Len(t, row, 12)
		assert.Equal(t, prompt, row[:3])
		for _, tok := range row {
			assert.Less(t, tok, int32(tinyConfig.VocabSize))
		}
	}
}
