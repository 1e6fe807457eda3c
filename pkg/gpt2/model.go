package gpt2

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/conneroisu/gpt2train/pkg/torch"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	GPT2_EOT int32 = 50256

	// initStd is the standard deviation of every freshly initialised weight.
	initStd = 0.02
)

var (
	// ErrSequenceTooLong is returned when a forward pass is asked for more
	// positions than the model has position embeddings for.
	ErrSequenceTooLong = errors.New("sequence length exceeds the model's maximum")
	// ErrNoTargets is returned by Backward when the last forward pass had no
	// targets and therefore no loss.
	ErrNoTargets = errors.New("backward requires a forward pass with targets")
)

// Config is a configuration struct for the GPT-2 model.
type Config struct {
	// MaxSeqLen is the maximum sequence length for the model.
	MaxSeqLen int
	// VocabSize is the size of the vocabulary.
	VocabSize int
	// NumLayers is the number of layers in the model.
	NumLayers int
	// NumHeads is the number of attention heads in each layer.
	NumHeads int
	// Channels is the embedding dimension.
	Channels int
	// UseBias adds biases to the linear and normalization layers.
	UseBias bool
}

// Validate checks the structural invariants of the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxSeqLen <= 0, c.VocabSize <= 0, c.NumLayers <= 0, c.NumHeads <= 0, c.Channels <= 0:
		return fmt.Errorf("invalid model config %+v: all dimensions must be positive", c)
	case c.Channels%c.NumHeads != 0:
		return fmt.Errorf("invalid model config: channels %d not divisible by heads %d", c.Channels, c.NumHeads)
	}
	return nil
}

// NumParameters returns the number of float32 values in the parameter slab.
func (c Config) NumParameters() int {
	V, C, maxT, L := c.VocabSize, c.Channels, c.MaxSeqLen, c.NumLayers
	bias := 0
	if c.UseBias {
		bias = 1
	}
	return V*C + // WordTokEmbed
		maxT*C + // WordPosEmbed
		L*C*(1+bias) + // LayerNorm1W/B
		L*3*C*C + bias*L*3*C + // QueryKeyValW/B
		L*C*C + bias*L*C + // AttProjW/B
		L*C*(1+bias) + // Layer2NormW/B
		L*4*C*C + bias*L*4*C + // FeedFwdW/B
		L*C*4*C + bias*L*C + // FeedFwdProjW/B
		C*(1+bias) // LayerFinNormW/B
}

// GPT2 is a GPT-2 model.
type GPT2 struct {
	// Tokenizer is used by Inference; training does not need it.
	Tokenizer Tokenizer
	// Params is the parameters of the model.
	Params ParameterTensors
	// Gradients has the layout of Params and accumulates across Backward calls
	// until ZeroGradient.
	Gradients ParameterTensors
	// Acts are the activations of the last forward pass.
	Acts BatchActivationTensors
	// GradActs are the activation gradients of the last backward pass.
	GradActs BatchActivationTensors
	// BatchSize is the batch size of the last forward pass.
	BatchSize int
	// SequenceLength is the sequence length of the last forward pass.
	SequenceLength int
	// Inputs is the input of the last forward pass.
	Inputs []int32
	// Targets are the target tokens of the last forward pass.
	Targets []int32
	// MeanLoss is the mean loss of the last forward pass, or -1 without targets.
	MeanLoss float32
	// Autocast rounds the matmul weights to bfloat16 during the forward pass.
	// Parameters, gradients and optimizer state stay float32.
	Autocast bool

	config Config
	cast   ParameterTensors
}

// New creates a model for cfg with freshly initialised weights drawn from src.
func New(cfg Config, src rand.Source) (*GPT2, error) {
	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}
	model.InitWeights(src)
	return model, nil
}

func newModel(cfg Config) (*GPT2, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model := &GPT2{config: cfg, MeanLoss: -1}
	model.Params.Init(cfg)
	return model, nil
}

// Config returns the configuration the model was built with.
func (model *GPT2) Config() Config {
	return model.config
}

// InitWeights resets every parameter: embeddings and linear weights from
// N(0, 0.02), projections that write into the residual stream from
// N(0, 0.02/sqrt(2*NumLayers)), biases to zero and normalization scales to one.
func (model *GPT2) InitWeights(src rand.Source) {
	normal := distuv.Normal{Mu: 0, Sigma: initStd, Src: src}
	residual := distuv.Normal{Mu: 0, Sigma: initStd / torch.Sqrt(float32(2*model.config.NumLayers)), Src: src}
	fill := func(data []float32, dist distuv.Normal) {
		for i := range data {
			data[i] = float32(dist.Rand())
		}
	}
	p := &model.Params
	clear(p.Memory)
	fill(p.WordTokEmbed.data, normal)
	fill(p.WordPosEmbed.data, normal)
	fill(p.QueryKeyValW.data, normal)
	fill(p.AttProjW.data, residual)
	fill(p.FeedFwdW.data, normal)
	fill(p.FeedFwdProjW.data, residual)
	for _, scale := range [][]float32{p.LayerNorm1W.data, p.Layer2NormW.data, p.LayerFinNormW.data} {
		for i := range scale {
			scale[i] = 1
		}
	}
}

// NumParameters returns the number of distinct parameters, counting the tied
// embedding once.
func (model *GPT2) NumParameters() int {
	return model.Params.Len()
}

// Logits returns the (B, T, V) logits of the last forward pass.
func (model *GPT2) Logits() []float32 {
	return model.Acts.Logits.data[:model.BatchSize*model.SequenceLength*model.config.VocabSize]
}

// Probabilities returns the (B, T, V) softmax of the last forward pass.
func (model *GPT2) Probabilities() []float32 {
	return model.Acts.Probabilities.data[:model.BatchSize*model.SequenceLength*model.config.VocabSize]
}

// ZeroGradient resets the parameter gradients to zero.
func (model *GPT2) ZeroGradient() {
	clear(model.Gradients.Memory)
}

// layer returns the l-th of the equally sized chunks of n elements in t.
func layer(t tensor, l, n int) []float32 {
	if len(t.data) == 0 {
		return nil
	}
	return t.data[l*n : (l+1)*n]
}

func (model *GPT2) checkTokens(tokens []int32, n int, what string) error {
	if len(tokens) < n {
		return fmt.Errorf("%s: got %d tokens, need %d", what, len(tokens), n)
	}
	for i, tok := range tokens[:n] {
		if tok < 0 || int(tok) >= model.config.VocabSize {
			return fmt.Errorf("%s: token %d at %d outside vocabulary of %d", what, tok, i, model.config.VocabSize)
		}
	}
	return nil
}

// Forward runs the model on B sequences of T tokens. With targets it also
// computes the mean cross-entropy loss into MeanLoss.
func (model *GPT2) Forward(input, target []int32, B, T int) error {
	cfg := model.config
	if B <= 0 || T <= 0 {
		return fmt.Errorf("forward: invalid batch shape (%d, %d)", B, T)
	}
	if T > cfg.MaxSeqLen {
		return fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, T, cfg.MaxSeqLen)
	}
	if err := model.checkTokens(input, B*T, "inputs"); err != nil {
		return err
	}
	if target != nil {
		if err := model.checkTokens(target, B*T, "targets"); err != nil {
			return err
		}
	}
	if !model.Acts.fits(B, T) {
		model.Acts.Init(B, cfg.Channels, T, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize)
		model.GradActs = BatchActivationTensors{}
		model.Inputs = make([]int32, B*T)
		model.Targets = make([]int32, B*T)
	}
	model.BatchSize, model.SequenceLength = B, T
	BT := B * T
	copy(model.Inputs, input[:BT])
	model.MeanLoss = -1
	hasTargets := target != nil
	if hasTargets {
		copy(model.Targets, target[:BT])
	}

	C, L, NH, V := cfg.Channels, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize
	acts := &model.Acts
	params := &model.Params
	// matmul weights, possibly rounded to bfloat16
	w := params
	if model.Autocast {
		if model.cast.Memory == nil {
			model.cast.Init(cfg)
		}
		torch.CastBF16(model.cast.Memory, params.Memory)
		w = &model.cast
	}

	torch.EncoderForward(acts.Encoded.data, model.Inputs, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	residual := acts.Encoded.data[:BT*C]
	for l := 0; l < L; l++ {
		ln1 := layer(acts.Layer1Act, l, BT*C)
		qkv := layer(acts.QueryKeyVal, l, BT*3*C)
		atty := layer(acts.AttentionInter, l, BT*C)
		attproj := layer(acts.AttentionProj, l, BT*C)
		residual2 := layer(acts.Residual2, l, BT*C)
		ln2 := layer(acts.LayerNorm2Act, l, BT*C)
		fch := layer(acts.FeedForward, l, BT*4*C)
		fchGelu := layer(acts.FeedForwardGelu, l, BT*4*C)
		fcproj := layer(acts.FeedForwardProj, l, BT*C)
		residual3 := layer(acts.Residual3, l, BT*C)

		torch.LayernormForward(ln1, layer(acts.LayerNorm1Mean, l, BT), layer(acts.LayerNorm1Rstd, l, BT),
			residual, layer(params.LayerNorm1W, l, C), layer(params.LayerNorm1B, l, C), B, T, C)
		torch.MatmulForward(qkv, ln1, layer(w.QueryKeyValW, l, 3*C*C), layer(params.QueryKeyValB, l, 3*C), B, T, C, 3*C)
		torch.AttentionForward(atty, layer(acts.PreAttention, l, B*NH*T*T), layer(acts.Attention, l, B*NH*T*T), qkv, B, T, C, NH)
		torch.MatmulForward(attproj, atty, layer(w.AttProjW, l, C*C), layer(params.AttProjB, l, C), B, T, C, C)
		torch.ResidualForward(residual2, residual, attproj, BT*C)

		torch.LayernormForward(ln2, layer(acts.LayerNorm2Mean, l, BT), layer(acts.LayerNorm2Rstd, l, BT),
			residual2, layer(params.Layer2NormW, l, C), layer(params.Layer2NormB, l, C), B, T, C)
		torch.MatmulForward(fch, ln2, layer(w.FeedFwdW, l, 4*C*C), layer(params.FeedFwdB, l, 4*C), B, T, C, 4*C)
		torch.GeluForward(fchGelu, fch, BT*4*C)
		torch.MatmulForward(fcproj, fchGelu, layer(w.FeedFwdProjW, l, 4*C*C), layer(params.FeedFwdProjB, l, C), B, T, 4*C, C)
		torch.ResidualForward(residual3, residual2, fcproj, BT*C)
		residual = residual3
	}

	lnf := acts.LayerNormFinal.data[:BT*C]
	torch.LayernormForward(lnf, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data,
		residual, params.LayerFinNormW.data, optional(params.LayerFinNormB), B, T, C)
	// the output head is the token embedding
	torch.MatmulForward(acts.Logits.data, lnf, w.LMHead().data, nil, B, T, C, V)
	torch.SoftmaxForward(acts.Probabilities.data, acts.Logits.data, B, T, V)
	if !hasTargets {
		return nil
	}
	losses := acts.Losses.data[:BT]
	torch.CrossEntropyForward(losses, acts.Probabilities.data, model.Targets, B, T, V)
	var mean float32
	for _, l := range losses {
		mean += l
	}
	model.MeanLoss = mean / float32(BT)
	return nil
}

// Backward accumulates into Gradients the gradient of lossScale times the
// mean loss of the last forward pass. Gradient accumulation over k
// micro-batches passes lossScale = 1/k.
func (model *GPT2) Backward(lossScale float32) error {
	if model.MeanLoss == -1.0 {
		return ErrNoTargets
	}
	cfg := model.config
	B, T := model.BatchSize, model.SequenceLength
	C, L, NH, V := cfg.Channels, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize
	BT := B * T
	if model.Gradients.Memory == nil {
		model.Gradients.Init(cfg)
	}
	if model.GradActs.Memory == nil {
		model.GradActs.Init(model.Acts.batch, C, model.Acts.seq, L, NH, V)
	}
	model.GradActs.zero()

	acts, dacts := &model.Acts, &model.GradActs
	params, grads := &model.Params, &model.Gradients

	dlosses := dacts.Losses.data[:BT]
	dlossMean := lossScale / float32(BT)
	for i := range dlosses {
		dlosses[i] = dlossMean
	}
	torch.CrossentropySoftmaxBackward(dacts.Logits.data, dlosses, acts.Probabilities.data, model.Targets, B, T, V)
	torch.MatmulBackward(dacts.LayerNormFinal.data, grads.LMHead().data, nil,
		dacts.Logits.data, acts.LayerNormFinal.data, params.LMHead().data, B, T, C, V)

	residual := layer(acts.Residual3, L-1, BT*C)
	dresidual := layer(dacts.Residual3, L-1, BT*C)
	torch.LayernormBackward(dresidual, grads.LayerFinNormW.data, optional(grads.LayerFinNormB),
		dacts.LayerNormFinal.data, residual, params.LayerFinNormW.data,
		acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, B, T, C)

	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual, dresidual = acts.Encoded.data[:BT*C], dacts.Encoded.data[:BT*C]
		} else {
			residual, dresidual = layer(acts.Residual3, l-1, BT*C), layer(dacts.Residual3, l-1, BT*C)
		}
		dresidual3 := layer(dacts.Residual3, l, BT*C)
		dresidual2 := layer(dacts.Residual2, l, BT*C)
		dfcproj := layer(dacts.FeedForwardProj, l, BT*C)
		dfchGelu := layer(dacts.FeedForwardGelu, l, BT*4*C)
		dfch := layer(dacts.FeedForward, l, BT*4*C)
		dln2 := layer(dacts.LayerNorm2Act, l, BT*C)
		dattproj := layer(dacts.AttentionProj, l, BT*C)
		datty := layer(dacts.AttentionInter, l, BT*C)
		dqkv := layer(dacts.QueryKeyVal, l, BT*3*C)
		dln1 := layer(dacts.Layer1Act, l, BT*C)

		torch.ResidualBackward(dresidual2, dfcproj, dresidual3, BT*C)
		torch.MatmulBackward(dfchGelu, layer(grads.FeedFwdProjW, l, 4*C*C), layer(grads.FeedFwdProjB, l, C),
			dfcproj, layer(acts.FeedForwardGelu, l, BT*4*C), layer(params.FeedFwdProjW, l, 4*C*C), B, T, 4*C, C)
		torch.GeluBackward(dfch, layer(acts.FeedForward, l, BT*4*C), dfchGelu, BT*4*C)
		torch.MatmulBackward(dln2, layer(grads.FeedFwdW, l, 4*C*C), layer(grads.FeedFwdB, l, 4*C),
			dfch, layer(acts.LayerNorm2Act, l, BT*C), layer(params.FeedFwdW, l, 4*C*C), B, T, C, 4*C)
		torch.LayernormBackward(dresidual2, layer(grads.Layer2NormW, l, C), layer(grads.Layer2NormB, l, C),
			dln2, layer(acts.Residual2, l, BT*C), layer(params.Layer2NormW, l, C),
			layer(acts.LayerNorm2Mean, l, BT), layer(acts.LayerNorm2Rstd, l, BT), B, T, C)

		torch.ResidualBackward(dresidual, dattproj, dresidual2, BT*C)
		torch.MatmulBackward(datty, layer(grads.AttProjW, l, C*C), layer(grads.AttProjB, l, C),
			dattproj, layer(acts.AttentionInter, l, BT*C), layer(params.AttProjW, l, C*C), B, T, C, C)
		torch.AttentionBackward(dqkv, layer(dacts.PreAttention, l, B*NH*T*T), layer(dacts.Attention, l, B*NH*T*T),
			datty, layer(acts.QueryKeyVal, l, BT*3*C), layer(acts.Attention, l, B*NH*T*T), B, T, C, NH)
		torch.MatmulBackward(dln1, layer(grads.QueryKeyValW, l, 3*C*C), layer(grads.QueryKeyValB, l, 3*C),
			dqkv, layer(acts.Layer1Act, l, BT*C), layer(params.QueryKeyValW, l, 3*C*C), B, T, C, 3*C)
		torch.LayernormBackward(dresidual, layer(grads.LayerNorm1W, l, C), layer(grads.LayerNorm1B, l, C),
			dln1, residual, layer(params.LayerNorm1W, l, C),
			layer(acts.LayerNorm1Mean, l, BT), layer(acts.LayerNorm1Rstd, l, BT), B, T, C)
	}
	torch.EncoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, dacts.Encoded.data, model.Inputs, B, T, C)
	return nil
}
