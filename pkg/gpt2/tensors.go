package gpt2

import "fmt"

// tensor is a view over a slice of float32 values with its dimensions.
type tensor struct {
	data []float32
	dims []int
}

// newTensor carves a tensor with the given dimensions out of the front of
// data and returns it with the number of elements consumed.
func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s:s],
		dims: dims,
	}, s
}

// sampleMult returns the index of the first element of probabilities whose
// cumulative sum exceeds coin.
func sampleMult(probabilities []float32, coin float32) int {
	var cdf float32
	for i, prob := range probabilities {
		cdf += prob
		if coin < cdf {
			return i
		}
	}
	return len(probabilities) - 1
}

// BatchActivationTensors holds every activation of one forward pass for a
// batch of B sequences of length T.
type BatchActivationTensors struct {
	Memory             []float32
	Encoded            tensor // (B, T, C) token + position embeddings
	Layer1Act          tensor // (L, B, T, C) output of the first layer norm
	LayerNorm1Mean     tensor // (L, B, T)
	LayerNorm1Rstd     tensor // (L, B, T)
	QueryKeyVal        tensor // (L, B, T, 3*C) packed q, k, v
	AttentionInter     tensor // (L, B, T, C) attention output before projection
	PreAttention       tensor // (L, B, NH, T, T) scaled scores
	Attention          tensor // (L, B, NH, T, T) causal softmax weights
	AttentionProj      tensor // (L, B, T, C)
	Residual2          tensor // (L, B, T, C) residual after attention
	LayerNorm2Act      tensor // (L, B, T, C)
	LayerNorm2Mean     tensor // (L, B, T)
	LayerNorm2Rstd     tensor // (L, B, T)
	FeedForward        tensor // (L, B, T, 4*C)
	FeedForwardGelu    tensor // (L, B, T, 4*C)
	FeedForwardProj    tensor // (L, B, T, C)
	Residual3          tensor // (L, B, T, C) residual after the feed-forward block
	LayerNormFinal     tensor // (B, T, C)
	LayerNormFinalMean tensor // (B, T)
	LayerNormFinalStd  tensor // (B, T)
	Logits             tensor // (B, T, V)
	Probabilities      tensor // (B, T, V)
	Losses             tensor // (B, T)

	batch, seq int
}

// Init allocates the activations for batches of up to B sequences of up to T
// tokens.
func (acts *BatchActivationTensors) Init(B, C, T, L, NH, V int) {
	BT := B * T
	acts.Memory = make([]float32,
		BT*C+ // Encoded
			L*BT*C+ // Layer1Act
			2*L*BT+ // LayerNorm1Mean, LayerNorm1Rstd
			L*BT*3*C+ // QueryKeyVal
			L*BT*C+ // AttentionInter
			2*L*B*NH*T*T+ // PreAttention, Attention
			3*L*BT*C+ // AttentionProj, Residual2, LayerNorm2Act
			2*L*BT+ // LayerNorm2Mean, LayerNorm2Rstd
			2*L*BT*4*C+ // FeedForward, FeedForwardGelu
			2*L*BT*C+ // FeedForwardProj, Residual3
			BT*C+ // LayerNormFinal
			2*BT+ // LayerNormFinalMean, LayerNormFinalStd
			2*BT*V+ // Logits, Probabilities
			BT, // Losses
	)
	acts.batch, acts.seq = B, T
	mem := acts.Memory
	take := func(dims ...int) tensor {
		t, n := newTensor(mem, dims...)
		mem = mem[n:]
		return t
	}
	acts.Encoded = take(B, T, C)
	acts.Layer1Act = take(L, B, T, C)
	acts.LayerNorm1Mean = take(L, B, T)
	acts.LayerNorm1Rstd = take(L, B, T)
	acts.QueryKeyVal = take(L, B, T, 3*C)
	acts.AttentionInter = take(L, B, T, C)
	acts.PreAttention = take(L, B, NH, T, T)
	acts.Attention = take(L, B, NH, T, T)
	acts.AttentionProj = take(L, B, T, C)
	acts.Residual2 = take(L, B, T, C)
	acts.LayerNorm2Act = take(L, B, T, C)
	acts.LayerNorm2Mean = take(L, B, T)
	acts.LayerNorm2Rstd = take(L, B, T)
	acts.FeedForward = take(L, B, T, 4*C)
	acts.FeedForwardGelu = take(L, B, T, 4*C)
	acts.FeedForwardProj = take(L, B, T, C)
	acts.Residual3 = take(L, B, T, C)
	acts.LayerNormFinal = take(B, T, C)
	acts.LayerNormFinalMean = take(B, T)
	acts.LayerNormFinalStd = take(B, T)
	acts.Logits = take(B, T, V)
	acts.Probabilities = take(B, T, V)
	acts.Losses = take(B, T)
	if len(mem) != 0 {
		panic("activation layout does not cover its memory")
	}
}

// fits reports whether the activations can hold a (B, T) batch.
func (acts *BatchActivationTensors) fits(B, T int) bool {
	return acts.Memory != nil && B <= acts.batch && T <= acts.seq
}

// zero clears every activation.
func (acts *BatchActivationTensors) zero() {
	clear(acts.Memory)
}

// NamedTensor locates one logical parameter inside ParameterTensors.Memory.
// Stacked per-layer tensors are exposed as one NamedTensor per layer.
type NamedTensor struct {
	Name   string
	Offset int
	Dims   []int
}

// Size returns the number of elements of the parameter.
func (n NamedTensor) Size() int {
	s := 1
	for _, d := range n.Dims {
		s *= d
	}
	return s
}

// Slice returns the parameter's view into mem, which must share the layout
// of the ParameterTensors the name came from (parameters or gradients).
func (n NamedTensor) Slice(mem []float32) []float32 {
	return mem[n.Offset : n.Offset+n.Size()]
}

// ParameterTensors are the parameters of the model, laid out in one slab.
//
// The output projection (lm_head) has no storage of its own: it is the token
// embedding WordTokEmbed. See LMHead.
type ParameterTensors struct {
	Memory        []float32
	WordTokEmbed  tensor // (V, C)
	WordPosEmbed  tensor // (maxT, C)
	LayerNorm1W   tensor // (L, C)
	LayerNorm1B   tensor // (L, C), empty without bias
	QueryKeyValW  tensor // (L, 3*C, C)
	QueryKeyValB  tensor // (L, 3*C), empty without bias
	AttProjW      tensor // (L, C, C)
	AttProjB      tensor // (L, C), empty without bias
	Layer2NormW   tensor // (L, C)
	Layer2NormB   tensor // (L, C), empty without bias
	FeedFwdW      tensor // (L, 4*C, C)
	FeedFwdB      tensor // (L, 4*C), empty without bias
	FeedFwdProjW  tensor // (L, C, 4*C)
	FeedFwdProjB  tensor // (L, C), empty without bias
	LayerFinNormW tensor // (C)
	LayerFinNormB tensor // (C), empty without bias

	named []NamedTensor
}

// Init lays out the parameters for cfg and zeroes them.
func (params *ParameterTensors) Init(cfg Config) {
	V, C, maxT, L := cfg.VocabSize, cfg.Channels, cfg.MaxSeqLen, cfg.NumLayers
	bias := 0
	if cfg.UseBias {
		bias = 1
	}
	params.Memory = make([]float32, cfg.NumParameters())
	mem := params.Memory
	offset := 0
	take := func(dims ...int) tensor {
		t, n := newTensor(mem, dims...)
		mem = mem[n:]
		offset += n
		return t
	}
	// biases take no room when disabled but keep their dims for reporting
	takeBias := func(dims ...int) tensor {
		if bias == 0 {
			return tensor{dims: dims}
		}
		return take(dims...)
	}
	var offsets [16]int
	mark := func(i int) { offsets[i] = offset }

	mark(0)
	params.WordTokEmbed = take(V, C)
	mark(1)
	params.WordPosEmbed = take(maxT, C)
	mark(2)
	params.LayerNorm1W = take(L, C)
	mark(3)
	params.LayerNorm1B = takeBias(L, C)
	mark(4)
	params.QueryKeyValW = take(L, 3*C, C)
	mark(5)
	params.QueryKeyValB = takeBias(L, 3*C)
	mark(6)
	params.AttProjW = take(L, C, C)
	mark(7)
	params.AttProjB = takeBias(L, C)
	mark(8)
	params.Layer2NormW = take(L, C)
	mark(9)
	params.Layer2NormB = takeBias(L, C)
	mark(10)
	params.FeedFwdW = take(L, 4*C, C)
	mark(11)
	params.FeedFwdB = takeBias(L, 4*C)
	mark(12)
	params.FeedFwdProjW = take(L, C, 4*C)
	mark(13)
	params.FeedFwdProjB = takeBias(L, C)
	mark(14)
	params.LayerFinNormW = take(C)
	mark(15)
	params.LayerFinNormB = takeBias(C)
	if len(mem) != 0 {
		panic("parameter layout does not cover its memory")
	}

	named := []NamedTensor{
		{Name: "transformer.wte.weight", Offset: offsets[0], Dims: []int{V, C}},
		{Name: "transformer.wpe.weight", Offset: offsets[1], Dims: []int{maxT, C}},
	}
	perLayer := []struct {
		suffix string
		slot   int
		dims   []int
		isBias bool
	}{
		{"ln_1.weight", 2, []int{C}, false},
		{"ln_1.bias", 3, []int{C}, true},
		{"attn.c_attn.weight", 4, []int{3 * C, C}, false},
		{"attn.c_attn.bias", 5, []int{3 * C}, true},
		{"attn.c_proj.weight", 6, []int{C, C}, false},
		{"attn.c_proj.bias", 7, []int{C}, true},
		{"ln_2.weight", 8, []int{C}, false},
		{"ln_2.bias", 9, []int{C}, true},
		{"mlp.c_fc.weight", 10, []int{4 * C, C}, false},
		{"mlp.c_fc.bias", 11, []int{4 * C}, true},
		{"mlp.c_proj.weight", 12, []int{C, 4 * C}, false},
		{"mlp.c_proj.bias", 13, []int{C}, true},
	}
	for l := 0; l < L; l++ {
		for _, spec := range perLayer {
			if spec.isBias && bias == 0 {
				continue
			}
			n := NamedTensor{Dims: spec.dims}
			n.Offset = offsets[spec.slot] + l*n.Size()
			n.Name = fmt.Sprintf("transformer.h.%d.%s", l, spec.suffix)
			named = append(named, n)
		}
	}
	named = append(named, NamedTensor{Name: "transformer.ln_f.weight", Offset: offsets[14], Dims: []int{C}})
	if bias == 1 {
		named = append(named, NamedTensor{Name: "transformer.ln_f.bias", Offset: offsets[15], Dims: []int{C}})
	}
	params.named = named
}

// Len returns the length of the memory slice.
func (params *ParameterTensors) Len() int {
	return len(params.Memory)
}

// Named lists every distinct parameter in layout order. The tied output head
// is not listed separately.
func (params *ParameterTensors) Named() []NamedTensor {
	return params.named
}

// LMHead returns the output projection (V, C). It shares storage with
// WordTokEmbed: a write through either view is visible through the other.
func (params *ParameterTensors) LMHead() tensor {
	return params.WordTokEmbed
}

// optional returns the view data, or nil for a parameter without storage.
func optional(t tensor) []float32 {
	if len(t.data) == 0 {
		return nil
	}
	return t.data
}
