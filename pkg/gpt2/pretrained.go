package gpt2

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ErrUnknownModel is returned for a pretrained model name outside the GPT-2
// family.
var ErrUnknownModel = errors.New("unknown pretrained model")

// pretrainedConfigs are the published GPT-2 sizes.
var pretrainedConfigs = map[string]Config{
	"gpt2":        {NumLayers: 12, NumHeads: 12, Channels: 768},
	"gpt2-medium": {NumLayers: 24, NumHeads: 16, Channels: 1024},
	"gpt2-large":  {NumLayers: 36, NumHeads: 20, Channels: 1280},
	"gpt2-xl":     {NumLayers: 48, NumHeads: 25, Channels: 1600},
}

// transposed lists the weights that checkpoints store as (in, out) instead
// of (out, in).
var transposed = []string{
	"attn.c_attn.weight",
	"attn.c_proj.weight",
	"mlp.c_fc.weight",
	"mlp.c_proj.weight",
}

// SourceTensor is one named tensor of an external checkpoint.
type SourceTensor struct {
	Dims []int
	Data []float32
}

// PretrainedConfig returns the configuration of a published GPT-2 size.
func PretrainedConfig(name string) (Config, error) {
	cfg, ok := pretrainedConfigs[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	cfg.VocabSize = 50257
	cfg.MaxSeqLen = 1024
	cfg.UseBias = true
	return cfg, nil
}

// FromPretrained builds the named GPT-2 size and copies the tensors of state
// into it. Names may omit the "transformer." prefix; the causal-mask buffers
// are ignored and a missing lm_head.weight is satisfied by the tied
// embedding. Any other difference in names or shapes is an error.
func FromPretrained(name string, state map[string]SourceTensor) (*GPT2, error) {
	cfg, err := PretrainedConfig(name)
	if err != nil {
		return nil, err
	}
	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}
	if err := model.loadState(state); err != nil {
		return nil, err
	}
	return model, nil
}

// loadState copies an external state dict into the parameters.
func (model *GPT2) loadState(state map[string]SourceTensor) error {
	src := make(map[string]SourceTensor, len(state))
	for key, t := range state {
		if strings.HasSuffix(key, ".attn.bias") || strings.HasSuffix(key, ".attn.masked_bias") {
			continue
		}
		if key != "lm_head.weight" && !strings.HasPrefix(key, "transformer.") {
			key = "transformer." + key
		}
		src[key] = t
	}
	head, hasHead := src["lm_head.weight"]
	delete(src, "lm_head.weight")

	named := model.Params.Named()
	if len(src) != len(named) {
		return fmt.Errorf("mismatched keys: checkpoint has %d tensors, model has %d: %v", len(src), len(named), keyDiff(src, named))
	}
	for _, p := range named {
		t, ok := src[p.Name]
		if !ok {
			return fmt.Errorf("mismatched keys: %s missing from checkpoint", p.Name)
		}
		dst := p.Slice(model.Params.Memory)
		if isTransposed(p.Name) {
			rows, cols := p.Dims[0], p.Dims[1]
			if !slices.Equal(t.Dims, []int{cols, rows}) {
				return fmt.Errorf("%s: shape %v, want transposed %v", p.Name, t.Dims, p.Dims)
			}
			for r := 0; r < rows; r++ {
				for c := 0; c < cols; c++ {
					dst[r*cols+c] = t.Data[c*rows+r]
				}
			}
			continue
		}
		if !slices.Equal(t.Dims, p.Dims) {
			return fmt.Errorf("%s: shape %v, want %v", p.Name, t.Dims, p.Dims)
		}
		copy(dst, t.Data)
	}
	if hasHead {
		wte := model.Params.WordTokEmbed
		if !slices.Equal(head.Dims, wte.dims) {
			return fmt.Errorf("lm_head.weight: shape %v, want %v", head.Dims, wte.dims)
		}
		// tied: equal to the embedding in every published checkpoint
		copy(model.Params.LMHead().data, head.Data)
	}
	return nil
}

func isTransposed(name string) bool {
	for _, suffix := range transposed {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// keyDiff names the keys present on only one side.
func keyDiff(src map[string]SourceTensor, named []NamedTensor) []string {
	want := make(map[string]bool, len(named))
	for _, p := range named {
		want[p.Name] = true
	}
	var diff []string
	for key := range src {
		if !want[key] {
			diff = append(diff, "+"+key)
		}
	}
	for key := range want {
		if _, ok := src[key]; !ok {
			diff = append(diff, "-"+key)
		}
	}
	sort.Strings(diff)
	return diff
}
