package gpt2

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
)

// Sample extends prompt into numSequences continuations of maxLength tokens
// in total. Each next token is drawn from the topK most likely tokens,
// renormalised. The context is cropped to the model's maximum sequence length.
func (model *GPT2) Sample(prompt []int32, numSequences, maxLength, topK int, rng *rand.Rand) ([][]int32, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("sampling requires a non-empty prompt")
	}
	cfg := model.config
	if topK <= 0 || topK > cfg.VocabSize {
		topK = cfg.VocabSize
	}
	rows := make([][]int32, numSequences)
	for i := range rows {
		rows[i] = append(make([]int32, 0, maxLength), prompt...)
	}
	window := make([]int32, 0, numSequences*min(maxLength, cfg.MaxSeqLen))
	order := make([]int, cfg.VocabSize)
	candidates := make([]float32, topK)
	for cur := len(prompt); cur < maxLength; cur++ {
		T := min(cur, cfg.MaxSeqLen)
		window = window[:0]
		for _, row := range rows {
			window = append(window, row[cur-T:]...)
		}
		if err := model.Forward(window, nil, numSequences, T); err != nil {
			return nil, err
		}
		probs := model.Probabilities()
		for b := range rows {
			last := probs[(b*T+T-1)*cfg.VocabSize : (b*T+T)*cfg.VocabSize]
			for i := range order {
				order[i] = i
			}
			slices.SortStableFunc(order, func(i, j int) int { return cmp.Compare(last[j], last[i]) })
			var total float32
			for i, idx := range order[:topK] {
				candidates[i] = last[idx]
				total += last[idx]
			}
			pick := sampleMult(candidates, rng.Float32()*total)
			rows[b] = append(rows[b], int32(order[pick]))
		}
	}
	return rows, nil
}

// Inference encodes input, samples one continuation of up to maxLength
// tokens and decodes it.
func (model *GPT2) Inference(input string, maxLength int, rng *rand.Rand) (string, error) {
	if model.Tokenizer == nil {
		return "", fmt.Errorf("tokenizer not initialised")
	}
	tokens, err := model.Tokenizer.Encode(input)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		tokens = []int32{GPT2_EOT}
	}
	rows, err := model.Sample(tokens, 1, maxLength, 50, rng)
	if err != nil {
		return "", err
	}
	return model.Tokenizer.Decode(rows[0])
}
