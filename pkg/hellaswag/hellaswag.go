// Package hellaswag reads HellaSwag examples and scores candidate
// completions.
package hellaswag

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
)

// Example is one multiple-choice item.
type Example struct {
	Context string   `json:"ctx"`
	Endings []string `json:"endings"`
	Label   int      `json:"label"`
}

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string) ([]int32, error)
}

// Rendered is an example as a batch: one row per ending, all rows padded to
// the same length T. Mask is 1 on the tokens of the ending.
type Rendered struct {
	Tokens []int32 // (len(Endings), T)
	Mask   []int32 // (len(Endings), T)
	Rows   int
	T      int
	Label  int
}

// Read parses JSON lines of examples from r.
func Read(r io.Reader) ([]Example, error) {
	var examples []Example
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(scanner.Bytes(), &ex); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(ex.Endings) == 0 || ex.Label < 0 || ex.Label >= len(ex.Endings) {
			return nil, fmt.Errorf("line %d: label %d for %d endings", line, ex.Label, len(ex.Endings))
		}
		examples = append(examples, ex)
	}
	return examples, scanner.Err()
}

// ReadFile reads the examples of a JSONL file.
func ReadFile(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	examples, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return examples, nil
}

// Render tokenizes ex into a Rendered batch. Every ending is encoded with a
// leading space, as it continues the context. Rows longer than maxLen keep
// their last maxLen tokens.
func Render(ex Example, enc Encoder, maxLen int) (Rendered, error) {
	ctx, err := enc.Encode(ex.Context)
	if err != nil {
		return Rendered{}, err
	}
	rows := make([][]int32, len(ex.Endings))
	masks := make([][]int32, len(ex.Endings))
	T := 0
	for i, ending := range ex.Endings {
		end, err := enc.Encode(" " + ending)
		if err != nil {
			return Rendered{}, err
		}
		row := append(append([]int32(nil), ctx...), end...)
		mask := make([]int32, len(row))
		for j := len(ctx); j < len(row); j++ {
			mask[j] = 1
		}
		if len(row) > maxLen {
			row, mask = row[len(row)-maxLen:], mask[len(mask)-maxLen:]
		}
		rows[i], masks[i] = row, mask
		T = max(T, len(row))
	}
	out := Rendered{
		Tokens: make([]int32, len(rows)*T),
		Mask:   make([]int32, len(rows)*T),
		Rows:   len(rows),
		T:      T,
		Label:  ex.Label,
	}
	for i := range rows {
		copy(out.Tokens[i*T:], rows[i])
		copy(out.Mask[i*T:], masks[i])
	}
	return out, nil
}

// MostLikelyRow returns the row whose masked tokens have the lowest average
// cross-entropy under logits, shaped (r.Rows, r.T, vocab). The logits at
// position t predict the token at t+1.
func MostLikelyRow(logits []float32, r Rendered, vocab int) int {
	losses := make([]float64, r.Rows)
	for i := 0; i < r.Rows; i++ {
		var sum float64
		count := 0
		for t := 0; t < r.T-1; t++ {
			if r.Mask[i*r.T+t+1] == 0 {
				continue
			}
			row := logits[(i*r.T+t)*vocab : (i*r.T+t+1)*vocab]
			sum += -logSoftmaxAt(row, int(r.Tokens[i*r.T+t+1]))
			count++
		}
		if count == 0 {
			losses[i] = math.Inf(1)
			continue
		}
		losses[i] = sum / float64(count)
	}
	return floats.MinIdx(losses)
}

func logSoftmaxAt(logits []float32, target int) float64 {
	maxv := math.Inf(-1)
	for _, v := range logits {
		maxv = math.Max(maxv, float64(v))
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxv)
	}
	return float64(logits[target]) - maxv - math.Log(sum)
}
