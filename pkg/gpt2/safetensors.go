package gpt2

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

type safetensorsEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// ReadSafetensors reads every F32 or BF16 tensor of a safetensors file.
func ReadSafetensors(path string) (map[string]SourceTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	state, err := readSafetensors(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return state, nil
}

func readSafetensors(r io.Reader) (map[string]SourceTensor, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > 100<<20 {
		return nil, fmt.Errorf("header length %d too large", headerLen)
	}
	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	state := make(map[string]SourceTensor, len(header))
	for name, msg := range header {
		if name == "__metadata__" {
			continue
		}
		var entry safetensorsEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		start, end := entry.Offsets[0], entry.Offsets[1]
		if start < 0 || end < start || end > int64(len(body)) {
			return nil, fmt.Errorf("%s: offsets %v outside data of %d bytes", name, entry.Offsets, len(body))
		}
		n := 1
		for _, d := range entry.Shape {
			n *= d
		}
		chunk := body[start:end]
		data := make([]float32, n)
		switch entry.DType {
		case "F32":
			if len(chunk) != 4*n {
				return nil, fmt.Errorf("%s: %d bytes for %d floats", name, len(chunk), n)
			}
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[4*i:]))
			}
		case "BF16":
			if len(chunk) != 2*n {
				return nil, fmt.Errorf("%s: %d bytes for %d bfloat16", name, len(chunk), n)
			}
			for i := range data {
				data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(chunk[2*i:])) << 16)
			}
		default:
			return nil, fmt.Errorf("%s: unsupported dtype %s", name, entry.DType)
		}
		state[name] = SourceTensor{Dims: entry.Shape, Data: data}
	}
	return state, nil
}
