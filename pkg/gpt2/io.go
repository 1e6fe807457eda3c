package gpt2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	modelMagic   = 20240326
	modelVersion = 1
	headerSize   = 256
)

// NewGPT2 creates a new GPT-2 model from a reader holding a parameter file:
// a header of 256 little-endian int32 followed by the float32 parameters.
func NewGPT2(r io.Reader) (*GPT2, error) {
	header := make([]int32, headerSize)
	err := binary.Read(r, binary.LittleEndian, &header)
	if err != nil {
		return nil, err
	}
	if header[0] != modelMagic || header[1] != modelVersion {
		return nil, fmt.Errorf("invalid header: magic %d version %d", header[0], header[1])
	}
	model, err := newModel(Config{
		MaxSeqLen: int(header[2]),
		VocabSize: int(header[3]),
		NumLayers: int(header[4]),
		NumHeads:  int(header[5]),
		Channels:  int(header[6]),
		// files written by llm.c leave this slot zero and always carry biases
		UseBias: header[7] == 0,
	})
	if err != nil {
		return nil, err
	}
	err = binary.Read(r, binary.LittleEndian, model.Params.Memory)
	if err != nil {
		return nil, fmt.Errorf("error reading model: %w", err)
	}
	return model, nil
}

// WriteTo writes the parameters in the format read by NewGPT2.
func (model *GPT2) WriteTo(w io.Writer) (int64, error) {
	cfg := model.config
	header := make([]int32, headerSize)
	header[0], header[1] = modelMagic, modelVersion
	header[2] = int32(cfg.MaxSeqLen)
	header[3] = int32(cfg.VocabSize)
	header[4] = int32(cfg.NumLayers)
	header[5] = int32(cfg.NumHeads)
	header[6] = int32(cfg.Channels)
	if !cfg.UseBias {
		header[7] = 1
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, model.Params.Memory); err != nil {
		return int64(4 * headerSize), err
	}
	return int64(4*headerSize + 4*len(model.Params.Memory)), nil
}

// SaveModel writes the parameter file to path, replacing any existing file
// only once the new one is complete.
func (model *GPT2) SaveModel(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	buf := bufio.NewWriter(tmp)
	if _, err := model.WriteTo(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("writing model: %w", err)
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadModel loads a GPT-2 model from a parameter file.
//
// The binPath file is the tokenizer file; when empty the tiktoken GPT-2
// encoding is used instead.
func LoadModel(ckptPath, binPath string) (*GPT2, error) {
	if ckptPath == "" {
		return nil, fmt.Errorf("model file path is required")
	}
	f, err := os.Open(ckptPath)
	if err != nil {
		return nil, fmt.Errorf("error opening model file: %w", err)
	}
	defer f.Close()
	model, err := NewGPT2(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ckptPath, err)
	}
	model.Tokenizer, err = LoadTokenizer(binPath)
	if err != nil {
		return nil, err
	}
	return model, nil
}
