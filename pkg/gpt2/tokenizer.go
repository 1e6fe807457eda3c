package gpt2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/pkoukk/tiktoken-go"
)

const tokenizerMagic = 20240328

// gpt2Split is the GPT-2 pre-tokenization pattern. Tokens never cross the
// boundaries it finds.
var gpt2Split = regexp2.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`, regexp2.None)

// Tokenizer is an interface for tokenizing text.
type Tokenizer interface {
	Decode(tokens []int32) (string, error)
	Encode(text string) ([]int32, error)
}

// LoadTokenizer reads an llm.c tokenizer file, or returns the tiktoken GPT-2
// encoding when path is empty.
func LoadTokenizer(path string) (Tokenizer, error) {
	if path == "" {
		return NewTiktokenTokenizer()
	}
	return NewTokenizer(path)
}

// GPT2Tokenizer is a tokenizer for the GPT-2 language model backed by the
// token table of an llm.c tokenizer file.
type GPT2Tokenizer struct {
	vocabSize  uint32
	tokenTable []string
	trie       trie
}

// NewTokenizer returns a new GPT2Tokenizer instance.
func NewTokenizer(filename string) (*GPT2Tokenizer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	header := make([]uint32, 256)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[0] != tokenizerMagic || header[1] < 1 {
		return nil, fmt.Errorf("%s: incorrect header for tokenizer", filename)
	}
	tok := &GPT2Tokenizer{
		vocabSize:  header[2],
		tokenTable: make([]string, header[2]),
		trie:       newTrie(nil),
	}
	var length byte
	for i := range tok.tokenTable {
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		if length == 0 {
			return nil, fmt.Errorf("%s: empty token %d", filename, i)
		}
		tokenBytes := make([]byte, length)
		if err := binary.Read(r, binary.LittleEndian, tokenBytes); err != nil {
			return nil, err
		}
		tok.tokenTable[i] = string(tokenBytes)
		// the end-of-text entry must not match ordinary text
		if int32(i) == GPT2_EOT {
			continue
		}
		if err := tok.trie.Insert(tokenBytes, int32(i)); err != nil {
			return nil, err
		}
	}
	return tok, nil
}

// Decode decodes a sequence of tokens into a string.
func (t *GPT2Tokenizer) Decode(tokens []int32) (string, error) {
	var sb strings.Builder
	for _, token := range tokens {
		if token < 0 || token >= int32(len(t.tokenTable)) {
			return "", fmt.Errorf("not valid token: %d", token)
		}
		if token != GPT2_EOT {
			sb.WriteString(t.tokenTable[token])
		}
	}
	return sb.String(), nil
}

// Encode encodes a string into a sequence of tokens. The text is split into
// words first; each word is matched greedily against the token table.
func (t *GPT2Tokenizer) Encode(text string) ([]int32, error) {
	var tokens []int32
	m, err := gpt2Split.FindStringMatch(text)
	for ; m != nil && err == nil; m, err = gpt2Split.FindNextMatch(m) {
		_, words := t.trie.Tokenize([]byte(m.String()))
		tokens = append(tokens, words...)
	}
	if err != nil {
		return nil, fmt.Errorf("splitting text: %w", err)
	}
	return tokens, nil
}

// TiktokenTokenizer is the reference GPT-2 byte-pair encoding.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads the r50k_base encoding used by GPT-2.
func NewTiktokenTokenizer() (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding("r50k_base")
	if err != nil {
		return nil, fmt.Errorf("loading gpt-2 encoding: %w", err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

// Encode encodes a string into a sequence of tokens.
func (t *TiktokenTokenizer) Encode(text string) ([]int32, error) {
	ids := t.enc.Encode(text, nil, nil)
	tokens := make([]int32, len(ids))
	for i, id := range ids {
		tokens[i] = int32(id)
	}
	return tokens, nil
}

// Decode decodes a sequence of tokens into a string, dropping end-of-text.
func (t *TiktokenTokenizer) Decode(tokens []int32) (string, error) {
	ids := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		if tok == GPT2_EOT {
			continue
		}
		ids = append(ids, int(tok))
	}
	return t.enc.Decode(ids), nil
}
