package data

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// Int32ByteLen is the size of one header slot of an llm.c shard.
	Int32ByteLen = 4
	shardMagic   = 20240520
	shardHeader  = 256
)

var npyMagic = []byte("\x93NUMPY")

// ReadShard reads every token of a shard file. Supported are NumPy .npy
// arrays of <u2, <i4 or <u4 and llm.c .bin shards. Errors name the path and
// the leading bytes of the file.
func ReadShard(path string) ([]int32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tokens []int32
	switch filepath.Ext(path) {
	case ".npy":
		tokens, err = decodeNpy(raw)
	case ".bin":
		tokens, err = decodeBin(raw)
	default:
		err = fmt.Errorf("unknown shard extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("decoding shard %s (leading bytes % x): %w", path, raw[:min(len(raw), 16)], err)
	}
	return tokens, nil
}

func decodeBin(raw []byte) ([]int32, error) {
	if len(raw) < shardHeader*Int32ByteLen {
		return nil, errors.New("file shorter than header")
	}
	header := make([]int32, shardHeader)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[0] != shardMagic {
		return nil, fmt.Errorf("bad magic %d", header[0])
	}
	if header[1] != 1 {
		return nil, fmt.Errorf("unsupported version %d", header[1])
	}
	body := raw[shardHeader*Int32ByteLen:]
	n := int(header[2])
	if n < 0 || len(body) != 2*n {
		return nil, fmt.Errorf("header says %d tokens, body has %d bytes", n, len(body))
	}
	tokens := make([]int32, n)
	for i := range tokens {
		tokens[i] = int32(binary.LittleEndian.Uint16(body[2*i:]))
	}
	return tokens, nil
}

func decodeNpy(raw []byte) ([]int32, error) {
	if len(raw) < 10 || !bytes.HasPrefix(raw, npyMagic) {
		return nil, errors.New("missing npy magic")
	}
	major := raw[6]
	var headerLen, offset int
	switch major {
	case 1:
		headerLen, offset = int(binary.LittleEndian.Uint16(raw[8:])), 10
	case 2, 3:
		if len(raw) < 12 {
			return nil, errors.New("truncated npy header")
		}
		headerLen, offset = int(binary.LittleEndian.Uint32(raw[8:])), 12
	default:
		return nil, fmt.Errorf("unsupported npy version %d", major)
	}
	if offset+headerLen > len(raw) {
		return nil, errors.New("truncated npy header")
	}
	header := string(raw[offset : offset+headerLen])
	body := raw[offset+headerLen:]

	descr, err := npyField(header, "descr")
	if err != nil {
		return nil, err
	}
	if order, _ := npyField(header, "fortran_order"); order == "True" {
		return nil, errors.New("fortran order arrays are not supported")
	}
	shape, err := npyField(header, "shape")
	if err != nil {
		return nil, err
	}
	n := 1
	for _, dim := range strings.Split(strings.Trim(shape, "()"), ",") {
		dim = strings.TrimSpace(dim)
		if dim == "" {
			continue
		}
		d, err := strconv.Atoi(dim)
		if err != nil {
			return nil, fmt.Errorf("bad shape %q", shape)
		}
		n *= d
	}

	descr = strings.Trim(descr, "'\"")
	size := map[string]int{"<u2": 2, "<i4": 4, "<u4": 4}[descr]
	if size == 0 {
		return nil, fmt.Errorf("unsupported dtype %s", descr)
	}
	if len(body) != size*n {
		return nil, fmt.Errorf("shape %s needs %d bytes, body has %d", shape, size*n, len(body))
	}
	tokens := make([]int32, n)
	for i := range tokens {
		switch size {
		case 2:
			tokens[i] = int32(binary.LittleEndian.Uint16(body[2*i:]))
		default:
			tokens[i] = int32(binary.LittleEndian.Uint32(body[4*i:]))
		}
	}
	return tokens, nil
}

// npyField extracts the raw value of key from the Python dict literal of an
// npy header.
func npyField(header, key string) (string, error) {
	i := strings.Index(header, "'"+key+"'")
	if i < 0 {
		return "", fmt.Errorf("npy header has no %s", key)
	}
	rest := strings.TrimSpace(header[i+len(key)+2:])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	if strings.HasPrefix(rest, "(") {
		end := strings.Index(rest, ")")
		if end < 0 {
			return "", fmt.Errorf("unterminated %s", key)
		}
		return rest[:end+1], nil
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		return "", fmt.Errorf("unterminated %s", key)
	}
	return strings.TrimSpace(rest[:end]), nil
}

// WriteShard writes tokens as an llm.c .bin shard.
func WriteShard(path string, tokens []uint16) error {
	var buf bytes.Buffer
	header := make([]int32, shardHeader)
	header[0], header[1], header[2] = shardMagic, 1, int32(len(tokens))
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, tokens); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
