// Package data serves token batches from a sharded, pre-tokenized corpus.
package data

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
)

// ErrNoShards is returned when a corpus directory holds no shard for a split.
var ErrNoShards = errors.New("no shards found")

// Loader is an interface for data loaders.
type Loader interface {
	NextBatch() ([]int32, []int32, error)
	Reset() error
	// Cursor returns the position of the next batch.
	Cursor() Cursor
	// Seek moves the loader to a position returned by Cursor.
	Seek(c Cursor) error
}

var _ Loader = (*DataLoader)(nil)

// Cursor is the position of a DataLoader: the shard index and the token
// offset inside that shard of the next batch.
type Cursor struct {
	Shard    int
	Position int
}

// DataLoader hands out (batchSize, seqLength) windows of one split. Workers
// of a data-parallel group interleave: a worker starts at
// batchSize*seqLength*rank and every batch advances the position by
// batchSize*seqLength*worldSize tokens.
type DataLoader struct {
	batchSize int
	seqLength int
	rank      int
	worldSize int
	shards    []string
	cursor    Cursor
	tokens    []int32
	logger    *log.Logger
}

// NewDataLoader returns a new DataLoader over the files in dir whose names
// contain split, positioned at the start of the first shard.
func NewDataLoader(dir, split string, batchSize, seqLength, rank, worldSize int, logger *log.Logger) (*DataLoader, error) {
	if batchSize <= 0 || seqLength <= 0 {
		return nil, fmt.Errorf("invalid batch shape (%d, %d)", batchSize, seqLength)
	}
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("invalid rank %d for world size %d", rank, worldSize)
	}
	shards, err := findShards(dir, split)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	loader := &DataLoader{
		batchSize: batchSize,
		seqLength: seqLength,
		rank:      rank,
		worldSize: worldSize,
		shards:    shards,
		logger:    logger,
	}
	logger.Info("found shards", "split", split, "count", len(shards))
	if err := loader.Reset(); err != nil {
		return nil, err
	}
	return loader, nil
}

func findShards(dir, split string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing shards: %w", err)
	}
	var shards []string
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), split) {
			continue
		}
		shards = append(shards, filepath.Join(dir, e.Name()))
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w for split %q in %s", ErrNoShards, split, dir)
	}
	sort.Strings(shards)
	return shards, nil
}

// Shards returns the shard paths in reading order.
func (loader *DataLoader) Shards() []string {
	return loader.shards
}

// Cursor returns the position of the next batch.
func (loader *DataLoader) Cursor() Cursor {
	return loader.cursor
}

// stride is the number of tokens all workers consume together per batch.
func (loader *DataLoader) stride() int {
	return loader.batchSize * loader.seqLength * loader.worldSize
}

func (loader *DataLoader) start() int {
	return loader.batchSize * loader.seqLength * loader.rank
}

// Reset resets the loader to the worker's offset in the first shard.
func (loader *DataLoader) Reset() error {
	return loader.Seek(Cursor{Shard: 0, Position: loader.start()})
}

// Seek moves the loader to c, loading its shard.
func (loader *DataLoader) Seek(c Cursor) error {
	if c.Shard < 0 || c.Shard >= len(loader.shards) {
		return fmt.Errorf("shard %d out of range [0, %d)", c.Shard, len(loader.shards))
	}
	if c.Shard != loader.cursor.Shard || loader.tokens == nil {
		if err := loader.load(c.Shard); err != nil {
			return err
		}
	}
	if c.Position < 0 || c.Position+loader.batchSize*loader.seqLength+1 > len(loader.tokens) {
		return fmt.Errorf("position %d out of range for shard %s with %d tokens",
			c.Position, loader.shards[c.Shard], len(loader.tokens))
	}
	loader.cursor = c
	return nil
}

func (loader *DataLoader) load(shard int) error {
	path := loader.shards[shard]
	tokens, err := ReadShard(path)
	if err != nil {
		return err
	}
	if len(tokens) < loader.stride()+1 {
		return fmt.Errorf("shard %s has %d tokens, need at least %d", path, len(tokens), loader.stride()+1)
	}
	loader.logger.Debug("loaded shard", "path", path, "tokens", len(tokens))
	loader.tokens = tokens
	loader.cursor.Shard = shard
	return nil
}

// NextBatch returns the next batch of data: inputs and the targets shifted
// by one token.
func (loader *DataLoader) NextBatch() ([]int32, []int32, error) {
	n := loader.batchSize * loader.seqLength
	pos := loader.cursor.Position
	inputs := loader.tokens[pos : pos+n]
	targets := loader.tokens[pos+1 : pos+n+1]
	next := Cursor{Shard: loader.cursor.Shard, Position: pos + loader.stride()}
	if next.Position+loader.stride()+1 > len(loader.tokens) {
		next = Cursor{Shard: (next.Shard + 1) % len(loader.shards), Position: loader.start()}
	}
	if err := loader.Seek(next); err != nil {
		return nil, nil, err
	}
	return inputs, targets, nil
}
