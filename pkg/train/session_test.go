package train

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gpt2train/pkg/checkpoint"
	"github.com/conneroisu/gpt2train/pkg/data"
	"github.com/conneroisu/gpt2train/pkg/dist"
	"github.com/conneroisu/gpt2train/pkg/gpt2"
	"github.com/conneroisu/gpt2train/pkg/runlog"
	"github.com/conneroisu/gpt2train/pkg/torch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tinyModel = gpt2.Config{MaxSeqLen: 8, VocabSize: 11, NumLayers: 2, NumHeads: 2, Channels: 8, UseBias: true}

// byteTokenizer maps every byte to a token below the tiny vocabulary.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) ([]int32, error) {
	out := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int32(text[i]) % int32(tinyModel.VocabSize)
	}
	return out, nil
}

func (byteTokenizer) Decode(tokens []int32) (string, error) {
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteByte('a' + byte(tok))
	}
	return b.String(), nil
}

// writeCorpus writes two train shards and one val shard of n tokens each.
func writeCorpus(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name string, offset int) {
		tokens := make([]uint16, n)
		for i := range tokens {
			tokens[i] = uint16((i + offset) % tinyModel.VocabSize)
		}
		require.NoError(t, data.WriteShard(filepath.Join(dir, name), tokens))
	}
	write("corpus_train_000000.bin", 0)
	write("corpus_train_000001.bin", 3)
	write("corpus_val_000000.bin", 5)
	return dir
}

func tinyConfig(t *testing.T, dataDir string) Config {
	t.Helper()
	logDir := t.TempDir()
	return Config{
		DataDir:            dataDir,
		LogDir:             logDir,
		MicroBatch:         2,
		SeqLen:             4,
		TotalBatch:         8,
		MaxLR:              1e-2,
		WarmupSteps:        1,
		MaxSteps:           3,
		WeightDecay:        0.1,
		GradClip:           1.0,
		EvalInterval:       2,
		CheckpointInterval: 1000,
		ValSteps:           1,
		Autocast:           true,
		FinalModelPath:     filepath.Join(logDir, "model.bin"),
		GenPrompt:          "hi",
		GenSequences:       2,
		GenMaxLen:          6,
		GenTopK:            5,
		GenSeed:            42,
	}
}

func newModel(t *testing.T) *gpt2.GPT2 {
	t.Helper()
	model, err := gpt2.New(tinyModel, rand.NewPCG(1337, 0))
	require.NoError(t, err)
	return model
}

func single(t *testing.T) *dist.Coordinator {
	t.Helper()
	coord, err := dist.NewCoordinator(context.Background(), dist.Single, dist.Options{}, log.Default())
	require.NoError(t, err)
	return coord
}

func TestGradAccumSteps(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		world     int
		want      int
		divisible bool
	}{
		{name: "one micro batch", total: 8, world: 1, want: 1, divisible: true},
		{name: "four micro batches", total: 32, world: 1, want: 4, divisible: true},
		{name: "split over workers", total: 32, world: 2, want: 2, divisible: true},
		{name: "remainder", total: 12, world: 1},
		{name: "remainder over workers", total: 24, world: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{MicroBatch: 2, SeqLen: 4, TotalBatch: tt.total}
			got, err := cfg.GradAccumSteps(tt.world)
			if !tt.divisible {
				assert.ErrorIs(t, err, ErrBatchDivisibility)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSessionRejectsIndivisibleBatch(t *testing.T) {
	cfg := tinyConfig(t, writeCorpus(t, 20))
	cfg.TotalBatch = 12
	_, err := NewSession(context.Background(), cfg, newModel(t), single(t), nil, log.Default())
	assert.ErrorIs(t, err, ErrBatchDivisibility)
}

func TestNewSessionRejectsLongSequences(t *testing.T) {
	cfg := tinyConfig(t, writeCorpus(t, 40))
	cfg.SeqLen = tinyModel.MaxSeqLen + 1
	cfg.TotalBatch = cfg.MicroBatch * cfg.SeqLen
	_, err := NewSession(context.Background(), cfg, newModel(t), single(t), nil, log.Default())
	assert.ErrorIs(t, err, gpt2.ErrSequenceTooLong)
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := tinyConfig(t, writeCorpus(t, 20))
	hella := filepath.Join(t.TempDir(), "hellaswag.jsonl")
	require.NoError(t, os.WriteFile(hella, []byte(
		`{"ctx": "the cat", "endings": ["sat", "ran", "flew", "slept"], "label": 0}`+"\n"+
			`{"ctx": "a dog", "endings": ["barked", "meowed"], "label": 1}`+"\n"), 0o644))
	cfg.HellaSwagPath = hella

	s, err := NewSession(ctx, cfg, newModel(t), single(t), byteTokenizer{}, log.Default())
	require.NoError(t, err)
	var stats []StepStats
	s.OnStep = func(st StepStats) { stats = append(stats, st) }
	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Finish(ctx))

	require.Len(t, stats, 3)
	wantCursors := []data.Cursor{{Shard: 0, Position: 8}, {Shard: 1, Position: 0}, {Shard: 1, Position: 8}}
	for i, st := range stats {
		assert.Equal(t, i, st.Step)
		assert.Equal(t, wantCursors[i], st.Cursor, "step %d", i)
		assert.True(t, torch.IsFinite(st.Loss))
		assert.Greater(t, st.Loss, float32(0))
		assert.InDelta(t, s.schedule.LR(i), st.LR, 1e-12)
	}
	assert.NotEqual(t, stats[0].Loss, stats[2].Loss)

	text, err := os.ReadFile(filepath.Join(cfg.LogDir, runlog.LogFile))
	require.NoError(t, err)
	var kinds []string
	for _, line := range strings.Split(strings.TrimSpace(string(text)), "\n") {
		fields := strings.Fields(line)
		require.Len(t, fields, 3, line)
		kinds = append(kinds, fields[0]+" "+fields[1])
	}
	assert.Equal(t, []string{
		"0 val", "0 hella", "0 train",
		"1 train",
		"2 val", "2 hella", "2 train",
	}, kinds)

	_, err = os.Stat(checkpoint.Path(cfg.LogDir, 2))
	assert.NoError(t, err)
	_, err = os.Stat(checkpoint.Path(cfg.LogDir, 0))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	raw, err := os.ReadFile(cfg.FinalModelPath)
	require.NoError(t, err)
	final, err := gpt2.NewGPT2(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, s.model.Params.Memory, final.Params.Memory)
}

func TestResumeContinuesAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := tinyConfig(t, writeCorpus(t, 20))
	cfg.FinalModelPath = ""

	first, err := NewSession(ctx, cfg, newModel(t), single(t), nil, log.Default())
	require.NoError(t, err)
	require.NoError(t, first.Run(ctx))
	require.NoError(t, first.Finish(ctx))
	saved, _, err := checkpoint.Load(checkpoint.Path(cfg.LogDir, 2))
	require.NoError(t, err)

	cfg.MaxSteps = 5
	resumed, err := NewSession(ctx, cfg, newModel(t), single(t), nil, log.Default())
	require.NoError(t, err)
	require.NoError(t, resumed.Resume())
	assert.Equal(t, 3, resumed.Step())
	assert.Equal(t, data.Cursor{Shard: 1, Position: 0}, resumed.trainData.Cursor())
	assert.Equal(t, saved.Params, resumed.model.Params.Memory)
	assert.Equal(t, saved.Optimizer.StepCount, resumed.opt.StepCount)
	assert.InDelta(t, resumed.schedule.LR(3), resumed.opt.LearningRate, 1e-7)
	require.NotNil(t, resumed.lastValLoss)
	assert.Equal(t, *saved.ValLoss, *resumed.lastValLoss)

	var steps []int
	resumed.OnStep = func(st StepStats) { steps = append(steps, st.Step) }
	require.NoError(t, resumed.Run(ctx))
	require.NoError(t, resumed.Finish(ctx))
	assert.Equal(t, []int{3, 4}, steps)
}

func TestResumeWithoutCheckpointStartsAtZero(t *testing.T) {
	ctx := context.Background()
	cfg := tinyConfig(t, writeCorpus(t, 20))
	s, err := NewSession(ctx, cfg, newModel(t), single(t), nil, log.Default())
	require.NoError(t, err)
	require.NoError(t, s.Resume())
	assert.Equal(t, 0, s.Step())
}

func TestResumeRejectsOtherModel(t *testing.T) {
	ctx := context.Background()
	cfg := tinyConfig(t, writeCorpus(t, 20))
	other := tinyModel
	other.NumLayers = 1
	model, err := gpt2.New(other, rand.NewPCG(1, 0))
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save(checkpoint.Path(cfg.LogDir, 7), checkpoint.State{
		Config: other,
		Params: model.Params.Memory,
		Step:   7,
	}))

	s, err := NewSession(ctx, cfg, newModel(t), single(t), nil, log.Default())
	require.NoError(t, err)
	assert.Error(t, s.Resume())
}

func TestResumeRecoversStepFromFileName(t *testing.T) {
	ctx := context.Background()
	cfg := tinyConfig(t, writeCorpus(t, 20))
	cfg.FinalModelPath = ""
	first, err := NewSession(ctx, cfg, newModel(t), single(t), nil, log.Default())
	require.NoError(t, err)
	require.NoError(t, first.Run(ctx))
	require.NoError(t, first.Finish(ctx))

	// break the checksum of the step payload: u16 name length, name, u64
	// payload length, u32 crc, payload
	path := checkpoint.Path(cfg.LogDir, 2)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(raw, []byte{4, 0, 's', 't', 'e', 'p'})
	require.Positive(t, idx)
	raw[idx+2+4+8+4] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	_, report, err := checkpoint.Load(path)
	require.NoError(t, err)
	require.Equal(t, checkpoint.Malformed, report.Status("step"))

	cfg.MaxSteps = 5
	resumed, err := NewSession(ctx, cfg, newModel(t), single(t), nil, log.Default())
	require.NoError(t, err)
	require.NoError(t, resumed.Resume())
	assert.Equal(t, 3, resumed.Step())
	assert.InDelta(t, resumed.schedule.LR(3), resumed.opt.LearningRate, 1e-7)
}

func TestSampleRestartsFromSeed(t *testing.T) {
	ctx := context.Background()
	cfg := tinyConfig(t, writeCorpus(t, 20))
	s, err := NewSession(ctx, cfg, newModel(t), single(t), byteTokenizer{}, log.Default())
	require.NoError(t, err)

	first, err := s.sample(0)
	require.NoError(t, err)
	require.Len(t, first, cfg.GenSequences)
	s.rng.Uint64()
	second, err := s.sample(1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	for _, text := range first {
		assert.Len(t, text, cfg.GenMaxLen)
	}
}

// failingLoader returns err from every batch.
type failingLoader struct {
	data.Loader
	err error
}

func (l failingLoader) NextBatch() ([]int32, []int32, error) { return nil, nil, l.err }

func TestRunStopsOnLoaderError(t *testing.T) {
	ctx := context.Background()
	cfg := tinyConfig(t, writeCorpus(t, 20))
	s, err := NewSession(ctx, cfg, newModel(t), single(t), nil, log.Default())
	require.NoError(t, err)
	broken := errors.New("shard vanished")
	s.trainData = failingLoader{Loader: s.trainData, err: broken}

	err = s.Run(ctx)
	assert.ErrorIs(t, err, broken)
	assert.Contains(t, err.Error(), "step 0")
	assert.Equal(t, 0, s.Step())
}

func TestRunTwoWorkersKeepsReplicasInSync(t *testing.T) {
	ctx := context.Background()
	const world = 2
	dataDir := writeCorpus(t, 20)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	cfgs := make([]Config, world)
	models := make([]*gpt2.GPT2, world)
	for rank := range cfgs {
		cfgs[rank] = tinyConfig(t, dataDir)
		cfgs[rank].TotalBatch = cfgs[rank].MicroBatch * cfgs[rank].SeqLen * world
		models[rank] = newModel(t)
	}

	sessions := make([]*Session, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			logger := log.Default().WithPrefix(fmt.Sprintf("rank %d", rank))
			id := dist.Identity{Rank: rank, WorldSize: world, Distributed: true, MasterAddr: ln.Addr().String()}
			opts := dist.Options{InitTimeout: 5 * time.Second, Timeout: 10 * time.Second, Retry: dist.RetryPolicy{Attempts: 1}}
			if rank == 0 {
				opts.Listener = ln
			}
			coord, err := dist.NewCoordinator(ctx, id, opts, logger)
			if err != nil {
				errs[rank] = err
				return
			}
			s, err := NewSession(ctx, cfgs[rank], models[rank], coord, byteTokenizer{}, logger)
			if err != nil {
				errs[rank] = err
				return
			}
			sessions[rank] = s
			if err := s.Run(ctx); err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = s.Finish(ctx)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}

	assert.Equal(t, sessions[0].model.Params.Memory, sessions[1].model.Params.Memory)
	assert.Equal(t, data.Cursor{Shard: 1, Position: 0}, sessions[0].trainData.Cursor())
	assert.Equal(t, data.Cursor{Shard: 1, Position: 8}, sessions[1].trainData.Cursor())
	_, err = os.Stat(sessions[0].cfg.FinalModelPath)
	assert.NoError(t, err)
	_, err = os.Stat(sessions[1].cfg.FinalModelPath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
