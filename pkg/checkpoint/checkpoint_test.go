package checkpoint

import (
	"bytes"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/conneroisu/gpt2train/pkg/data"
	"github.com/conneroisu/gpt2train/pkg/gpt2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tinyConfig = gpt2.Config{MaxSeqLen: 4, VocabSize: 7, NumLayers: 1, NumHeads: 2, Channels: 4, UseBias: true}

func fullState(t *testing.T) State {
	t.Helper()
	model, err := gpt2.New(tinyConfig, rand.NewPCG(1, 2))
	require.NoError(t, err)
	opt := model.ConfigureOptimizer(0.1, 1e-3)
	require.NoError(t, model.Forward([]int32{1, 2, 3, 4}, []int32{2, 3, 4, 5}, 1, 4))
	require.NoError(t, model.Backward(1))
	opt.Step(model.Params.Memory, model.Gradients.Memory)
	optState := opt.State()

	pcg := rand.NewPCG(3, 4)
	pcg.Uint64()
	rng, err := pcg.MarshalBinary()
	require.NoError(t, err)
	loss := float32(3.25)
	return State{
		Config:    tinyConfig,
		Params:    append([]float32(nil), model.Params.Memory...),
		Step:      1000,
		ValLoss:   &loss,
		Optimizer: &optState,
		RNG:       rng,
		Loader:    &data.Cursor{Shard: 3, Position: 4096},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := fullState(t)
	path := Path(dir, want.Step)
	require.NoError(t, Save(path, want))
	assert.Equal(t, filepath.Join(dir, "model_01000.ckpt"), path)

	got, report, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, report.Skipped())
	assert.Equal(t, want, got)

	// the restored generator continues the saved stream
	a, b := rand.NewPCG(0, 0), rand.NewPCG(0, 0)
	require.NoError(t, a.UnmarshalBinary(want.RNG))
	require.NoError(t, b.UnmarshalBinary(got.RNG))
	assert.Equal(t, a.Uint64(), b.Uint64())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestRoundTripReproducesLogits(t *testing.T) {
	st := fullState(t)
	path := Path(t.TempDir(), 1)
	require.NoError(t, Save(path, st))
	got, _, err := Load(path)
	require.NoError(t, err)

	logits := func(params []float32) []float32 {
		model, err := gpt2.New(tinyConfig, rand.NewPCG(9, 9))
		require.NoError(t, err)
		copy(model.Params.Memory, params)
		require.NoError(t, model.Forward([]int32{0, 1, 2, 3}, nil, 1, 4))
		return append([]float32(nil), model.Logits()...)
	}
	assert.Equal(t, logits(st.Params), logits(got.Params))
}

// rewrite saves st and lets edit change the encoded sections before they
// are written.
func rewrite(t *testing.T, st State, edit func([]section) []section) string {
	t.Helper()
	sections, err := encode(st)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, writeSections(&buf, edit(sections)))
	path := Path(t.TempDir(), st.Step)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func without(name string) func([]section) []section {
	return func(sections []section) []section {
		var out []section
		for _, s := range sections {
			if s.name != name {
				out = append(out, s)
			}
		}
		return out
	}
}

func TestPartialRecovery(t *testing.T) {
	st := fullState(t)
	tests := []struct {
		name    string
		edit    func([]section) []section
		section string
		status  Status
	}{
		{name: "missing optimizer", edit: without(sectionOptimizer), section: sectionOptimizer, status: Absent},
		{name: "missing rng", edit: without(sectionRNG), section: sectionRNG, status: Absent},
		{name: "missing step", edit: without(sectionStep), section: sectionStep, status: Absent},
		{
			name: "garbled step",
			edit: func(sections []section) []section {
				for i := range sections {
					if sections[i].name == sectionStep {
						sections[i].payload = sections[i].payload[:4]
					}
				}
				return sections
			},
			section: sectionStep,
			status:  Malformed,
		},
		{
			name: "garbled optimizer",
			edit: func(sections []section) []section {
				for i := range sections {
					if sections[i].name == sectionOptimizer {
						sections[i].payload = sections[i].payload[:len(sections[i].payload)-3]
					}
				}
				return sections
			},
			section: sectionOptimizer,
			status:  Malformed,
		},
		{
			name: "bad loader",
			edit: func(sections []section) []section {
				for i := range sections {
					if sections[i].name == sectionLoader {
						sections[i].payload = append(sections[i].payload, 0)
					}
				}
				return sections
			},
			section: sectionLoader,
			status:  Malformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, report, err := Load(rewrite(t, st, tt.edit))
			require.NoError(t, err)
			assert.Equal(t, tt.status, report.Status(tt.section))
			require.Len(t, report.Skipped(), 1)
			assert.Equal(t, tt.section, report.Skipped()[0].Name)
			assert.Equal(t, st.Params, got.Params)
			assert.Equal(t, st.Step, got.Step)
		})
	}
}

func TestChecksumMismatchIsMalformed(t *testing.T) {
	st := fullState(t)
	path := Path(t.TempDir(), st.Step)
	require.NoError(t, Save(path, st))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// the rng payload sits before the final loader section
	idx := bytes.Index(raw, []byte(sectionRNG))
	require.Positive(t, idx)
	raw[idx+len(sectionRNG)+8+4] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	got, report, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Malformed, report.Status(sectionRNG))
	assert.Nil(t, got.RNG)
	assert.Equal(t, Present, report.Status(sectionLoader))
	assert.Equal(t, st.Loader, got.Loader)
}

func TestModelSectionIsRequired(t *testing.T) {
	st := fullState(t)
	tests := []struct {
		name string
		edit func([]section) []section
	}{
		{name: "no model", edit: without(sectionModel)},
		{name: "no config", edit: without(sectionConfig)},
		{
			name: "truncated model",
			edit: func(sections []section) []section {
				sections[1].payload = sections[1].payload[:12]
				return sections
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Load(rewrite(t, st, tt.edit))
			assert.ErrorIs(t, err, ErrNoModel)
		})
	}

	path := filepath.Join(t.TempDir(), "model_00002.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("nonsense"), 0o644))
	_, _, err := Load(path)
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestStepNeedsSectionOrFileName(t *testing.T) {
	st := fullState(t)
	sections, err := encode(st)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, writeSections(&buf, without(sectionStep)(sections)))
	path := filepath.Join(t.TempDir(), "renamed.ckpt")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	_, report, err := Load(path)
	assert.ErrorIs(t, err, ErrNoStep)
	assert.Equal(t, Absent, report.Status(sectionStep))
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	_, _, ok, err := Latest(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	for _, name := range []string{"model_00999.ckpt", "model_01000.ckpt", "model_00050.ckpt", "notes.txt", "model_02000.ckpt.tmp1"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	path, step, ok, err := Latest(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1000, step)
	assert.Equal(t, filepath.Join(dir, "model_01000.ckpt"), path)
}

func TestManagerLoadLatest(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	_, ok, err := m.LoadLatest()
	require.NoError(t, err)
	assert.False(t, ok)

	st := fullState(t)
	for _, step := range []int{500, 1000} {
		st.Step = step
		_, err := m.Save(st)
		require.NoError(t, err)
	}
	got, ok, err := m.LoadLatest()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1000, got.Step)
}
