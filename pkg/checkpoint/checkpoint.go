// Package checkpoint saves and restores the complete state of a training
// run.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gpt2train/pkg/data"
	"github.com/conneroisu/gpt2train/pkg/gpt2"
)

// ErrNoModel is returned by Load when the model or its configuration cannot
// be restored. Training cannot resume without weights.
var ErrNoModel = errors.New("checkpoint has no usable model")

// ErrNoStep is returned by Load when neither the step section nor the file
// name tells which step the checkpoint was taken at.
var ErrNoStep = errors.New("checkpoint step unknown")

const (
	sectionConfig    = "config"
	sectionModel     = "model"
	sectionStep      = "step"
	sectionValLoss   = "val_loss"
	sectionOptimizer = "optimizer"
	sectionRNG       = "rng"
	sectionLoader    = "loader"
)

// sectionOrder is the order sections are written and reported in.
var sectionOrder = []string{
	sectionConfig, sectionModel, sectionStep, sectionValLoss,
	sectionOptimizer, sectionRNG, sectionLoader,
}

var fileName = regexp.MustCompile(`^model_(\d+)\.ckpt$`)

// State is everything needed to continue a run exactly where it stopped.
// Optional parts are nil when unknown.
type State struct {
	Config gpt2.Config
	Params []float32
	Step   int
	// ValLoss is the most recent validation loss, if any was measured.
	ValLoss   *float32
	Optimizer *gpt2.OptimizerState
	// RNG is the binary state of the host generator.
	RNG    []byte
	Loader *data.Cursor
}

// SectionReport records how one section was restored.
type SectionReport struct {
	Name   string
	Status Status
	Err    error
}

// Report lists every known section in file order.
type Report []SectionReport

// Status returns the outcome for the named section.
func (r Report) Status(name string) Status {
	for _, s := range r {
		if s.Name == name {
			return s.Status
		}
	}
	return Absent
}

// Skipped returns the sections that were not restored.
func (r Report) Skipped() Report {
	var out Report
	for _, s := range r {
		if s.Status != Present {
			out = append(out, s)
		}
	}
	return out
}

// Path returns the file name of the checkpoint for step in dir.
func Path(dir string, step int) string {
	return filepath.Join(dir, fmt.Sprintf("model_%05d.ckpt", step))
}

// stepFromName parses the step out of a file name written by Path.
func stepFromName(path string) (int, bool) {
	m := fileName.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

// Latest finds the checkpoint with the highest step in dir. ok is false if
// there is none.
func Latest(dir string) (path string, step int, ok bool, err error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	type found struct {
		path string
		step int
	}
	var all []found
	for _, e := range entries {
		n, ok := stepFromName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		all = append(all, found{filepath.Join(dir, e.Name()), n})
	}
	if len(all) == 0 {
		return "", 0, false, nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].step > all[j].step })
	return all[0].path, all[0].step, true, nil
}

// Save writes st to path as one unit: the file appears complete or not at
// all.
func Save(path string, st State) error {
	sections, err := encode(st)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := writeSections(tmp, sections); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encode(st State) ([]section, error) {
	cfg := st.Config
	if len(st.Params) != cfg.NumParameters() {
		return nil, fmt.Errorf("%d parameters for a config of %d", len(st.Params), cfg.NumParameters())
	}
	var sections []section
	add := func(name string, fill func(e *encoder)) {
		var e encoder
		fill(&e)
		sections = append(sections, section{name: name, payload: e.Bytes()})
	}
	add(sectionConfig, func(e *encoder) {
		bias := int32(0)
		if cfg.UseBias {
			bias = 1
		}
		e.put([]int32{int32(cfg.MaxSeqLen), int32(cfg.VocabSize), int32(cfg.NumLayers),
			int32(cfg.NumHeads), int32(cfg.Channels), bias})
	})
	add(sectionModel, func(e *encoder) { e.putFloats(st.Params) })
	add(sectionStep, func(e *encoder) { e.put(int64(st.Step)) })
	if st.ValLoss != nil {
		add(sectionValLoss, func(e *encoder) { e.put(*st.ValLoss) })
	}
	if st.Optimizer != nil {
		add(sectionOptimizer, func(e *encoder) {
			names := make([]string, 0, len(st.Optimizer.Params))
			for name := range st.Optimizer.Params {
				names = append(names, name)
			}
			sort.Strings(names)
			e.put(int64(st.Optimizer.StepCount))
			e.put(uint32(len(names)))
			for _, name := range names {
				m := st.Optimizer.Params[name]
				e.putString(name)
				e.putFloats(m.First)
				e.putFloats(m.Second)
			}
		})
	}
	if st.RNG != nil {
		add(sectionRNG, func(e *encoder) { e.Write(st.RNG) })
	}
	if st.Loader != nil {
		add(sectionLoader, func(e *encoder) {
			e.put([]int64{int64(st.Loader.Shard), int64(st.Loader.Position)})
		})
	}
	return sections, nil
}

// Load reads the checkpoint at path. Optional sections that are absent or
// malformed are left nil and reported; only a missing or broken model or
// configuration is an error. A lost step section is recovered from the file
// name written by Path.
func Load(path string) (State, Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return State{}, nil, err
	}
	sections, err := readSections(raw)
	if err != nil {
		return State{}, nil, fmt.Errorf("%w: %s: %w", ErrNoModel, path, err)
	}
	var st State
	report := make(Report, 0, len(sectionOrder))
	decode := func(name string, fill func(d *decoder) error) {
		sec, ok := sections[name]
		switch {
		case !ok:
			report = append(report, SectionReport{Name: name, Status: Absent})
		case sec.err != nil:
			report = append(report, SectionReport{Name: name, Status: Malformed, Err: sec.err})
		default:
			d := newDecoder(sec.payload)
			if err := fill(d); err != nil {
				report = append(report, SectionReport{Name: name, Status: Malformed, Err: err})
				return
			}
			report = append(report, SectionReport{Name: name, Status: Present})
		}
	}

	decode(sectionConfig, func(d *decoder) error {
		v := make([]int32, 6)
		d.get(v)
		if err := d.finish(); err != nil {
			return err
		}
		cfg := gpt2.Config{
			MaxSeqLen: int(v[0]),
			VocabSize: int(v[1]),
			NumLayers: int(v[2]),
			NumHeads:  int(v[3]),
			Channels:  int(v[4]),
			UseBias:   v[5] != 0,
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		st.Config = cfg
		return nil
	})
	decode(sectionModel, func(d *decoder) error {
		params := d.getFloats()
		if err := d.finish(); err != nil {
			return err
		}
		if report.Status(sectionConfig) == Present && len(params) != st.Config.NumParameters() {
			return fmt.Errorf("%d parameters for a config of %d", len(params), st.Config.NumParameters())
		}
		st.Params = params
		return nil
	})
	if s := report.Status(sectionConfig); s != Present {
		return State{}, report, fmt.Errorf("%w: config section %s", ErrNoModel, s)
	}
	if s := report.Status(sectionModel); s != Present {
		return State{}, report, fmt.Errorf("%w: model section %s", ErrNoModel, s)
	}

	decode(sectionStep, func(d *decoder) error {
		var step int64
		d.get(&step)
		if err := d.finish(); err != nil {
			return err
		}
		if step < 0 {
			return fmt.Errorf("negative step %d", step)
		}
		st.Step = int(step)
		return nil
	})
	if s := report.Status(sectionStep); s != Present {
		step, ok := stepFromName(path)
		if !ok {
			return State{}, report, fmt.Errorf("%w: step section %s in %s", ErrNoStep, s, path)
		}
		st.Step = step
	}
	decode(sectionValLoss, func(d *decoder) error {
		var loss float32
		d.get(&loss)
		if err := d.finish(); err != nil {
			return err
		}
		st.ValLoss = &loss
		return nil
	})
	decode(sectionOptimizer, func(d *decoder) error {
		var stepCount int64
		var n uint32
		d.get(&stepCount)
		d.get(&n)
		opt := gpt2.OptimizerState{StepCount: int(stepCount), Params: map[string]gpt2.Moments{}}
		for i := uint32(0); i < n && d.err == nil; i++ {
			name := d.getString()
			opt.Params[name] = gpt2.Moments{First: d.getFloats(), Second: d.getFloats()}
		}
		if err := d.finish(); err != nil {
			return err
		}
		st.Optimizer = &opt
		return nil
	})
	decode(sectionRNG, func(d *decoder) error {
		st.RNG = d.remaining()
		return nil
	})
	decode(sectionLoader, func(d *decoder) error {
		v := make([]int64, 2)
		d.get(v)
		if err := d.finish(); err != nil {
			return err
		}
		st.Loader = &data.Cursor{Shard: int(v[0]), Position: int(v[1])}
		return nil
	})
	return st, report, nil
}

// Manager saves numbered checkpoints into one directory.
type Manager struct {
	dir    string
	logger *log.Logger
}

// NewManager returns a Manager for dir.
func NewManager(dir string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{dir: dir, logger: logger}
}

// Save writes the checkpoint for st.Step and returns its path.
func (m *Manager) Save(st State) (string, error) {
	path := Path(m.dir, st.Step)
	if err := Save(path, st); err != nil {
		return "", err
	}
	m.logger.Info("saved checkpoint", "path", path, "step", st.Step)
	return path, nil
}

// LoadLatest restores the newest checkpoint of the directory, logging every
// section it had to skip. ok is false when the directory holds none.
func (m *Manager) LoadLatest() (st State, ok bool, err error) {
	path, step, ok, err := Latest(m.dir)
	if err != nil || !ok {
		return State{}, false, err
	}
	st, report, err := Load(path)
	for _, s := range report.Skipped() {
		m.logger.Warn("skipped checkpoint section", "path", path, "section", s.Name, "status", s.Status, "err", s.Err)
	}
	if err != nil {
		return State{}, false, err
	}
	if st.Step != step {
		m.logger.Warn("checkpoint step differs from its file name", "path", path, "step", st.Step)
	}
	m.logger.Info("loaded checkpoint", "path", path, "step", st.Step)
	return st, true, nil
}
