// Package train runs data-parallel GPT-2 training.
package train

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gpt2train/pkg/checkpoint"
	"github.com/conneroisu/gpt2train/pkg/data"
	"github.com/conneroisu/gpt2train/pkg/dist"
	"github.com/conneroisu/gpt2train/pkg/gpt2"
	"github.com/conneroisu/gpt2train/pkg/hellaswag"
	"github.com/conneroisu/gpt2train/pkg/runlog"
	"github.com/conneroisu/gpt2train/pkg/torch"
)

// ErrBatchDivisibility is returned when the total batch is not a whole
// number of micro-batches across all workers.
var ErrBatchDivisibility = errors.New("total batch size is not divisible by micro batch × sequence length × world size")

// overfitGap is the validation/train loss gap that triggers a warning.
const overfitGap = 1.5

// Config holds the training hyperparameters.
type Config struct {
	DataDir string
	LogDir  string
	// MicroBatch is the number of sequences per forward pass (B).
	MicroBatch int
	// SeqLen is the number of tokens per sequence (T).
	SeqLen int
	// TotalBatch is the number of tokens per optimizer step over all workers.
	TotalBatch int

	MaxLR       float64
	WarmupSteps int
	MaxSteps    int
	WeightDecay float32
	GradClip    float32

	EvalInterval       int
	CheckpointInterval int
	ValSteps           int

	// Autocast runs the forward pass with bfloat16 matmul weights.
	Autocast bool
	// Compile marks a run whose execution mode cannot run the benchmark or
	// sampling phases; both are skipped.
	Compile bool

	HellaSwagPath  string
	FinalModelPath string

	GenPrompt    string
	GenSequences int
	GenMaxLen    int
	GenTopK      int
	GenSeed      uint64
}

// DefaultConfig returns the settings of a GPT-2 (124M) reproduction run.
func DefaultConfig() Config {
	return Config{
		DataDir:            "edu_fineweb10B",
		LogDir:             "log",
		MicroBatch:         64,
		SeqLen:             1024,
		TotalBatch:         524288,
		MaxLR:              6e-4,
		WarmupSteps:        715,
		MaxSteps:           19073,
		WeightDecay:        0.1,
		GradClip:           1.0,
		EvalInterval:       500,
		CheckpointInterval: 1000,
		ValSteps:           20,
		Autocast:           true,
		FinalModelPath:     "log/model.bin",
		GenPrompt:          "Hello, I'm a language model,",
		GenSequences:       4,
		GenMaxLen:          32,
		GenTopK:            50,
		GenSeed:            42,
	}
}

// GradAccumSteps returns the number of micro-batches per optimizer step.
func (c Config) GradAccumSteps(worldSize int) (int, error) {
	if c.MicroBatch <= 0 || c.SeqLen <= 0 || worldSize <= 0 {
		return 0, fmt.Errorf("invalid batch shape (%d, %d) for %d workers", c.MicroBatch, c.SeqLen, worldSize)
	}
	perStep := c.MicroBatch * c.SeqLen * worldSize
	if c.TotalBatch <= 0 || c.TotalBatch%perStep != 0 {
		return 0, fmt.Errorf("%w: %d %% %d != 0", ErrBatchDivisibility, c.TotalBatch, perStep)
	}
	return c.TotalBatch / perStep, nil
}

func (c Config) validate() error {
	switch {
	case c.EvalInterval <= 0, c.CheckpointInterval <= 0:
		return fmt.Errorf("intervals must be positive: eval %d, checkpoint %d", c.EvalInterval, c.CheckpointInterval)
	case c.ValSteps <= 0:
		return fmt.Errorf("val steps must be positive, got %d", c.ValSteps)
	case c.GradClip <= 0:
		return fmt.Errorf("grad clip must be positive, got %g", c.GradClip)
	}
	return nil
}

// StepStats describes one optimizer step.
type StepStats struct {
	Step         int
	Loss         float32
	LR           float64
	Norm         float32
	Duration     time.Duration
	TokensPerSec float64
	// Cursor is the train loader position after the step.
	Cursor data.Cursor
}

// Session owns the mutable state of one training run: model, optimizer,
// loaders, random generator and the loss bookkeeping between phases.
type Session struct {
	// OnStep, if set, is called after every optimizer step.
	OnStep func(StepStats)

	cfg       Config
	model     *gpt2.GPT2
	opt       *gpt2.AdamW
	schedule  Schedule
	coord     *dist.Coordinator
	trainData data.Loader
	valData   data.Loader
	ckpt      *checkpoint.Manager
	events    *runlog.Log
	tokenizer gpt2.Tokenizer
	examples  []hellaswag.Example
	pcg       *rand.PCG
	rng       *rand.Rand
	logger    *log.Logger
	gradAccum int

	step          int
	lastValLoss   *float32
	prevTrainLoss *float32
}

// NewSession prepares a run of model. tok may be nil, which disables the
// benchmark and sampling phases.
func NewSession(ctx context.Context, cfg Config, model *gpt2.GPT2, coord *dist.Coordinator, tok gpt2.Tokenizer, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	gradAccum, err := cfg.GradAccumSteps(coord.WorldSize())
	if err != nil {
		return nil, err
	}
	if cfg.SeqLen > model.Config().MaxSeqLen {
		return nil, fmt.Errorf("%w: %d > %d", gpt2.ErrSequenceTooLong, cfg.SeqLen, model.Config().MaxSeqLen)
	}
	schedule, err := NewSchedule(cfg.MaxLR, cfg.WarmupSteps, cfg.MaxSteps)
	if err != nil {
		return nil, err
	}
	rank, world := coord.Rank(), coord.WorldSize()
	trainData, err := data.NewDataLoader(cfg.DataDir, "train", cfg.MicroBatch, cfg.SeqLen, rank, world, logger)
	if err != nil {
		return nil, fmt.Errorf("train data: %w", err)
	}
	valData, err := data.NewDataLoader(cfg.DataDir, "val", cfg.MicroBatch, cfg.SeqLen, rank, world, logger)
	if err != nil {
		return nil, fmt.Errorf("val data: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		model:     model,
		schedule:  schedule,
		coord:     coord,
		trainData: trainData,
		valData:   valData,
		ckpt:      checkpoint.NewManager(cfg.LogDir, logger),
		tokenizer: tok,
		logger:    logger,
		gradAccum: gradAccum,
	}
	s.pcg = rand.NewPCG(cfg.GenSeed+uint64(rank), 0)
	s.rng = rand.New(s.pcg)
	model.Autocast = cfg.Autocast
	s.opt = model.ConfigureOptimizer(cfg.WeightDecay, float32(schedule.LR(0)))
	if tok != nil && cfg.HellaSwagPath != "" {
		s.examples, err = hellaswag.ReadFile(cfg.HellaSwagPath)
		if err != nil {
			return nil, fmt.Errorf("hellaswag: %w", err)
		}
	}
	if coord.IsPrimary() {
		logger.Info("data", "dir", cfg.DataDir, "train_shards", len(trainData.Shards()), "val_shards", len(valData.Shards()))
		logger.Info("batch", "total", cfg.TotalBatch, "grad_accum_steps", gradAccum)
		for i, g := range s.opt.Groups {
			logger.Info("parameter group", "index", i, "tensors", len(g.Params), "parameters", g.NumParams(), "weight_decay", g.WeightDecay)
		}
		s.events, err = runlog.Open(ctx, cfg.LogDir)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Step returns the next step the session will run.
func (s *Session) Step() int { return s.step }

// Resume continues from the newest checkpoint in the log directory, if any.
// Training restarts one step after the saved one, with the learning rate
// recomputed from the schedule. Optional parts of the checkpoint that cannot
// be restored are logged and skipped.
func (s *Session) Resume() error {
	st, ok, err := s.ckpt.LoadLatest()
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("no checkpoint found, starting from scratch")
		return nil
	}
	if st.Config != s.model.Config() {
		return fmt.Errorf("checkpoint model %+v does not match %+v", st.Config, s.model.Config())
	}
	copy(s.model.Params.Memory, st.Params)
	s.step = st.Step + 1
	s.lastValLoss = st.ValLoss

	if st.Optimizer != nil {
		if err := s.opt.Restore(*st.Optimizer); err != nil {
			s.logger.Warn("optimizer state not restored", "err", err)
		}
	}
	// the saved generator state is the primary's
	if st.RNG != nil && s.coord.IsPrimary() {
		if err := s.pcg.UnmarshalBinary(st.RNG); err != nil {
			s.logger.Warn("rng state not restored", "err", err)
		}
	}
	if st.Loader != nil {
		// the saved cursor is the primary's; ranks are offset by one micro-batch each
		cur := *st.Loader
		cur.Position += s.cfg.MicroBatch * s.cfg.SeqLen * s.coord.Rank()
		if err := s.trainData.Seek(cur); err != nil {
			s.logger.Warn("loader position not restored", "err", err)
			if err := s.trainData.Reset(); err != nil {
				return err
			}
		}
	}
	s.opt.SetLearningRate(float32(s.schedule.LR(s.step)))
	s.logger.Info("resumed", "step", s.step, "lr", s.schedule.LR(s.step))
	return nil
}

// Run trains from the current step to the configured last step. Evaluation,
// checkpointing, benchmark and sampling run before the training work of the
// steps they are due on.
func (s *Session) Run(ctx context.Context) error {
	cfg := s.cfg
	for ; s.step < cfg.MaxSteps; s.step++ {
		step := s.step
		last := step == cfg.MaxSteps-1
		evalDue := step%cfg.EvalInterval == 0 || last
		if evalDue {
			if err := s.evaluate(ctx, step); err != nil {
				return fmt.Errorf("step %d: evaluation: %w", step, err)
			}
		}
		if step > 0 && (step%cfg.CheckpointInterval == 0 || last) && s.coord.IsPrimary() {
			if err := s.checkpoint(step); err != nil {
				return fmt.Errorf("step %d: checkpoint: %w", step, err)
			}
		}
		if evalDue && !cfg.Compile {
			if err := s.benchmark(ctx, step); err != nil {
				return fmt.Errorf("step %d: hellaswag: %w", step, err)
			}
		}
		if ((step > 0 && step%cfg.EvalInterval == 0) || last) && !cfg.Compile {
			if _, err := s.sample(step); err != nil {
				return fmt.Errorf("step %d: sampling: %w", step, err)
			}
		}
		stats, err := s.trainStep(ctx, step)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		if s.OnStep != nil {
			s.OnStep(stats)
		}
	}
	return nil
}

// Finish leaves the process group and then, on the primary, writes the
// final parameters.
func (s *Session) Finish(ctx context.Context) error {
	err := s.coord.Close(ctx)
	if s.coord.IsPrimary() {
		if s.cfg.FinalModelPath != "" {
			if serr := s.model.SaveModel(s.cfg.FinalModelPath); serr != nil {
				err = errors.Join(err, fmt.Errorf("saving final model: %w", serr))
			} else {
				s.logger.Info("saved final model", "path", s.cfg.FinalModelPath)
			}
		}
		if s.events != nil {
			err = errors.Join(err, s.events.Close())
		}
	}
	return err
}

func (s *Session) record(ctx context.Context, step int, kind string, value float64) error {
	if s.events == nil {
		return nil
	}
	return s.events.Record(ctx, step, kind, value)
}

func (s *Session) evaluate(ctx context.Context, step int) error {
	if err := s.valData.Reset(); err != nil {
		return err
	}
	var loss float32
	for i := 0; i < s.cfg.ValSteps; i++ {
		x, y, err := s.valData.NextBatch()
		if err != nil {
			return err
		}
		if err := s.model.Forward(x, y, s.cfg.MicroBatch, s.cfg.SeqLen); err != nil {
			return err
		}
		loss += s.model.MeanLoss / float32(s.cfg.ValSteps)
	}
	loss, err := dist.Reduce(ctx, s.coord, dist.Avg, loss)
	if err != nil {
		return err
	}
	s.lastValLoss = &loss
	if !s.coord.IsPrimary() {
		return nil
	}
	s.logger.Info("validation", "step", step, "loss", fmt.Sprintf("%.4f", loss))
	if s.prevTrainLoss != nil && loss-*s.prevTrainLoss > overfitGap {
		s.logger.Warn("validation loss far above train loss, possible overfitting",
			"step", step, "val", loss, "train", *s.prevTrainLoss)
	}
	return s.record(ctx, step, runlog.KindVal, float64(loss))
}

func (s *Session) checkpoint(step int) error {
	rng, err := s.pcg.MarshalBinary()
	if err != nil {
		return err
	}
	optState := s.opt.State()
	cursor := s.trainData.Cursor()
	_, err = s.ckpt.Save(checkpoint.State{
		Config:    s.model.Config(),
		Params:    s.model.Params.Memory,
		Step:      step,
		ValLoss:   s.lastValLoss,
		Optimizer: &optState,
		RNG:       rng,
		Loader:    &cursor,
	})
	return err
}

func (s *Session) benchmark(ctx context.Context, step int) error {
	if len(s.examples) == 0 {
		return nil
	}
	vocab := s.model.Config().VocabSize
	maxLen := s.model.Config().MaxSeqLen
	var correct, total int
	for i, ex := range s.examples {
		if i%s.coord.WorldSize() != s.coord.Rank() {
			continue
		}
		r, err := hellaswag.Render(ex, s.tokenizer, maxLen)
		if err != nil {
			return fmt.Errorf("example %d: %w", i, err)
		}
		if err := s.model.Forward(r.Tokens, nil, r.Rows, r.T); err != nil {
			return fmt.Errorf("example %d: %w", i, err)
		}
		if hellaswag.MostLikelyRow(s.model.Logits(), r, vocab) == r.Label {
			correct++
		}
		total++
	}
	total, err := dist.Reduce(ctx, s.coord, dist.Sum, total)
	if err != nil {
		return err
	}
	correct, err = dist.Reduce(ctx, s.coord, dist.Sum, correct)
	if err != nil {
		return err
	}
	if !s.coord.IsPrimary() || total == 0 {
		return nil
	}
	acc := float64(correct) / float64(total)
	s.logger.Info("hellaswag", "step", step, "correct", correct, "total", total, "accuracy", fmt.Sprintf("%.4f", acc))
	return s.record(ctx, step, runlog.KindHella, acc)
}

// sample draws the progress samples. Every phase starts from the same
// per-rank seed, so samples of different steps differ only by the weights.
func (s *Session) sample(step int) ([]string, error) {
	if s.tokenizer == nil {
		return nil, nil
	}
	prompt, err := s.tokenizer.Encode(s.cfg.GenPrompt)
	if err != nil {
		return nil, err
	}
	s.pcg.Seed(s.cfg.GenSeed+uint64(s.coord.Rank()), 0)
	rows, err := s.model.Sample(prompt, s.cfg.GenSequences, s.cfg.GenMaxLen, s.cfg.GenTopK, s.rng)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(rows))
	for i, row := range rows {
		texts[i], err = s.tokenizer.Decode(row)
		if err != nil {
			return nil, err
		}
		s.logger.Info("sample", "step", step, "rank", s.coord.Rank(), "sample", i, "text", texts[i])
	}
	return texts, nil
}

func (s *Session) trainStep(ctx context.Context, step int) (StepStats, error) {
	start := time.Now()
	model := s.model
	model.ZeroGradient()
	var lossAccum float32
	scale := 1 / float32(s.gradAccum)
	for micro := 0; micro < s.gradAccum; micro++ {
		x, y, err := s.trainData.NextBatch()
		if err != nil {
			return StepStats{}, err
		}
		if err := model.Forward(x, y, s.cfg.MicroBatch, s.cfg.SeqLen); err != nil {
			return StepStats{}, err
		}
		lossAccum += model.MeanLoss * scale
		if err := model.Backward(scale); err != nil {
			return StepStats{}, err
		}
	}
	// gradients stay local until the whole accumulation group is done
	if err := s.coord.AllReduceFloat32(ctx, dist.Avg, model.Gradients.Memory); err != nil {
		return StepStats{}, fmt.Errorf("gradient all-reduce: %w", err)
	}
	loss, err := dist.Reduce(ctx, s.coord, dist.Avg, lossAccum)
	if err != nil {
		return StepStats{}, err
	}
	if !torch.IsFinite(loss) {
		return StepStats{}, fmt.Errorf("loss is %v", loss)
	}
	norm := torch.ClipGradNorm(model.Gradients.Memory, s.cfg.GradClip)
	lr := s.schedule.LR(step)
	s.opt.SetLearningRate(float32(lr))
	s.opt.Step(model.Params.Memory, model.Gradients.Memory)
	s.prevTrainLoss = &loss

	elapsed := time.Since(start)
	tokens := s.cfg.MicroBatch * s.cfg.SeqLen * s.gradAccum * s.coord.WorldSize()
	stats := StepStats{
		Step:         step,
		Loss:         loss,
		LR:           lr,
		Norm:         norm,
		Duration:     elapsed,
		TokensPerSec: float64(tokens) / elapsed.Seconds(),
		Cursor:       s.trainData.Cursor(),
	}
	if s.coord.IsPrimary() {
		s.logger.Info("step",
			"step", step,
			"loss", fmt.Sprintf("%.6f", loss),
			"lr", fmt.Sprintf("%.4e", lr),
			"norm", fmt.Sprintf("%.4f", norm),
			"dt", fmt.Sprintf("%.2fms", float64(elapsed.Microseconds())/1000),
			"tok/sec", fmt.Sprintf("%.2f", stats.TokensPerSec),
		)
		if err := s.record(ctx, step, runlog.KindTrain, float64(loss)); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
