package cmd

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"

	"github.com/conneroisu/gpt2train/pkg/dist"
	"github.com/conneroisu/gpt2train/pkg/gpt2"
	"github.com/conneroisu/gpt2train/pkg/train"
	"github.com/spf13/cobra"
)

// trainArgs is the train command arguments.
type trainArgs struct {
	session       train.Config
	model         gpt2.Config
	seed          uint64
	pretrained    string
	weightsPath   string
	tokenizerPath string
	noTokenizer   bool
	resume        bool
}

// NewTrainCommand returns a new train command.
func NewTrainCommand() *cobra.Command {
	args := trainArgs{
		session: train.DefaultConfig(),
		model:   gpt2.Config{MaxSeqLen: 1024, VocabSize: 50304, NumLayers: 12, NumHeads: 12, Channels: 768},
		seed:    1337,
		resume:  true,
	}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model",
		Long: `
Train GPT-2 on the "train" shards of --data-dir, evaluating on the "val"
shards. Checkpoints, log.txt and events.db are written to --log-dir, and the
newest checkpoint there is resumed unless --resume=false.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runTrain(ctx, args)
		},
	}

	s := &args.session
	flags := cmd.Flags()
	flags.StringVarP(&s.DataDir, "data-dir", "d", s.DataDir, "Directory holding the train and val shards")
	flags.IntVarP(&s.MicroBatch, "batch-size", "b", s.MicroBatch, "Sequences per micro batch")
	flags.IntVarP(&s.SeqLen, "seq-length", "l", s.SeqLen, "Tokens per sequence")
	flags.IntVar(&s.TotalBatch, "total-batch", s.TotalBatch, "Tokens per optimizer step across all workers")
	flags.Float64VarP(&s.MaxLR, "learning-rate", "r", s.MaxLR, "Peak learning rate; the floor is a tenth of it")
	flags.IntVar(&s.WarmupSteps, "warmup-steps", s.WarmupSteps, "Linear warmup steps")
	flags.IntVar(&s.MaxSteps, "max-steps", s.MaxSteps, "Number of optimizer steps")
	flags.Float32VarP(&s.WeightDecay, "weight-decay", "w", s.WeightDecay, "Weight decay of matrices and embeddings")
	flags.Float32Var(&s.GradClip, "grad-clip", s.GradClip, "Global gradient norm limit")
	flags.IntVar(&s.EvalInterval, "eval-interval", s.EvalInterval, "Steps between validation passes")
	flags.IntVar(&s.CheckpointInterval, "checkpoint-interval", s.CheckpointInterval, "Steps between checkpoints")
	flags.IntVar(&s.ValSteps, "val-steps", s.ValSteps, "Batches per validation pass")
	flags.BoolVar(&s.Autocast, "autocast", s.Autocast, "Run matmuls on bfloat16-rounded weights")
	flags.BoolVar(&s.Compile, "compile", s.Compile, "Compiled execution mode; skips hellaswag and sampling")
	flags.StringVar(&s.HellaSwagPath, "hellaswag", s.HellaSwagPath, "HellaSwag JSONL file; empty disables the benchmark")
	flags.StringVar(&s.FinalModelPath, "final-model", s.FinalModelPath, "Where the primary writes the final parameters")
	flags.StringVar(&s.GenPrompt, "prompt", s.GenPrompt, "Prompt of the progress samples")
	flags.IntVar(&s.GenTopK, "top-k", s.GenTopK, "Top-k of the progress samples")

	m := &args.model
	flags.IntVar(&m.NumLayers, "layers", m.NumLayers, "Transformer blocks")
	flags.IntVar(&m.NumHeads, "heads", m.NumHeads, "Attention heads")
	flags.IntVar(&m.Channels, "channels", m.Channels, "Embedding width")
	flags.IntVar(&m.VocabSize, "vocab-size", m.VocabSize, "Vocabulary size")
	flags.IntVar(&m.MaxSeqLen, "max-seq-len", m.MaxSeqLen, "Maximum sequence length")
	flags.BoolVar(&m.UseBias, "bias", m.UseBias, "Use biases in linear layers and layernorms")

	flags.Uint64VarP(&args.seed, "seed", "s", args.seed, "Seed of the weight initialisation")
	flags.StringVar(&args.pretrained, "pretrained", "", "Start from a GPT-2 size (gpt2, gpt2-medium, gpt2-large, gpt2-xl)")
	flags.StringVar(&args.weightsPath, "weights", "model.safetensors", "Safetensors file of --pretrained")
	flags.StringVarP(&args.tokenizerPath, "tokenizer-path", "p", "", "llm.c tokenizer file; empty uses tiktoken")
	flags.BoolVar(&args.noTokenizer, "no-tokenizer", false, "Disable hellaswag and sampling")
	flags.BoolVar(&args.resume, "resume", args.resume, "Resume from the newest checkpoint in --log-dir")
	return cmd
}

func runTrain(ctx context.Context, args trainArgs) error {
	id, err := dist.IdentityFromEnv(os.Getenv)
	if err != nil {
		return fmt.Errorf("reading worker identity: %w", err)
	}
	logger := newLogger(os.Stderr, fmt.Sprintf("rank %d", id.Rank))
	args.session.LogDir = RootArgs.logDir

	model, err := buildModel(args)
	if err != nil {
		return err
	}
	logger.Info("model", "parameters", model.NumParameters(), "config", fmt.Sprintf("%+v", model.Config()))

	var tok gpt2.Tokenizer
	if !args.noTokenizer {
		tok, err = gpt2.LoadTokenizer(args.tokenizerPath)
		if err != nil {
			return fmt.Errorf("loading tokenizer: %w", err)
		}
		model.Tokenizer = tok
	}

	coord, err := dist.NewCoordinator(ctx, id, dist.Options{}, logger)
	if err != nil {
		return fmt.Errorf("joining process group: %w", err)
	}
	session, err := train.NewSession(ctx, args.session, model, coord, tok, logger)
	if err != nil {
		return err
	}
	if args.resume {
		if err := session.Resume(); err != nil {
			return fmt.Errorf("resuming: %w", err)
		}
	}
	if err := session.Run(ctx); err != nil {
		return err
	}
	return session.Finish(ctx)
}

func buildModel(args trainArgs) (*gpt2.GPT2, error) {
	if args.pretrained == "" {
		return gpt2.New(args.model, rand.NewPCG(args.seed, 0))
	}
	state, err := gpt2.ReadSafetensors(args.weightsPath)
	if err != nil {
		return nil, err
	}
	return gpt2.FromPretrained(args.pretrained, state)
}
