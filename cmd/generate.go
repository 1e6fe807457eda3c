package cmd

import (
	"fmt"
	"math/rand/v2"

	"github.com/conneroisu/gpt2train/pkg/gpt2"
	"github.com/spf13/cobra"
)

// generateArgs is the generate command arguments.
type generateArgs struct {
	prompt        string
	maxLength     int
	nSamples      int
	seed          uint64
	modelPath     string
	pretrained    string
	tokenizerPath string
}

// NewGenerateCommand returns a command sampling text from a trained or
// pretrained model.
func NewGenerateCommand() *cobra.Command {
	var args generateArgs
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate text from a model",
		Long: `
Sample continuations of --prompt from a parameter file written by train
(--model-path), or from a pretrained GPT-2 size read from safetensors.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			model, err := loadGenerator(args)
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(args.seed, 0))
			for i := 0; i < args.nSamples; i++ {
				text, err := model.Inference(args.prompt, args.maxLength, rng)
				if err != nil {
					return fmt.Errorf("sample %d: %w", i, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&args.prompt, "prompt", "t", "Hello, I'm a language model,", "Text to continue")
	cmd.Flags().IntVarP(&args.maxLength, "max-length", "l", 32, "Maximum length of prompt plus continuation, in tokens")
	cmd.Flags().IntVarP(&args.nSamples, "n-samples", "n", 1, "Number of samples to generate")
	cmd.Flags().Uint64VarP(&args.seed, "seed", "s", 42, "Seed of the sampler")
	cmd.Flags().StringVarP(&args.modelPath, "model-path", "m", "log/model.bin", "Parameter file written by train")
	cmd.Flags().StringVar(&args.pretrained, "pretrained", "", "GPT-2 size to import from --model-path as safetensors")
	cmd.Flags().StringVarP(&args.tokenizerPath, "tokenizer-path", "p", "", "llm.c tokenizer file; empty uses tiktoken")
	return cmd
}

func loadGenerator(args generateArgs) (*gpt2.GPT2, error) {
	if args.pretrained == "" {
		model, err := gpt2.LoadModel(args.modelPath, args.tokenizerPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
		return model, nil
	}
	state, err := gpt2.ReadSafetensors(args.modelPath)
	if err != nil {
		return nil, err
	}
	model, err := gpt2.FromPretrained(args.pretrained, state)
	if err != nil {
		return nil, err
	}
	model.Tokenizer, err = gpt2.LoadTokenizer(args.tokenizerPath)
	if err != nil {
		return nil, err
	}
	return model, nil
}
