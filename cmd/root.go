// Package cmd contains the root command for the gpt2train CLI.
package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// rootArgs is the root command arguments.
type rootArgs struct {
	verbose bool
	logDir  string
}

// RootArgs is the root command arguments.
var RootArgs rootArgs

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gpt2train",
	Short: "Data-parallel GPT-2 training",
	Long: `
Train GPT-2 from scratch on a sharded token corpus.

Runs single-process, or one process per worker when launched with the
torchrun environment (RANK, LOCAL_RANK, WORLD_SIZE, MASTER_ADDR, MASTER_PORT).
	`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if RootArgs.verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// newLogger returns a timestamped logger writing to w with the given prefix.
func newLogger(w io.Writer, prefix string) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
		Level:           log.GetLevel(),
	})
	styles := log.DefaultStyles()
	for level, color := range map[log.Level]string{
		log.DebugLevel: "63",
		log.InfoLevel:  "86",
		log.WarnLevel:  "192",
		log.ErrorLevel: "204",
		log.FatalLevel: "134",
	} {
		styles.Levels[level] = lipgloss.NewStyle().
			SetString(strings.ToUpper(level.String())).
			MaxWidth(4).
			Bold(true).
			Foreground(lipgloss.Color(color))
	}
	logger.SetStyles(styles)
	return logger
}

func init() {
	rootCmd.PersistentFlags().
		BoolVarP(&RootArgs.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().
		StringVar(&RootArgs.logDir, "log-dir", "log", "Directory for checkpoints, the event log and the event store")
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewGenerateCommand())
	rootCmd.AddCommand(NewTailCommand())
}
