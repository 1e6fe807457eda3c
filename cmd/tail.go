package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/conneroisu/gpt2train/pkg/runlog"
	"github.com/spf13/cobra"
)

var (
	kindStyles = map[string]lipgloss.Style{
		runlog.KindTrain: lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
		runlog.KindVal:   lipgloss.NewStyle().Foreground(lipgloss.Color("192")),
		runlog.KindHella: lipgloss.NewStyle().Foreground(lipgloss.Color("204")),
	}
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// NewTailCommand returns a command printing the newest recorded run events.
func NewTailCommand() *cobra.Command {
	var (
		n    int
		kind string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent run events",
		Long: `
Print the newest events recorded by train in <log-dir>/events.db, oldest
first, optionally only those of one kind (train, val or hella).
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch kind {
			case "", runlog.KindTrain, runlog.KindVal, runlog.KindHella:
			default:
				return fmt.Errorf("unknown event kind %q", kind)
			}
			store, err := runlog.OpenStore(cmd.Context(), filepath.Join(RootArgs.logDir, runlog.StoreFile))
			if err != nil {
				return err
			}
			defer store.Close()
			events, err := store.Tail(cmd.Context(), n, kind)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range events {
				fmt.Fprintf(out, "%s %s\n",
					dimStyle.Render(e.RecordedAt.Format("2006-01-02 15:04:05")),
					kindStyles[e.Kind].Render(strings.TrimSuffix(e.Line(), "\n")))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "Number of events")
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Only show events of this kind")
	return cmd
}
