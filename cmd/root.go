package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/echochat/echochat/internal/exitcode"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/echochat/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

var rootCmd = &cobra.Command{
	Use:   "echochat",
	Short: "Chat with Gemini, Claude and local models from one history",
	Long: `echochat keeps conversations with several LLM providers in a local
database and streams replies as they arrive.

Examples:
  echochat accounts add claude --label work
  echochat conversations new --kind claude
  echochat send 3f2a "explain this stack trace" --image trace.png
  echochat export 3f2a notes.md
  echochat serve`,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitcode.Code(err))
	}
}

// errorf is fmt.Errorf with an exit code attached.
func errorf(code int, format string, args ...any) error {
	return exitcode.ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}
