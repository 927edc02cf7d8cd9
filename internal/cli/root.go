package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docchat/internal/config"
)

const version = "0.1.0"

// NewRootCmd builds the docchat command tree. Running it without a
// subcommand starts the server.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "docchat",
		Short:         "Chat backend with document grounding and response caching",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("DOCCHAT_CONFIG"), "path to config.json")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	serve := newServeCmd(load)
	root.RunE = serve.RunE
	root.AddCommand(serve)
	root.AddCommand(newTokenCmd(load))
	root.AddCommand(newFilesCmd(load))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print docchat version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docchat version %s\n", version)
		},
	})
	return root
}

// Run executes the command line and returns the process exit code.
func Run() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
