package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/psd-ai/studio/utils/config"
)

// version is set at build time via ldflags
var version string

var verbose bool
var debug bool

// envConfig holds the loaded environment configuration, available to all commands
var envConfig *config.EnvConfig

var rootCmd = &cobra.Command{
	Use:   "studio",
	Short: "A prompt-chain execution engine for multi-step AI tools",
	Long: `Studio executes approved AI tools: ordered chains of prompts with
variable substitution, knowledge retrieval, and per-step model selection.

Getting Started:
  1. studio run <tool.yaml>    Execute a tool defined in YAML
  2. studio serve              Run the HTTP API with SSE progress streaming

Configuration is stored in ~/.studio/studio.yaml (override with STUDIO_ENV).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Timestamps are noise in CLI output; serve sets its own flags
		log.SetFlags(0)

		config.Verbose = verbose
		config.Debug = debug

		envPath := config.GetEnvPath()
		config.VerboseLog("Loading environment configuration from %s", envPath)

		var err error
		envConfig, err = config.LoadEnvConfig(envPath)
		if err != nil {
			return fmt.Errorf("error loading environment configuration: %w", err)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		log.Printf("studio version: %s\n", getVersion())
	},
}

func getVersion() string {
	if version != "" {
		return version
	}
	return "dev"
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
