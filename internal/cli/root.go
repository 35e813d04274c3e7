package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/testforge/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	logLevel   string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "testforge",
	Short: "Generate tests for your latest commits",
	Long: `testforge analyzes a selection of git commits and asks a language model for
a test strategy, test code, manual test scenarios and a review of the result.

Stages run as a dependency-ordered pipeline with retries, confirmation gates
and checkpoints. Run state lives in ~/.testforge/ (JSON checkpoints per run,
optionally a PostgreSQL event log).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		return config.LoadEnvFiles(files...)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to testforge config file (default: ./testforge.yaml, then ~/.testforge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default: .env)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(commitsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(templatesCmd)
}
