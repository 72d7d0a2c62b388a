// Package cmd defines the autoapply command line.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "autoapply",
		Short: "Unattended job application runner.",
		Long: `autoapply discovers job postings from a job source and submits exactly one
application per posting, using a supervised pool of concurrent workers.`,
		SilenceUsage: true,

		// Credentials usually live in a .env file next to the config.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnvFile(envFile)
		},
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

// loadEnvFile loads path into the environment without overriding variables already set.
// A missing default file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
