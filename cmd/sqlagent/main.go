// Package main is the entry point for the sqlagent command line client.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/sqlagent/internal/config"
)

// version is set at build time.
var version = "dev"

// Global flags.
var (
	envFile    string
	jsonOutput bool
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sqlagent",
		Short: "Ask questions of a SQL database in plain language",
		Long: `sqlagent turns questions into validated, read-only SQL, runs it against
the configured database and narrates the answer. Conversations are kept
in the session store so follow-up questions have context.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an environment file")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print events and results as JSON")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newAskCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newSessionsCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sqlagent %s\n", version)
		},
	}
}

// loadConfig reads the environment file, if any, and the configuration.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	return config.Load()
}

// newLogger logs to stderr so stdout stays clean for answers.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
