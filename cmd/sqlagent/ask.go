package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashureev/sqlagent/internal/app"
	"github.com/ashureev/sqlagent/internal/pipeline"
)

func newAskCmd() *cobra.Command {
	var (
		sessionID string
		noExecute bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question against the configured database",
		Long: `Runs one agent turn in-process: retrieval, SQL generation, validation,
execution and narration. Pass --session to continue a conversation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, newLogger(), version)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			_, err = a.Coordinator.Run(ctx, pipeline.TurnRequest{
				SessionID: sessionID,
				Question:  strings.Join(args, " "),
				Execute:   !noExecute,
			}, newPrinter(cmd.OutOrStdout(), jsonOutput))
			if errors.Is(err, context.Canceled) {
				return errors.New("interrupted")
			}
			return err
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session to continue (default: start a new one)")
	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "Generate and validate SQL without running it")

	return cmd
}

func newExecCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "exec <sql>",
		Short: "Validate and run a read-only SQL statement",
		Long:  "Runs a statement through the same safety checks as generated SQL. The session history is not changed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := app.Build(cmd.Context(), cfg, newLogger(), version)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			data, err := a.Coordinator.Execute(cmd.Context(), pipeline.AdHocQuery{
				SessionID: sessionID,
				SQL:       args[0],
			}, newPrinter(cmd.OutOrStdout(), jsonOutput))
			if err != nil {
				return err
			}
			if !data.Success {
				return fmt.Errorf("query failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session the query belongs to")

	return cmd
}
