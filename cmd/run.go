// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/internal/observability"
	"github.com/xkilldash9x/ghoul/internal/script"
)

func newRunCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "run [script.yaml]",
		Short: "Run a step file against a fresh session",
		Long: `Run executes the steps of a YAML file in order against one session and
stops at the first failing step. A base_url in the file is used unless
--base-url is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			sc, err := script.Load(args[0])
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = sc.BaseURL
			}

			logger := observability.GetLogger()
			sess, err := newSession(cfg, baseURL, logger)
			if err != nil {
				return err
			}
			defer closeSession(sess.Close, logger)

			logger.Info("Running script.", zap.String("path", args[0]), zap.Int("steps", len(sc.Steps)), zap.String("session_id", sess.ID()))
			return script.NewRunner(sess, cmd.OutOrStdout(), logger).Run(cmd.Context(), sc)
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "prefix for every visited path (overrides the script and config)")
	return cmd
}

// closeSession tears a session down on a fresh context so an interrupted
// command still releases the engine.
func closeSession(closeFn func(context.Context) error, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		logger.Warn("Failed to close session.", zap.Error(err))
	}
}

func printResult(cmd *cobra.Command, raw []byte) {
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
}
