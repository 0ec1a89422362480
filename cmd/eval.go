// File: cmd/eval.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/ghoul/api/schemas"
	"github.com/xkilldash9x/ghoul/internal/observability"
)

func newEvalCmd() *cobra.Command {
	var (
		baseURL  string
		selector string
	)
	cmd := &cobra.Command{
		Use:   "eval [path] [expression]",
		Short: "Visit a page and print the JSON value of an expression",
		Long: `Eval visits path (appended to the base URL) and evaluates expression in
the page. With --html it prints the markup of the nodes matching a selector
instead.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 && selector == "" {
				return fmt.Errorf("an expression or --html is required")
			}

			logger := observability.GetLogger()
			sess, err := newSession(cfg, baseURL, logger)
			if err != nil {
				return err
			}
			defer closeSession(sess.Close, logger)

			ctx := cmd.Context()
			if err := sess.Visit(ctx, args[0]); err != nil {
				return err
			}
			if selector != "" {
				markup, err := sess.HTML(ctx, schemas.ParseTarget(selector), nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), markup)
			}
			if len(args) == 2 {
				raw, err := sess.Evaluate(ctx, args[1])
				if err != nil {
					return err
				}
				printResult(cmd, raw)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "prefix for the visited path (overrides the config)")
	cmd.Flags().StringVar(&selector, "html", "", "print the markup of the nodes matching this selector")
	return cmd
}
