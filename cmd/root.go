// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ghoul/internal/config"
	"github.com/xkilldash9x/ghoul/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// cfgFile is bound to the persistent --config flag.
var cfgFile string

// NewRootCommand builds a fresh command tree. Every invocation, including each
// line of the interactive shell, gets its own instance so flags never leak.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ghoul",
		Short:         "Ghoul drives web pages through a headless rendering engine.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "ghoul"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting ghoul.", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./ghoul.yaml, then ~/.ghoul/ghoul.yaml)")
	cmd.SetVersionTemplate("ghoul version {{.Version}}\n")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newEvalCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the command tree and logs a failure before handing it back.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed.", zap.Error(err))
	}
	return err
}

// initializeConfig reads the config file and GHOUL_* environment variables into v.
func initializeConfig(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Expand("~/.ghoul"); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName("ghoul")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("GHOUL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// getConfig returns the configuration stored by PersistentPreRunE.
func getConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
