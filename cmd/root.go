// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/elementindex/internal/config"
	"github.com/xkilldash9x/elementindex/internal/observability"
)

const (
	envPrefix = "ELEMENTINDEX"
	// configKeyAnnotation names the config key a flag overrides.
	configKeyAnnotation = "elementindex/config-key"
)

// app carries the state PersistentPreRunE prepares for subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger

	// newLogger builds the process logger from the loaded config.
	newLogger func(config.LoggerConfig) *zap.Logger
}

func defaultLogger(cfg config.LoggerConfig) *zap.Logger {
	observability.InitializeLogger(cfg)
	return observability.GetLogger()
}

// NewRootCommand creates a fresh command tree. Every call gets its own viper
// instance, so flags from one execution never leak into the next.
func NewRootCommand() *cobra.Command {
	return newRootCmd(&app{newLogger: defaultLogger})
}

func newRootCmd(rt *app) *cobra.Command {
	rt.v = viper.New()

	rootCmd := &cobra.Command{
		Use:   "elementindex",
		Short: "elementindex keeps a live, queryable index of a page's interactive elements.",
		// Version is set at build time. See cmd/version.go.
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(rt.v, rt.cfgFile); err != nil {
				return err
			}
			if err := bindConfigFlags(rt.v, cmd); err != nil {
				return err
			}
			cfg, err := config.NewConfigFromViper(rt.v)
			if err != nil {
				rt.logger = rt.newLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "elementindex"})
				return err
			}
			rt.cfg = cfg
			rt.logger = rt.newLogger(cfg.Logger())
			rt.logger.Debug("Configuration loaded.", zap.String("version", Version), zap.String("config_file", rt.v.ConfigFileUsed()))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&rt.cfgFile, "config", "c", "", "config file (default is ./config.yaml, then ~/.elementindex/config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newServeCmd(rt))
	rootCmd.AddCommand(newQueryCmd(rt))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree against ctx, logging any failure.
func Execute(ctx context.Context) error {
	rt := &app{newLogger: defaultLogger}
	err := newRootCmd(rt).ExecuteContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if rt.logger != nil {
		rt.logger.Error("Command execution failed", zap.Error(err))
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// configFlag marks a flag as overriding key. Only the running command's flags
// are bound, so two commands may override the same key.
func configFlag(cmd *cobra.Command, flag, key string) {
	if err := cmd.Flags().SetAnnotation(flag, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("annotating flag %q: %v", flag, err))
	}
}

// bindConfigFlags binds every annotated flag of cmd. A bound flag overrides
// the file and environment only when set.
func bindConfigFlags(v *viper.Viper, cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations[configKeyAnnotation]; len(keys) > 0 && err == nil {
			err = v.BindPFlag(keys[0], f)
		}
	})
	return err
}

// initializeConfig layers defaults, the config file, and ELEMENTINDEX_*
// environment variables into v.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	config.SetDefaults(v)

	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to expand config path %q: %w", cfgFile, err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".elementindex"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing default file is fine; a missing explicit one is not.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
