package cli

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wine-quiz-live/internal/config"
)

const envPrefix = "LIVEQUIZ"

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "wine-quiz-live",
		Short:        "Live team wine quiz sessions over WebSocket",
		SilenceUsage: true,
	}

	f := cmd.PersistentFlags()
	f.String("config", "config/config.yaml", "path to YAML config")
	f.String("port", "", "port to listen on (overrides server.port)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (text, json)")

	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newSeedCmd())
	return cmd
}

// viperForCmd binds a command's flags and LIVEQUIZ_* environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the YAML file named by --config and lets flags and
// environment override the port and logging settings.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := viperForCmd(cmd)
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if v.IsSet("port") {
		cfg.Server.Port = v.GetString("port")
	}
	if v.IsSet("log-level") {
		cfg.Log.Level = v.GetString("log-level")
	}
	if v.IsSet("log-format") {
		cfg.Log.Format = v.GetString("log-format")
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
