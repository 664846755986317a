package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/convoloop/config"
	"github.com/hupe1980/convoloop/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "convoloop",
	Short: "Conversational agent orchestration engine",
	Long: `convoloop runs an iterative model-call / tool-execution loop over
persisted conversations, streams results to connected clients, and stays
correct across several stateless processes sharing one cluster.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) logging.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return logging.New(func(o *logging.Options) {
		o.Level = level
		o.Format = "text"
		o.Output = os.Stderr
	})
}
