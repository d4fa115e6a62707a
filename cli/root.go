// Package cli implements the devicelink command line.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"devicelink/config"
	"devicelink/logging"
	"devicelink/storage"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "devicelink",
	Short: "LAN device discovery, pairing and keep-alive",
	Long: `devicelink finds other devices on the local network, pairs with them
after an explicit confirmation and keeps every paired link alive.

Running without a subcommand starts the node.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runNode,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (default from config)")
	bindRunFlags(rootCmd)
}

// environment is the loaded configuration plus its on-disk location.
type environment struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
}

func loadEnvironment() (*environment, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	format := cfg.LogFormat
	if logFormat != "" {
		format = logFormat
	}
	logging.Setup(level, format)

	return &environment{cfg: cfg, cfgPath: cfgPath, dataDir: filepath.Dir(cfgPath)}, nil
}

func (e *environment) openStore() (*storage.Store, error) {
	store, _, err := storage.Open(e.dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetSecurityEventRetention(e.cfg.SecurityEventRetention())
	return store, nil
}
