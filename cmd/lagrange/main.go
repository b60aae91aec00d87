package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MuuuShin/lagrange-go/cmd/lagrange/internal/logincmd"
	"github.com/MuuuShin/lagrange-go/pkg/config"
	"github.com/MuuuShin/lagrange-go/pkg/logger"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "lagrange",
		Short:         "QQ NT protocol client",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	home, _ := os.UserHomeDir()
	root.PersistentFlags().StringVarP(&configPath, "config", "c",
		filepath.Join(home, ".lagrange", "config.json"), "Path to config file")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
		if cfg.LogFile != "" {
			if err := logger.EnableFileLogging(cfg.LogFile); err != nil {
				logger.WarnCF("main", "file logging disabled", map[string]any{"error": err.Error()})
			}
		}
		return cfg, nil
	}

	root.AddCommand(logincmd.NewLoginCommand(loadConfig))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
