package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/avvvet/imagechat/internal/config"
	"github.com/avvvet/imagechat/internal/logger"
)

func main() {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imagechat",
		Short:         "Image conversation service with durable per-user dialogs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newPruneCmd(), newStatsCmd(), newSchemaCmd())
	return root
}

// loadConfig reads and validates the environment and builds the logger.
func loadConfig(serve bool) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	validate := cfg.Validate
	if serve {
		validate = cfg.ValidateServe
	}
	if err := validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.New(cfg.ServiceName, cfg.LogLevel, cfg.LogPretty), nil
}
