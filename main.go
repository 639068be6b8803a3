// main.go
package main

import (
	"fmt"
	"os"

	"github.com/phuslu/log"

	"fiberwatch/internal/config"
	"fiberwatch/internal/logger"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		return
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	fw, err := NewFiberWatch(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to create fiberwatch")
	}
	if err := fw.Run(); err != nil {
		log.Fatal().Err(err).Msg("❌ fiberwatch failed")
	}
}
