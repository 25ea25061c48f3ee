package main

import (
	"fmt"
	"log/slog"
	"os"

	"hermannm.dev/devlog"

	"github.com/256dpi/naos-ota/pkg/config"
)

func exitIfSet(errs ...error) {
	for _, err := range errs {
		if err != nil {
			exitWithError(err.Error())
		}
	}
}

func exitWithError(str string) {
	_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", str)
	os.Exit(1)
}

func newLogger(verbose bool) *slog.Logger {
	// determine level
	var level slog.LevelVar
	if verbose {
		level.Set(slog.LevelDebug)
	}

	return slog.New(devlog.NewHandler(os.Stderr, &devlog.Options{
		Level: &level,
	}))
}

func getConfig(cmd *command) *config.Config {
	cfg, err := config.Read(cmd.oConfig)
	exitIfSet(err)

	return cfg
}

func getCert(cfg *config.Config) []byte {
	cert, err := cfg.Cert()
	exitIfSet(err)

	return cert
}
