// Command acmewat is the composition root: it loads the run
// configuration, opens the keystore, and runs the driver pipeline for
// one certificate. It takes no CLI flags — the config file path comes
// from the ACMEWAT_CONFIG environment variable, or a single positional
// argument.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/config"
	"github.com/ebekker/acmewat/internal/driver"
	"github.com/ebekker/acmewat/internal/keystore"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "acmewat: logger: ", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Error("acmewat: run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	store, err := keystore.Open(cfg.KeystorePath, []byte(cfg.KeystorePassword))
	if err != nil {
		return err
	}

	result, err := driver.Run(context.Background(), cfg, store, nil, log)
	if err != nil {
		return err
	}

	log.Info("acmewat: run complete",
		zap.String("decision", string(result.Decision)),
		zap.String("friendlyName", result.Record.FriendlyName))
	return nil
}

func configPath() string {
	if p := os.Getenv("ACMEWAT_CONFIG"); p != "" {
		return p
	}
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return ""
}
