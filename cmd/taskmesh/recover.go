package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmguard/taskmesh/internal/config"
	"github.com/swarmguard/taskmesh/internal/logging"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "replay the durable store and report recovery actions without starting the scheduler",
	RunE:  runRecover,
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.Service)

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	report, err := a.recoverAtBoot(ctx)
	if err != nil {
		return err
	}

	return json.NewEncoder(os.Stdout).Encode(report)
}
