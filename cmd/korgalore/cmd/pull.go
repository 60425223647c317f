package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"korgalore/internal/bozofilter"
	"korgalore/internal/config"
	"korgalore/internal/orchestrator"
	"korgalore/internal/tracking"
)

var (
	pullForce    bool
	pullNoUpdate bool
	pullDelivery string
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Run one pull cycle against every configured delivery",
	RunE:  runPull,
}

func init() {
	pullCmd.Flags().BoolVar(&pullForce, "force", false, "run every delivery, not only ones bound to an updated feed")
	pullCmd.Flags().BoolVar(&pullNoUpdate, "no-update", false, "skip fetching feeds, only retry/deliver against what's already on disk")
	pullCmd.Flags().StringVar(&pullDelivery, "delivery", "", "restrict the cycle to a single delivery name")
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	configPath, err := resolveConfigPath()
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	dataDir, err := xdgDataDir()
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	configDir, err := xdgConfigDir()
	if err != nil {
		return fmt.Errorf("resolve config directory: %w", err)
	}

	bozo, err := bozofilter.Load(filepath.Join(configDir, "bozofilter.txt"))
	if err != nil {
		return fmt.Errorf("load bozofilter: %w", err)
	}

	bindings, err := buildBindings(cfg, dataDir, bozo)
	if err != nil {
		return fmt.Errorf("resolve deliveries: %w", err)
	}

	manifest, err := tracking.Load(dataDir)
	if err != nil {
		return fmt.Errorf("load tracking manifest: %w", err)
	}
	manifest.CheckAndExpireThreads()

	o := &orchestrator.Orchestrator{
		Bindings: bindings,
		Manifest: manifest,
		Logger:   logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bars := map[string]*progressbar.ProgressBar{}
	summary, err := o.RunCycle(ctx, orchestrator.Options{
		Only:     pullDelivery,
		Force:    pullForce,
		NoUpdate: pullNoUpdate,
		OnCommit: func(delivery string) {
			bar, ok := bars[delivery]
			if !ok {
				bar = newPullProgressBar(delivery)
				bars[delivery] = bar
			}
			_ = bar.Add(1)
		},
	})
	for _, bar := range bars {
		_ = bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("pull cycle failed: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed).Add(color.Bold)
	if !shouldShowProgress() {
		color.NoColor = true
	}

	for name, n := range summary.Delivered {
		if n > 0 {
			logger.Info("delivered messages", "delivery", name, "count", n)
			green.Printf("%s: delivered %d message(s)\n", name, n)
		}
	}
	for name, n := range summary.Skipped {
		if n > 0 {
			logger.Info("skipped messages", "delivery", name, "count", n)
			yellow.Printf("%s: skipped %d message(s)\n", name, n)
		}
	}
	for name, n := range summary.Failed {
		if n > 0 {
			logger.Warn("failed deliveries", "delivery", name, "count", n)
			red.Printf("%s: failed %d delivery attempt(s)\n", name, n)
		}
	}
	return nil
}
