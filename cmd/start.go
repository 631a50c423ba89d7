package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ahlgren/wharf/internal/config"
	"github.com/ahlgren/wharf/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Wharf registry server",
	Long:  `Start the container image registry server`,
	Run:   runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	log.Info("Starting Wharf registry", "version", BuildVersion, "addr", cfg.Server.Addr, "data_dir", cfg.Server.DataDir)

	app, err := server.NewApp(cfg)
	if err != nil {
		log.Fatal("Failed to initialize server", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		log.Fatal("Server exited with error", "error", err)
	}
}
