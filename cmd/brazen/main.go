package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/app"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "brazen",
	Short: "Brazen - campaign execution engine",
	Long:  `Brazen advances contacts through multi-step email campaigns on a schedule.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution worker",
	Long:  `Start the scheduled execution worker with the admin API and metrics endpoints.`,
	RunE:  runServe,
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single execution cycle and exit",
	RunE:  runRunOnce,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Return abandoned claims to the queue",
	RunE:  runReclaim,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("brazen version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	reclaimCmd.Flags().Duration("older-than", 30*time.Minute, "Reclaim claims older than this")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, runOnceCmd, migrateCmd, reclaimCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp builds the application without starting servers. Callers must Close it.
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	application, err := app.New(cfg, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	return application.Run(context.Background())
}

func runRunOnce(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	result, err := application.Engine().RunCycle(cmd.Context())
	if err != nil {
		return fmt.Errorf("cycle aborted: %w", err)
	}

	fmt.Printf("Claimed %d contacts in %s\n", result.Claimed, result.Duration.Round(time.Millisecond))
	for outcome, n := range result.Outcomes {
		fmt.Printf("  %-12s %d\n", outcome, n)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	// app.New migrates on open
	application, err := openApp()
	if err != nil {
		return err
	}
	application.Close()
	fmt.Println("Database is up to date")
	return nil
}

func runReclaim(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	after, _ := cmd.Flags().GetDuration("older-than")
	n, err := application.Engine().ReclaimStale(cmd.Context(), after)
	if err != nil {
		return err
	}
	fmt.Printf("Reclaimed %d contacts\n", n)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Database: %s\n", cfg.Database.Driver)
	fmt.Printf("  Schedule: %s\n", cfg.Engine.CronSpec())
	fmt.Printf("  Batch size: %d (concurrency %d)\n", cfg.Engine.BatchSize, cfg.Engine.Concurrency)
	fmt.Printf("  Rotation: %s\n", cfg.Rotation.Backend)
	if cfg.API.Enabled {
		fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if len(cfg.Mailer.DKIM) > 0 {
		domains := make([]string, len(cfg.Mailer.DKIM))
		for i, d := range cfg.Mailer.DKIM {
			domains[i] = d.Domain
		}
		fmt.Printf("  DKIM: %s\n", strings.Join(domains, ", "))
	}

	return nil
}
