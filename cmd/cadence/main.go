package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/api"
	"github.com/foxzi/cadence/internal/app"
	"github.com/foxzi/cadence/internal/client"
	"github.com/foxzi/cadence/internal/config"
)

var (
	cfgFile   string
	serverURL string
	apiKey    string
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
	Use:   "cadence",
	Short: "Cadence - campaign workflow engine",
	Long: color.CyanString("cadence") + ` runs multi-stage outreach campaigns: it schedules stages,
dispatches approved content, ingests engagement and refines content
for the next stage based on how the previous one performed.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign engine",
	Long:  `Start the scheduler, the HTTP API and the configured engagement inputs.`,
	RunE:  runServe,
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
		fmt.Printf("cadence version %s\n", version)
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
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CADENCE_SERVER", "http://127.0.0.1:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CADENCE_API_KEY"), "API key")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newClient returns an API client for the management commands
func newClient() *client.Client {
	return client.New(serverURL, apiKey)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	api.Version = version

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
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
	fmt.Printf("  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Contacts: %s\n", cfg.Contacts.Path)
	fmt.Printf("  Delivery: %s\n", cfg.Delivery.Mode)
	fmt.Printf("  Generator: %s\n", cfg.Generator.Type)
	if cfg.Inbound.Enabled {
		fmt.Printf("  Inbound SMTP: %s (%s)\n", cfg.Inbound.ListenAddr, cfg.Inbound.Domain)
	}
	if cfg.Kafka.Enabled {
		fmt.Printf("  Kafka topic: %s\n", cfg.Kafka.Topic)
	}

	return nil
}
