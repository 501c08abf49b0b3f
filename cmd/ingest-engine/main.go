// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the ingest-engine CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pdiddy/ingest-engine/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// log is the process-wide logger, configured in the root pre-run.
var log = logrus.New()

// rootCmd is the base command for the ingest-engine CLI.
var rootCmd = &cobra.Command{
	Use:   "ingest-engine",
	Short: "Multi-source data ingestion pipeline",
	Long: `ingest-engine pulls data from heterogeneous external origins (market
APIs, CSV exports, RSS/Atom feeds), normalizes it into a unified schema,
and stores it idempotently in a local SQLite database.

Runs are resumable: each source checkpoints its position after every
committed batch, so an interrupted run picks up where it left off. The
run subcommand is the unit of work a cron job invokes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger(cmd)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./ingest-engine.yaml or ~/.config/ingest-engine/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (default ingest.db)")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file with rotation (default stderr)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ingest-engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "ingest-engine"))
		}
	}

	viper.SetEnvPrefix("INGEST_ENGINE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func setupLogger(cmd *cobra.Command) error {
	logFile, _ := cmd.Flags().GetString("log-file")
	if logFile == "" {
		logFile = viper.GetString("log_file")
	}
	if logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose || viper.GetBool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}
	return nil
}

// loadConfig assembles the pipeline configuration from viper, with
// flags overriding file and environment values.
func loadConfig(cmd *cobra.Command) types.IngestConfig {
	viper.SetDefault("batch_size", 100)
	viper.SetDefault("timeout", "30s")
	viper.SetDefault("user_agent", "ingest-engine/0.1")
	viper.SetDefault("store.path", "ingest.db")
	viper.SetDefault("rate_limit.requests_per_minute", 60)
	viper.SetDefault("rate_limit.burst", 10)

	cfg := types.IngestConfig{
		HTTPConfig: types.HTTPConfig{
			Timeout:   viper.GetDuration("timeout"),
			UserAgent: viper.GetString("user_agent"),
		},
		BatchSize:         viper.GetInt("batch_size"),
		APIKey:            viper.GetString("api_key"),
		EnableCoinPaprika: viper.GetBool("enable_coinpaprika"),
		EnableCoinGecko:   viper.GetBool("enable_coingecko"),
		CSVPath:           viper.GetString("csv_path"),
		FeedURLs:          viper.GetStringSlice("feed_urls"),
		SourceRateLimits:  sourceRateLimits(),
		Store: types.StoreConfig{
			Path: viper.GetString("store.path"),
		},
		RateLimit: types.RateLimitConfig{
			RequestsPerMinute: viper.GetInt("rate_limit.requests_per_minute"),
			Burst:             viper.GetInt("rate_limit.burst"),
		},
	}

	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Store.Path = db
	}
	return cfg
}

// sourceRateLimits reads per-source rpm overrides, tolerating the
// numeric types viper produces from yaml and env values.
func sourceRateLimits() map[string]int {
	raw := viper.GetStringMap("source_rate_limits")
	if len(raw) == 0 {
		return nil
	}
	limits := make(map[string]int, len(raw))
	for name, v := range raw {
		switch n := v.(type) {
		case int:
			limits[name] = n
		case int64:
			limits[name] = int(n)
		case float64:
			limits[name] = int(n)
		}
	}
	return limits
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
