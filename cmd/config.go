// Package main provides the unified CLI entry point for the coldwatch
// telemetry backend.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory and /etc/coldwatch/
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/coldwatch/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Environment variables
	viper.SetEnvPrefix("COLDWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	cfg := logger.DefaultConfig()
	cfg.Level = logger.ParseLevel(strings.ToLower(viper.GetString("log.level")))
	return logger.New(cfg)
}

// addDBFlags registers the PostgreSQL flags on cmd and binds them under the
// given viper namespace.
func addDBFlags(cmd *cobra.Command, ns string) {
	cmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	cmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	cmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	cmd.Flags().String("db-password", "", "PostgreSQL password")
	cmd.Flags().String("db-name", "coldwatch", "PostgreSQL database name")
	cmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	_ = viper.BindPFlag(ns+".db.host", cmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag(ns+".db.port", cmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag(ns+".db.user", cmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag(ns+".db.password", cmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag(ns+".db.name", cmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag(ns+".db.sslmode", cmd.Flags().Lookup("db-sslmode"))
}

// dbConfig builds the store config from the given viper namespace.
func dbConfig(ns string, log *slog.Logger) *store.DBConfig {
	return &store.DBConfig{
		Logger:   log,
		Host:     viper.GetString(ns + ".db.host"),
		Port:     viper.GetInt(ns + ".db.port"),
		User:     viper.GetString(ns + ".db.user"),
		Password: viper.GetString(ns + ".db.password"),
		DBName:   viper.GetString(ns + ".db.name"),
		SSLMode:  viper.GetString(ns + ".db.sslmode"),
	}
}
