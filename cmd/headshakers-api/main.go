package main

import (
	"errors"
	"os"

	"github.com/JasonPaff/head-shakers/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "headshakers-api",
		Short: "Head Shakers view tracking and trending service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTrendingCommand(), newPurgeViewsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("trusted-proxies", defaults.GetStringSlice("http.trusted_proxies"), "Proxy addresses or CIDRs trusted for X-Forwarded-For")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	flags.String("redis-url", defaults.GetString("redis.url"), "Redis URL; the in-process cache is used when empty")
	flags.Int("dedup-window-seconds", defaults.GetInt("views.dedup_window_seconds"), "View deduplication window in seconds")
	flags.String("trending-schedule", defaults.GetString("trending.schedule"), "Cron schedule of the trending job")
	flags.String("amqp-url", defaults.GetString("amqp.url"), "RabbitMQ URL; the view consumer is disabled when empty")
	flags.String("amqp-queue", defaults.GetString("amqp.queue"), "RabbitMQ queue carrying view batches")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.trusted_proxies", "trusted-proxies")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "views.dedup_window_seconds", "dedup-window-seconds")
	bindFlag(cmd, "trending.schedule", "trending-schedule")
	bindFlag(cmd, "amqp.url", "amqp-url")
	bindFlag(cmd, "amqp.queue", "amqp-queue")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
