package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"silentauction/api"
	"silentauction/auction"
)

const envPrefix = "AUCTION"

func ParseArgs() Args {
	hostname, _ := os.Hostname()

	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("instance-id", hostname, "consumer name of this instance")
	pflag.String("config", "", "optional config file, re-read on change")
	pflag.String("log-level", "info", "debug, info, warn or error")

	// auction config
	pflag.Duration("lock-timeout", 2*time.Second, "how long a bid may wait for the item lock")
	pflag.Duration("sweep-interval", 15*time.Second, "how often expired auctions are closed")
	pflag.Bool("preview-mode", false, "reject every bid while the event is in preview")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "silentauction:", "")
	pflag.String("redis-consumer-group", "silentauction-archiver", "")
	pflag.Int64("redis-stream-max-len", 100000, "approximate events stream length, ignored while the database archive is on")
	pflag.Duration("redis-owner-lease-wait", 5*time.Second, "how long to wait for another instance to release the ledger")

	// redis stream keys
	pflag.String("redis-stream-key-for-events", "silentauction-events", "")

	// nats config
	pflag.String("nats-url", "", "")
	pflag.String("nats-subject-prefix", "auction.events", "")
	pflag.String("nats-stream", "AUCTION_EVENTS", "")
	pflag.Duration("nats-max-age", 7*24*time.Hour, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			slog.Warn("Fail to read config file", slog.String("path", path), slog.Any("error", err))
		}
	}

	// initial arguments
	return Args{
		ServerURL:  viper.GetString("server-url"),
		ConfigFile: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("instance-id"),
			Auction: api.AuctionConfig{
				LockTimeout:   viper.GetDuration("lock-timeout"),
				SweepInterval: viper.GetDuration("sweep-interval"),
				PreviewMode:   viper.GetBool("preview-mode"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:           viper.GetString("redis-addr"),
				Password:       viper.GetString("redis-password"),
				DB:             viper.GetInt("redis-db"),
				KeyPrefix:      viper.GetString("redis-key-prefix"),
				ConsumerGroup:  viper.GetString("redis-consumer-group"),
				MaxLen:         viper.GetInt64("redis-stream-max-len"),
				OwnerLeaseWait: viper.GetDuration("redis-owner-lease-wait"),
				StreamKeys: api.RedisStreamKeys{
					Events: viper.GetString("redis-stream-key-for-events"),
				},
			},
			NATS: api.NATSConfig{
				URL:           viper.GetString("nats-url"),
				SubjectPrefix: viper.GetString("nats-subject-prefix"),
				Stream:        viper.GetString("nats-stream"),
				MaxAge:        viper.GetDuration("nats-max-age"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	ConfigFile   string
	LogLevel     string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() error {
	if args.ServerURL == "" {
		return fmt.Errorf("server-url is required")
	}
	if args.ServerConfig.Redis.Enabled() && args.ServerConfig.ID == "" {
		return fmt.Errorf("instance-id is required when redis is enabled")
	}
	if args.ServerConfig.DB.Enabled() && args.ServerConfig.DB.Database == "" {
		return fmt.Errorf("db-database is required when db-host is set")
	}
	return nil
}

// WatchSettings 監聽設定檔，變更時重新載入可熱更新的拍賣設定
func WatchSettings(settings *auction.AtomicSettings) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		next := auction.Settings{PreviewMode: viper.GetBool("preview-mode")}
		settings.Store(next)
		slog.Info("Settings reloaded", slog.String("file", e.Name), slog.Bool("previewMode", next.PreviewMode))
	})
	viper.WatchConfig()
}
