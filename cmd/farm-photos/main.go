// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// farm-photos runs the farm photo upload and moderation service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/farmcompanion/farm-photos/photoservice"
	"github.com/farmcompanion/farm-photos/photos/photodb"
	"github.com/farmcompanion/farm-photos/photos/stats"
	"github.com/farmcompanion/farm-photos/private/kvstore/rediskv"
)

var (
	rootCmd = &cobra.Command{
		Use:          "farm-photos",
		Short:        "Farm photo upload and moderation service",
		SilenceUsage: true,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the photo service",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create a config file with the defaults",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	reportCmd = &cobra.Command{
		Use:   "report",
		Short: "Print a stats summary as JSON and exit",
		RunE:  cmdReport,
	}

	confDir    string
	reportFarm string
)

func init() {
	bindFlags(rootCmd.PersistentFlags())

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
	viper.SetEnvPrefix("FARMPHOTOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Not bound on purpose, so these never end up in a written config file.
	rootCmd.PersistentFlags().StringVar(&confDir, "config-dir", defaultConfDir(), "main directory for farm-photos configuration")
	reportCmd.Flags().StringVar(&reportFarm, "farm", "", "report a single farm instead of the whole directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(reportCmd)
}

// bindFlags declares every service knob.
func bindFlags(flags *flag.FlagSet) {
	flags.String("redis", "redis://127.0.0.1:6379?db=0", "redis connection URL holding all photo state")
	flags.Bool("log-queries", false, "log every key/value store operation at debug level")
	flags.String("log-level", "info", "minimum log level, one of debug, info, warn, error")

	flags.Int("photos.quota-cap", 5, "maximum number of approved photos a farm may display")
	flags.Duration("photos.lease-ttl", 10*time.Minute, "how long an upload reservation stays confirmable")
	flags.String("photos.max-file-size", "5MiB", "largest accepted photo upload")
	flags.String("photos.public-url-base", "https://images.farmcompanion.co.uk", "base url that serves committed photo objects")

	flags.Duration("ratelimit.window", time.Minute, "length of the fixed rate limit window")
	flags.Int64("ratelimit.cap", 5, "allowed actions per client per window")

	flags.Int64("stats.page-size", 100, "how many index keys a single scan page may return")
	flags.Int("stats.top-farms", 5, "how many farms the global summary ranks by photo count")
	flags.Duration("stats.interval", 5*time.Minute, "how frequently the global summary snapshot is recomputed, 0 disables the chore")

	flags.Duration("retry.initial-backoff", 20*time.Millisecond, "the duration of the first retry interval")
	flags.Duration("retry.max-backoff", 2*time.Second, "the maximum duration of any retry interval")
	flags.Float64("retry.multiplier", 2, "the factor by which the retry interval will be multiplied on each iteration")
	flags.Int64("retry.max-attempts", 3, "the total number of attempts for a store call")

	flags.String("objectstore.bucket", "", "bucket that stores farm photos")
	flags.String("objectstore.region", "eu-west-2", "region of the bucket")
	flags.String("objectstore.endpoint", "", "custom endpoint for s3 compatible stores, e.g. minio")
	flags.String("objectstore.access-key-id", "", "static access key id, ambient credentials are used when empty")
	flags.String("objectstore.secret-access-key", "", "static secret access key")
	flags.Bool("objectstore.use-path-style", false, "use path style addressing, required by most s3 compatible stores")
	flags.Duration("objectstore.url-expiry", 10*time.Minute, "lifetime of granted upload urls")

	flags.String("web.address", ":10800", "photo api http listening address")
	flags.String("web.admin-token", "", "static bearer token admitting moderation and stats endpoints, empty disables them")
	flags.Bool("web.ip-limit.enabled", true, "whether the per-ip request limiter is enabled")
	flags.Float64("web.ip-limit.rps", 20, "request rate one client IP may sustain")
	flags.Int("web.ip-limit.burst", 40, "request burst one client IP may spend at once")
	flags.Int("web.ip-limit.num-limits", 1000, "how many client IPs are tracked at once")
	flags.Duration("web.ip-limit.entry-ttl", 10*time.Minute, "how long an idle client IP stays tracked")
}

func defaultConfDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".farm-photos"
	}
	return filepath.Join(home, ".farm-photos")
}

// readConfigFile layers an optional config.yaml under flags and environment.
func readConfigFile() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(confDir)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errs.New("reading config: %v", err)
		}
	}
	return nil
}

// loadConfig reads every knob out of viper, which resolves flags over
// environment over config file over defaults.
func loadConfig() (photoservice.Config, error) {
	var config photoservice.Config

	config.Redis = viper.GetString("redis")
	config.LogQueries = viper.GetBool("log-queries")

	config.Photos.QuotaCap = viper.GetInt("photos.quota-cap")
	config.Photos.LeaseTTL = viper.GetDuration("photos.lease-ttl")
	if err := config.Photos.MaxFileSize.Set(viper.GetString("photos.max-file-size")); err != nil {
		return photoservice.Config{}, errs.New("invalid photos.max-file-size: %v", err)
	}
	config.Photos.PublicURLBase = viper.GetString("photos.public-url-base")

	config.RateLimit.Window = viper.GetDuration("ratelimit.window")
	config.RateLimit.Cap = viper.GetInt64("ratelimit.cap")

	config.Stats.PageSize = viper.GetInt64("stats.page-size")
	config.Stats.TopFarms = viper.GetInt("stats.top-farms")
	config.Stats.Interval = viper.GetDuration("stats.interval")

	config.Retry.InitialBackoff = viper.GetDuration("retry.initial-backoff")
	config.Retry.MaxBackoff = viper.GetDuration("retry.max-backoff")
	config.Retry.Multiplier = viper.GetFloat64("retry.multiplier")
	config.Retry.MaxAttempts = viper.GetInt64("retry.max-attempts")

	config.ObjectStore.Bucket = viper.GetString("objectstore.bucket")
	config.ObjectStore.Region = viper.GetString("objectstore.region")
	config.ObjectStore.Endpoint = viper.GetString("objectstore.endpoint")
	config.ObjectStore.AccessKeyID = viper.GetString("objectstore.access-key-id")
	config.ObjectStore.SecretAccessKey = viper.GetString("objectstore.secret-access-key")
	config.ObjectStore.UsePathStyle = viper.GetBool("objectstore.use-path-style")
	config.ObjectStore.URLExpiry = viper.GetDuration("objectstore.url-expiry")

	config.Web.Address = viper.GetString("web.address")
	config.Web.AdminToken = viper.GetString("web.admin-token")
	config.Web.IPLimit.Enabled = viper.GetBool("web.ip-limit.enabled")
	config.Web.IPLimit.RPS = viper.GetFloat64("web.ip-limit.rps")
	config.Web.IPLimit.Burst = viper.GetInt("web.ip-limit.burst")
	config.Web.IPLimit.NumLimits = viper.GetInt("web.ip-limit.num-limits")
	config.Web.IPLimit.EntryTTL = viper.GetDuration("web.ip-limit.entry-ttl")

	return config, nil
}

func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, errs.New("invalid log-level: %v", err)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	return config.Build()
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	if err := readConfigFile(); err != nil {
		return err
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	peer, err := photoservice.New(ctx, log, config)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	return errs.Combine(runErr, closeErr)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(setupDir, 0700); err != nil {
		return err
	}

	path := filepath.Join(setupDir, "config.yaml")
	if err := viper.SafeWriteConfigAs(path); err != nil {
		var exists viper.ConfigFileAlreadyExistsError
		if errors.As(err, &exists) {
			return errs.New("configuration already exists: %s", path)
		}
		return errs.New("writing config: %v", err)
	}

	fmt.Println("wrote", path)
	return nil
}

// cmdReport talks to the store directly so it works alongside a running
// service without binding its listen address.
func cmdReport(cmd *cobra.Command, args []string) (err error) {
	if err := readConfigFile(); err != nil {
		return err
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := rediskv.OpenClientFrom(ctx, config.Redis)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, client.Close()) }()

	// Keep stdout clean for the JSON payload.
	log := zap.NewNop()
	db := photodb.New(log, client, config.Retry)
	statsService := stats.NewService(log, db, config.Stats, config.Photos.QuotaCap)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	if reportFarm != "" {
		summary, err := statsService.FarmStats(ctx, reportFarm)
		if err != nil {
			return err
		}
		return encoder.Encode(summary)
	}

	summary, err := statsService.CachedGlobalStats(ctx)
	if err != nil {
		return err
	}
	return encoder.Encode(summary)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
