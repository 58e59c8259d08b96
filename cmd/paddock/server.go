package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/paddock/pkg/api"
	"github.com/cuemby/paddock/pkg/auth"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/fsresolver"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/provider"
	"github.com/cuemby/paddock/pkg/reconciler"
	"github.com/cuemby/paddock/pkg/scheduler"
	"github.com/cuemby/paddock/pkg/storage"
)

// serverConfig is the full server configuration. Flags override the config
// file; the config file overrides defaults.
type serverConfig struct {
	Listen            string        `yaml:"listen"`
	MetricsListen     string        `yaml:"metricsListen"`
	DataDir           string        `yaml:"dataDir"`
	BaseURL           string        `yaml:"baseUrl"`
	ProviderURL       string        `yaml:"providerUrl"`
	JWKSURL           string        `yaml:"jwksUrl"`
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	AdminEmails       []string      `yaml:"adminEmails"`
	ReconcileInterval time.Duration `yaml:"-"`
	ReconcileSeconds  int           `yaml:"reconcileIntervalSeconds"`
	LogLevel          string        `yaml:"logLevel"`
	LogJSON           bool          `yaml:"logJson"`
}

func defaultConfig() serverConfig {
	return serverConfig{
		Listen:            ":8080",
		MetricsListen:     ":9090",
		DataDir:           "/var/lib/paddock",
		ProviderURL:       "https://cloud.lambdalabs.com/api/v1",
		ReconcileInterval: time.Minute,
		LogLevel:          "info",
		LogJSON:           true,
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the paddock control plane",
	Long: `Run the paddock API server together with its reconciler.

The server needs an upstream provider API key before it can launch
anything; set it through PUT /api/admin/settings after the first admin
signs in. Admin emails given with --admin-emails are bootstrapped as
admin accounts on their first sign-in.`,
	RunE: runServer,
}

func init() {
	flags := serverCmd.Flags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("listen", "", "API listen address")
	flags.String("metrics-listen", "", "Metrics/health listen address")
	flags.String("data-dir", "", "Directory for the embedded database")
	flags.String("base-url", "", "Externally reachable URL of this server (loader VM callbacks)")
	flags.String("provider-url", "", "Upstream provider API base URL")
	flags.String("jwks-url", "", "JWKS URL for bearer token verification")
	flags.String("issuer", "", "Required JWT issuer (optional)")
	flags.String("audience", "", "Required JWT audience (optional)")
	flags.StringSlice("admin-emails", nil, "Emails bootstrapped as admins on first sign-in")
	flags.Duration("reconcile-interval", 0, "Reconcile tick interval")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", true, "Log JSON instead of console output")
}

func loadConfig(cmd *cobra.Command) (serverConfig, error) {
	cfg := defaultConfig()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
		if cfg.ReconcileSeconds > 0 {
			cfg.ReconcileInterval = time.Duration(cfg.ReconcileSeconds) * time.Second
		}
	}

	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("metrics-listen"); v != "" {
		cfg.MetricsListen = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		cfg.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("provider-url"); v != "" {
		cfg.ProviderURL = v
	}
	if v, _ := cmd.Flags().GetString("jwks-url"); v != "" {
		cfg.JWKSURL = v
	}
	if v, _ := cmd.Flags().GetString("issuer"); v != "" {
		cfg.Issuer = v
	}
	if v, _ := cmd.Flags().GetString("audience"); v != "" {
		cfg.Audience = v
	}
	if v, _ := cmd.Flags().GetStringSlice("admin-emails"); len(v) > 0 {
		cfg.AdminEmails = v
	}
	if v, _ := cmd.Flags().GetDuration("reconcile-interval"); v > 0 {
		cfg.ReconcileInterval = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	if cfg.BaseURL == "" {
		return cfg, fmt.Errorf("--base-url is required (loader VMs must reach this server)")
	}
	if cfg.JWKSURL == "" {
		return cfg, fmt.Errorf("--jwks-url is required")
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.SetVersion(Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()
	metrics.RegisterComponent("store", true, "")

	// The provider key lives in admin-mutable settings so it can rotate
	// without a restart
	providerClient := provider.NewClient(cfg.ProviderURL, func() (string, error) {
		settings, err := store.GetSettings()
		if errdefs.IsNotFound(err) || (err == nil && settings.LambdaAPIKey == "") {
			return "", fmt.Errorf("no provider API key configured; set it via the admin settings")
		}
		if err != nil {
			return "", err
		}
		return settings.LambdaAPIKey, nil
	})

	authn, err := auth.NewJWKSAuthenticator(ctx, auth.JWKSConfig{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	resolver := fsresolver.NewResolver(store, providerClient, cfg.BaseURL)
	sched := scheduler.NewScheduler(store, providerClient, resolver, cfg.ReconcileInterval)
	rec := reconciler.NewReconciler(store, providerClient, sched, resolver, cfg.ReconcileInterval)
	rec.Start()
	defer rec.Stop()
	metrics.RegisterComponent("reconciler", true, "")

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", metrics.HealthHandler())
	metricsMux.HandleFunc("/readyz", metrics.ReadyHandler())
	metricsServer := &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger := log.WithComponent("metrics")
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	apiServer := api.NewServer(api.Config{
		Store:      store,
		Provider:   providerClient,
		Scheduler:  sched,
		Resolver:   resolver,
		Authn:      authn,
		Candidates: auth.NewResolver(store, cfg.AdminEmails),
	})

	errCh := make(chan error, 1)
	go func() {
		metrics.RegisterComponent("api", true, "")
		if err := apiServer.Start(cfg.Listen); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	logger := log.WithComponent("server")
	logger.Info().
		Str("listen", cfg.Listen).
		Str("metrics", cfg.MetricsListen).
		Str("data_dir", cfg.DataDir).
		Msg("Paddock started")

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown error")
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}
