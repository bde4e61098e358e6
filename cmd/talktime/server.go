package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/movin10/talktime/internal/api"
	"github.com/movin10/talktime/internal/config"
	"github.com/movin10/talktime/internal/identity"
	"github.com/movin10/talktime/internal/metrics"
	"github.com/movin10/talktime/internal/quota"
	"github.com/movin10/talktime/internal/session"
	"github.com/movin10/talktime/internal/storage/bolt"
	"github.com/movin10/talktime/internal/storage/redis"
	"github.com/movin10/talktime/internal/systemd"
	"github.com/movin10/talktime/internal/token"
	"github.com/movin10/talktime/internal/usage"
	"github.com/movin10/talktime/internal/voice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the talktime server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting talktime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Local usage store (guests, degraded fallback)
	localStore, err := bolt.Open(cfg.Storage.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open local usage store: %w", err)
	}
	defer func() {
		if err := localStore.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close local store")
		}
	}()

	// Remote usage store (authenticated identities)
	remoteStore, err := redis.Open(cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("failed to open remote usage store: %w", err)
	}
	defer func() {
		if err := remoteStore.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close remote store")
		}
	}()

	logger.Info().
		Str("local_path", cfg.Storage.LocalPath).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	// Quota policy and usage meter
	policy := quota.NewPolicy(cfg.Quota.DailyFreeMinutes)
	meter := usage.NewMeter(remoteStore.Usage(), localStore.Usage(), quota.RealClock{}, logger)
	defer meter.Close()

	// Room token issuer
	issuer, err := token.NewJWTIssuer(cfg.Token.APIKey, cfg.Token.APISecret, parseDuration(cfg.Token.TTL, token.DefaultTTL))
	if err != nil {
		return fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	// Voice transport and session manager
	transport := voice.NewWSTransport(parseDuration(cfg.Voice.ConnectTimeout, 15*time.Second), logger)
	sessions, err := session.NewManager(session.Config{
		VoiceServerURL: cfg.Voice.ServerURL,
	}, meter, policy, issuer, transport, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}

	logger.Info().
		Int("daily_free_minutes", policy.DailyMinutes()).
		Str("voice_server", cfg.Voice.ServerURL).
		Msg("Session manager initialized")

	// Retention sweeps for both stores
	localRetention := usage.NewRetentionScheduler(localStore.Usage(), cfg.Usage.RetentionDays, logger)
	localRetention.Start()
	remoteRetention := usage.NewRetentionScheduler(remoteStore.Usage(), cfg.Usage.RetentionDays, logger)
	remoteRetention.Start()

	// API server
	provider := identity.NewHTTPProvider([]byte(cfg.Auth.JWTSecret))
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, provider, sessions, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop servers and background work
	localRetention.Stop()
	remoteRetention.Stop()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	sessions.Close()

	logger.Info().Msg("Talktime stopped")

	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
