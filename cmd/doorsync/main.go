package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"doorsync/internal/calendar"
	"doorsync/internal/config"
	"doorsync/internal/ics"
	"doorsync/internal/logging"
	"doorsync/internal/notify"
	"doorsync/internal/pco"
	"doorsync/internal/syncer"
	"doorsync/internal/unifi"
	"doorsync/internal/web"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "Path to .env file (missing file is ignored)")
		once    = flag.Bool("once", false, "Run one sync cycle and exit")
	)
	flag.Parse()

	// .env is optional; real deployments often configure via the
	// process manager instead.
	_ = godotenv.Load(*envFile)

	cfg, err := config.Load()
	if err != nil {
		bootstrapLogger := zerolog.New(os.Stderr)
		bootstrapLogger.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Environment)
	logger.Info().
		Str("timezone", cfg.DisplayTimezone).
		Str("provider", cfg.CalendarProvider).
		Str("cron", cfg.SyncCron).
		Bool("apply_to_unifi", cfg.ApplyToUnifi).
		Msg("doorsync starting")

	var source calendar.EventSource
	switch cfg.CalendarProvider {
	case "ics":
		source = ics.NewProvider(cfg.ICSURLs, cfg.ICSCacheDir, logger)
	default:
		source = pco.New(cfg, logger)
	}

	remote := unifi.NewClient(cfg, logger)
	notifier := notify.New(cfg.TelegramBotToken, cfg.TelegramChatIDs, logger)
	svc := syncer.New(cfg, source, remote, notifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if *once {
		if err := svc.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("sync cycle failed")
			os.Exit(1)
		}
		return
	}

	errCh := make(chan error, 2)
	go func() { errCh <- svc.Run(ctx) }()
	go func() { errCh <- web.NewServer(cfg, svc, logger).ListenAndServe(ctx) }()

	if err := <-errCh; err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("fatal error")
		cancel()
		os.Exit(1)
	}
	<-ctx.Done()
	logger.Info().Msg("doorsync exiting")
}
