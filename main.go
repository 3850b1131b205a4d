package main

import (
	"context"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/slashbinslashnoname/agromarket-bot/bot"
	"github.com/slashbinslashnoname/agromarket-bot/clock"
	"github.com/slashbinslashnoname/agromarket-bot/config"
	"github.com/slashbinslashnoname/agromarket-bot/db"
	"github.com/slashbinslashnoname/agromarket-bot/lifecycle"
	"github.com/slashbinslashnoname/agromarket-bot/logger"
	"github.com/slashbinslashnoname/agromarket-bot/metrics"
	"github.com/slashbinslashnoname/agromarket-bot/scheduler"
	"github.com/slashbinslashnoname/agromarket-bot/session"
)

func main() {
	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if _, err := logger.New(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codec, err := clock.NewCodec(cfg.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load timezone")
	}

	database, err := db.NewDatabase(cfg.DBPath, codec)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer database.Close()

	var sessions session.Store
	switch cfg.SessionBackend {
	case "redis":
		rs, err := session.NewRedisStore(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to session store")
		}
		defer rs.Close()
		sessions = rs
	default:
		sessions = session.NewMemoryStore()
	}

	// Initialize the bot
	telegramBot, err := bot.NewBot(cfg, database, sessions)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bot")
	}

	sched := scheduler.New(database, telegramBot.Runner(), telegramBot.Flow(), scheduler.Options{
		PollInterval: cfg.PollInterval,
		PageSize:     cfg.PageSize,
		StoreTimeout: cfg.StoreTimeout,
		Rules: lifecycle.Rules{
			ExpiryAge:        cfg.ExpiryAge,
			RequestDeleteAge: cfg.RequestDeleteAge,
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduler stopped")
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		telegramBot.Stop()
	}()

	telegramBot.Start()
	<-done
	log.Info().Msg("Bot stopped")
}
