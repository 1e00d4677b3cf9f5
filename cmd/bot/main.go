package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"masterbook/internal/availability"
	"masterbook/internal/booking"
	"masterbook/internal/bot"
	"masterbook/internal/config"
	"masterbook/internal/database"
	"masterbook/internal/export"
	"masterbook/internal/flood"
	"masterbook/internal/metrics"
	"masterbook/internal/notify"
	"masterbook/internal/reminders"
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv("MASTERBOOK_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		logger = logger.Level(level)
	}

	if cfg.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE" {
		logger.Fatal().Msg("set telegram.bot_token in config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	for _, id := range cfg.Admins {
		if _, err := db.EnsureUser(ctx, id, ""); err != nil {
			logger.Fatal().Err(err).Int64("user_id", id).Msg("seed admin error")
		}
		if err := db.SetAdmin(ctx, id, true); err != nil {
			logger.Fatal().Err(err).Int64("user_id", id).Msg("seed admin error")
		}
	}

	var catalog atomic.Pointer[config.ServicesConfig]
	err = config.WatchServices(ctx, cfg.ServicesConfigPath, 30*time.Second, logger, func(prev, next *config.ServicesConfig) {
		catalog.Store(next)
		if prev == nil {
			logger.Info().Str("catalog", next.String()).Msg("services loaded")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("load services error")
	}

	var rdb *redis.Client
	var banCache flood.BanCache = flood.NewMemoryBanCache()
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, ban cache stays in memory")
		} else {
			banCache = flood.NewRedisBanCache(rdb, cfg.Redis.BanKey)
		}
		cancel()
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to telegram error")
	}
	api.Debug = cfg.Telegram.Debug

	loc := cfg.Location()
	sender := notify.NewSender(api, cfg.Reminders.RatePerSecond, cfg.Reminders.Burst, notify.DefaultRetryConfig(), logger)

	gate := flood.NewGate(db, banCache, flood.Options{
		Cooldown:           cfg.Cooldown(),
		BanThreshold:       cfg.Flood.BanThreshold,
		NonRecognizedLimit: cfg.Flood.NonRecognizedLimit,
		Window:             cfg.FloodWindow(),
		AdminContact:       cfg.Scheduling.AdminContact,
	}, logger)
	if err := gate.Reconcile(ctx); err != nil {
		logger.Error().Err(err).Msg("ban cache reconcile failed")
	}

	editor := availability.NewEditor(db, availability.Limits{
		PerDay:       cfg.Scheduling.MaxTimeSlotsPerDay,
		PerMonth:     cfg.Scheduling.MaxAppointmentsPerMonth,
		AdminContact: cfg.Scheduling.AdminContact,
	}, loc, nil)

	b, err := bot.New(api, bot.Deps{
		Store: db,
		Gate:  gate,
		Booking: booking.New(db, sender, catalog.Load, booking.Options{
			Location:     loc,
			PageSize:     cfg.Scheduling.MastersPageSize,
			MaxPerDay:    cfg.Scheduling.MaxAppointmentsPerDay,
			AdminContact: cfg.Scheduling.AdminContact,
		}, logger),
		Schedule: availability.NewSchedule(db, editor, sender, logger),
		Exporter: export.New(db, cfg.Export.Dir, loc, logger),
		Notifier: sender,
		Catalog:  catalog.Load,
	}, bot.Options{Admins: cfg.Admins, Location: loc}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create bot error")
	}

	sweeper := flood.NewSweeper(gate, cfg.FloodSweepInterval())
	sweeper.Start()
	defer sweeper.Stop()

	if cfg.Reminders.Enabled {
		rs := reminders.NewService(reminders.Config{
			CheckInterval: cfg.ReminderInterval(),
			Lead:          cfg.ReminderLead(),
			MaxConcurrent: cfg.Reminders.MaxConcurrent,
			Location:      loc,
		}, db, sender, logger)
		rs.Start()
		defer rs.Stop()
	}

	if cfg.Backup.Enabled {
		backups := database.NewBackupService(db, database.BackupConfig{
			Dir:           cfg.Backup.Dir,
			Interval:      cfg.BackupInterval(),
			RetentionDays: cfg.Backup.RetentionDays,
		}, logger)
		go backups.Start(ctx)
	}

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, db, rdb, logger)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
	}

	logger.Info().Str("timezone", loc.String()).Msg("masterbook bot started")
	b.Start(ctx)
	logger.Info().Msg("shutting down")
}

func startHealthServer(ctx context.Context, port int, db *database.DB, rdb *redis.Client, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := db.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	serve(ctx, port, mux, "health", logger)
}

func startMetricsServer(ctx context.Context, port int, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serve(ctx, port, mux, "metrics", logger)
}

func serve(ctx context.Context, port int, h http.Handler, name string, logger zerolog.Logger) {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg(name + " server error")
	}
}
