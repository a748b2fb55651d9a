package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"flight-cdm/internal/api"
	"flight-cdm/internal/auth"
	"flight-cdm/internal/config"
	"flight-cdm/internal/fetcher"
	"flight-cdm/internal/hub"
	"flight-cdm/internal/metrics"
	"flight-cdm/internal/model"
	"flight-cdm/internal/persistence"
	"flight-cdm/internal/persistence/sqlite"
	"flight-cdm/internal/processor"
	"flight-cdm/internal/schedule"
	"flight-cdm/internal/scheduler"
	"flight-cdm/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	issueCID := flag.String("issue-token", "", "print a session token for this participant ID and exit")
	issueCallsign := flag.String("callsign", "", "controller callsign for -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	verifier := auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if *issueCID != "" {
		token, err := verifier.Issue(auth.Principal{ParticipantID: *issueCID, ControllerCallsign: *issueCallsign})
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	appLogger := logger.NewWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	if err := run(cfg, verifier, appLogger); err != nil {
		appLogger.Error("Server exited: %v", err)
		os.Exit(1)
	}
	appLogger.Info("Server stopped")
}

func run(cfg *config.Config, verifier *auth.TokenVerifier, appLogger *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	var relay *processor.Relay
	hubOpts := hub.Options{HistorySize: cfg.Hub.HistorySize}
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		relay = processor.NewRelay(rdb, processor.RelayConfig{
			Channel:    cfg.Redis.Channel,
			BufferSize: cfg.Redis.BufferSize,
			PerSecond:  cfg.Redis.PublishPerSecond,
			Burst:      cfg.Redis.Burst,
			Timeout:    cfg.Redis.Timeout,
		}, appLogger, m)
		relay.Start()
		defer relay.Stop()

		hubOpts.Mirror = func(ev model.Event) { relay.Submit(ev) }
		appLogger.Info("Mirroring events to redis %s channel %s", cfg.Redis.Addr, cfg.Redis.Channel)
	}
	h := hub.New(hubOpts, appLogger, m)
	defer h.Close()

	var opts []scheduler.Option
	var feed *fetcher.FeedClient
	if cfg.Feed.Enabled {
		feed = fetcher.NewFeedClient(cfg.Feed.URL, cfg.Feed.RequestTimeout, cfg.Feed.CacheTTL, cfg.Feed.CacheSize, appLogger, m)
		opts = append(opts, scheduler.WithPlans(feed))
	}

	svc := scheduler.New(scheduler.Config{
		Operators:    cfg.Auth.Operators,
		Reserved:     cfg.Flow.Reserved,
		InitialRates: cfg.Flow.Rates,
	}, h, store, appLogger, m, opts...)
	if err := svc.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	var refresher *schedule.Refresher
	if source := scheduleSource(cfg.Schedule); source != nil {
		refresher, err = schedule.NewRefresher(source, svc.RefreshSchedule, cfg.Schedule.RefreshAt, cfg.Schedule.Timeout, appLogger)
		if err != nil {
			return err
		}
	} else {
		appLogger.Warn("No schedule source configured; TOBT slots are disabled")
	}

	limiter := processor.NewKeyedLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize, cfg.RateLimit.IdleTimeout)
	ws := hub.NewHandler(h, svc, hub.WSConfig{
		SendBuffer:     cfg.Hub.SendBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MessagesPerSec: cfg.Hub.MessagesPerSecond,
		MessageBurst:   cfg.Hub.MessageBurst,
	}, appLogger)

	apiOpts := api.Options{AllowedOrigins: cfg.Server.AllowedOrigins, Limiter: limiter}
	if refresher != nil {
		apiOpts.Refresher = refresher
	}
	if pinger, ok := store.(api.Pinger); ok {
		apiOpts.Storage = pinger
	}
	if feed != nil {
		apiOpts.Feed = feed
	}
	if relay != nil {
		apiOpts.Relay = relay
	}
	apiServer := api.NewServer(svc, verifier, ws, apiOpts, appLogger, m)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		m.Run(gctx)
		return nil
	})

	g.Go(func() error {
		limiter.RunCleanup(gctx, time.Minute)
		return nil
	})

	if feed != nil {
		g.Go(func() error {
			feed.Run(gctx, cfg.Feed.PollInterval)
			return nil
		})
	}

	if refresher != nil {
		g.Go(func() error {
			return refresher.Run(gctx)
		})

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					appLogger.Info("SIGHUP received, refreshing schedule")
					refresher.Trigger()
				}
			}
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StorageConfig) (persistence.Store, error) {
	if cfg.Driver == "memory" {
		return persistence.NewMemory(), nil
	}
	store, err := sqlite.Open(ctx, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func scheduleSource(cfg config.ScheduleConfig) schedule.Source {
	switch {
	case cfg.URL != "":
		return schedule.NewHTTPSource(cfg.URL, cfg.Timeout)
	case cfg.File != "":
		return schedule.NewFileSource(cfg.File)
	}
	return nil
}
