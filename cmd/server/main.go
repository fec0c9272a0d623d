package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
	"github.com/stancp327/Fetchwork-sub000/internal/config"
	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/httpserver"
	"github.com/stancp327/Fetchwork-sub000/internal/logging"
	"github.com/stancp327/Fetchwork-sub000/internal/presence"
	"github.com/stancp327/Fetchwork-sub000/internal/queue"
	"github.com/stancp327/Fetchwork-sub000/internal/relay"
	"github.com/stancp327/Fetchwork-sub000/internal/security"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
	"github.com/stancp327/Fetchwork-sub000/internal/store/postgres"
	"github.com/stancp327/Fetchwork-sub000/internal/store/sqlite"
	"github.com/stancp327/Fetchwork-sub000/internal/ws"
)

type repositories struct {
	conversations domain.ConversationRepository
	rooms         domain.RoomRepository
	messages      domain.MessageRepository
	notifications domain.NotificationRepository
}

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	migrateOnly := flag.Bool("migrate-only", false, "run database migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.IsDevelopment(), cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *migrateOnly, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, migrateOnly bool, log *zap.Logger) error {
	db, repos, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if migrateOnly {
		log.Info("migrations applied", zap.String("driver", cfg.StoreDriver))
		return nil
	}

	tokens := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	encryptor, err := security.NewEncryptor(cfg.EncryptKey, cfg.PreviousEncryptKeys)
	if err != nil {
		return fmt.Errorf("init encryptor: %w", err)
	}

	var (
		registry  presence.Registry
		heartbeat *presence.Redis
		fanout    relay.Relay
		tasks     queue.Client
		workers   queue.Server
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}

		// A fresh id per process: connections left behind by a previous run
		// expire with that run's heartbeat.
		instanceID := uuid.NewString()
		if heartbeat, err = presence.NewRedis(ctx, rdb, instanceID); err != nil {
			return err
		}
		registry = heartbeat
		fanout = relay.NewRedis(rdb, instanceID, log)

		client, err := queue.NewAsynqClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		tasks = client
		if workers, err = queue.NewAsynqServer(cfg.RedisURL, 10, log.Named("queue")); err != nil {
			return err
		}
		log.Info("using redis presence, relay and asynq queue", zap.String("instance", instanceID))
	} else {
		inline := queue.NewInline(log.Named("queue"))
		registry, tasks, workers = presence.NewMemory(), inline, inline
		log.Info("using in-memory presence and inline queue")
	}
	defer tasks.Close()
	service.RegisterNotificationHandler(workers, repos.notifications, log)

	limits := service.DefaultLimits()
	limits.MaxMessageLength = cfg.MaxMessageLength
	limits.HistoryPageSize = cfg.HistoryPageSize
	limits.SyncRoomLimit = cfg.SyncRoomLimit
	limits.MaxRoomMembers = cfg.MaxRoomMembers

	clk := clock.Real()
	hub := ws.NewHub(registry, log)
	if fanout != nil {
		hub.UseRelay(fanout)
	}
	conversations := service.NewConversationService(repos.conversations, hub, encryptor, clk, log)
	rooms := service.NewRoomService(repos.rooms, hub, clk, limits, log)
	messages := service.NewMessageService(service.MessageServiceDeps{
		Conversations: conversations,
		Rooms:         rooms,
		Messages:      repos.messages,
		Presence:      hub,
		Fanout:        hub,
		Notifier:      service.NewNotifier(tasks),
		Encryptor:     encryptor,
		Clock:         clk,
		Limits:        limits,
		Log:           log,
	})

	router := httpserver.NewRouter(httpserver.Deps{
		CORSOrigins:   cfg.CORSOrigins,
		Tokens:        tokens,
		Conversations: conversations,
		Rooms:         rooms,
		Messages:      messages,
		Notifications: service.NewNotificationService(repos.notifications, encryptor, log),
		Presence:      hub,
		WS: ws.NewHandler(ws.HandlerConfig{
			Hub:            hub,
			Tokens:         tokens,
			Messages:       messages,
			AllowedOrigins: cfg.CORSOrigins,
			SendBuffer:     cfg.WSSendBuffer,
			EventTimeout:   cfg.EventTimeout,
			Log:            log,
		}),
		Ready: db.PingContext,
		Log:   log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan error, 1)
	go func() { workersDone <- workers.Run(workerCtx) }()
	var background sync.WaitGroup
	if heartbeat != nil {
		background.Add(2)
		go func() {
			defer background.Done()
			if err := heartbeat.Run(workerCtx); err != nil {
				log.Error("presence heartbeat stopped", zap.Error(err))
			}
		}()
		go func() {
			defer background.Done()
			if err := hub.RunRelay(workerCtx); err != nil {
				log.Error("relay stopped", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("app", cfg.AppName), zap.String("addr", cfg.HTTPAddr()),
			zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stopWorkers()
			background.Wait()
			return fmt.Errorf("listen: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	// Hijacked websocket connections are not tracked by the http server.
	hub.Close(shutdownCtx)

	stopWorkers()
	if err := <-workersDone; err != nil {
		log.Warn("queue worker", zap.Error(err))
	}
	background.Wait()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, repositories, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, repositories{}, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, repositories{}, fmt.Errorf("migrate: %w", err)
		}
		return db, repositories{
			conversations: postgres.NewConversationRepo(db),
			rooms:         postgres.NewRoomRepo(db),
			messages:      postgres.NewMessageRepo(db),
			notifications: postgres.NewNotificationRepo(db),
		}, nil
	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, repositories{}, err
		}
		if err := sqlite.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, repositories{}, fmt.Errorf("migrate: %w", err)
		}
		return db, repositories{
			conversations: sqlite.NewConversationRepo(db),
			rooms:         sqlite.NewRoomRepo(db),
			messages:      sqlite.NewMessageRepo(db),
			notifications: sqlite.NewNotificationRepo(db),
		}, nil
	}
}
