package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	goredis "github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/zlog"

	"github.com/drenlia/easy-kanban-sub008/internal/api/handlers/notification"
	"github.com/drenlia/easy-kanban-sub008/internal/api/router"
	"github.com/drenlia/easy-kanban-sub008/internal/api/server"
	"github.com/drenlia/easy-kanban-sub008/internal/config"
	"github.com/drenlia/easy-kanban-sub008/internal/delivery"
	"github.com/drenlia/easy-kanban-sub008/internal/fanout"
	"github.com/drenlia/easy-kanban-sub008/internal/render"
	prefsrepo "github.com/drenlia/easy-kanban-sub008/internal/repository/prefs"
	queuerepo "github.com/drenlia/easy-kanban-sub008/internal/repository/queue"
	notifsvc "github.com/drenlia/easy-kanban-sub008/internal/service/notification"
	"github.com/drenlia/easy-kanban-sub008/internal/throttle"
	"github.com/drenlia/easy-kanban-sub008/pkg/email"
	"github.com/drenlia/easy-kanban-sub008/pkg/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	val := validator.New()

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	queueRepo := queuerepo.NewRepository(db)
	prefsRepo := prefsrepo.NewRepository(db)

	rdb := redis.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.Database)
	if err = rdb.Ping(ctx).Err(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	notifier := buildNotifier(cfg)

	executor := delivery.NewExecutor(queueRepo, notifier, render.New(), prefsRepo, rdb, delivery.Config{
		MaxRetries:  cfg.Queue.MaxRetries,
		Backoff:     cfg.Queue.RetryBackoff(),
		SendTimeout: cfg.Queue.SendTimeout(),
		Strategy:    cfg.Retry,
	})

	// The delay is re-read on every enqueue so it can be changed between
	// ticks without a restart.
	delay := func() time.Duration {
		return time.Duration(viper.GetInt("queue.delay_minutes")) * time.Minute
	}

	throttler := throttle.NewThrottler(queueRepo, executor, delay)

	processor := throttle.NewProcessor(queueRepo, executor, throttle.ProcessorConfig{
		Interval:     cfg.Queue.ProcessorInterval(),
		BatchSize:    cfg.Queue.BatchSize,
		ClaimTimeout: cfg.Queue.ClaimTimeout(),
		Retention:    cfg.Queue.Retention(),
	})
	go processor.Start(ctx)

	broker := buildBroker(cfg, db)

	service := notifsvc.NewService(throttler, broker, queueRepo, rdb, cfg.Fanout.Channel, cfg.Fanout.MultiTenant)
	handler := notification.NewHandler(service, val, cfg)

	r := router.New(handler)
	s := server.New(cfg.Server.HTTPPort, r)

	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Final flush so entries that became due during shutdown get one more
	// chance before the process exits.
	processor.Stop()

	if err := broker.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close fanout broker")
	}

	if err := db.Master.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close master DB")
	}

	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msgf("failed to close slave DB %d", i)
		}
	}
}

// buildNotifier picks the outbound transport for consolidated
// notifications.
func buildNotifier(cfg *config.Config) delivery.Notifier {
	switch cfg.Notifier.Channel {
	case "telegram":
		return telegram.NewClient(cfg.Telegram.Token)
	default:
		return email.NewClient(
			cfg.Email.SMTPHost,
			cfg.Email.SMTPPort,
			cfg.Email.Username,
			cfg.Email.Password,
			cfg.Email.From,
		)
	}
}

// buildBroker picks the live fanout backend.
func buildBroker(cfg *config.Config, db *dbpg.DB) fanout.Broker {
	policy := fanout.DefaultPolicy(cfg.Fanout.MaxPayloadBytes)

	if cfg.Fanout.Backend == "postgres" {
		return fanout.NewPostgresBroker(db, cfg.Database.Master.DSN(), policy)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
	})

	return fanout.NewRedisBroker(client, policy, cfg.Retry)
}
