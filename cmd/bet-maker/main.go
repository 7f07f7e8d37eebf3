package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/bet-maker/admission"
	"github.com/radieske/bet-line-platform/internal/bet-maker/auth"
	"github.com/radieske/bet-line-platform/internal/bet-maker/consumer"
	eventcache "github.com/radieske/bet-line-platform/internal/bet-maker/events"
	httpapi "github.com/radieske/bet-line-platform/internal/bet-maker/http"
	"github.com/radieske/bet-line-platform/internal/bet-maker/repo"
	"github.com/radieske/bet-line-platform/internal/shared/config"
	"github.com/radieske/bet-line-platform/internal/shared/db"
	"github.com/radieske/bet-line-platform/internal/shared/kafka"
	"github.com/radieske/bet-line-platform/internal/shared/logger"
	"github.com/radieske/bet-line-platform/internal/shared/metrics"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

func main() {
	cfg := config.LoadFor("bet-maker")
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pg, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		log.Fatal("postgres connect", zap.Error(err))
	}
	defer pg.Close()

	ledger := repo.NewPostgres(pg)
	if err := ledger.EnsureSchema(ctx); err != nil {
		log.Fatal("postgres schema", zap.Error(err))
	}
	log.Info("postgres ready")

	cacheRefreshes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bet_event_cache_refreshes_total", Help: "event cache refreshes"}, []string{"result"})
	cacheSize := prometheus.NewGauge(prometheus.GaugeOpts{Name: "bet_event_cache_entries", Help: "events in the current snapshot"})
	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bet_admissions_total", Help: "admission decisions"}, []string{"outcome"})
	placed := prometheus.NewCounter(prometheus.CounterOpts{Name: "bet_placed_total", Help: "bets persisted"})
	settled := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bet_settled_rows_total", Help: "bet rows rewritten by outcomes"}, []string{"status"})
	consumerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bet_outcome_errors_total", Help: "outcome consumer errors per stage"}, []string{"stage"})
	prometheus.MustRegister(cacheRefreshes, cacheSize, admissions, placed, settled, consumerErrors)

	client := eventcache.NewClient(cfg.EventURL, cfg.LineProviderToken, cfg.UpstreamTimeout)
	cache := eventcache.NewCache(client, cfg.CacheMaxSize, cfg.CacheTTL, log)
	cache.FetchTimeout = cfg.UpstreamTimeout
	cache.OnRefresh = func(n int) {
		cacheRefreshes.WithLabelValues("ok").Inc()
		cacheSize.Set(float64(n))
	}
	cache.OnRefreshError = func() { cacheRefreshes.WithLabelValues("error").Inc() }

	guard := admission.NewGuard(cache, log)
	guard.OnDecision = func(outcome string) { admissions.WithLabelValues(outcome).Inc() }

	reader := kafka.NewReader(cfg.KafkaBrokers, cfg.TopicEventStatus, cfg.ConsumerGroup)
	outcomes := &consumer.OutcomeConsumer{
		Log:    log,
		Source: kafka.NewQueue(reader, cfg.RequeueBackoff),
		Ledger: ledger,
		OnApplied: func(status events.BetStatus, rows int64) {
			settled.WithLabelValues(string(status)).Add(float64(rows))
		},
		OnError: func(stage string) { consumerErrors.WithLabelValues(stage).Inc() },
	}
	outcomes.Start(ctx)

	api := httpapi.NewServer(log, ledger, guard, cache, auth.NewVerifier(cfg.JWTSecret), cfg.CORSOrigins)
	api.OnBetPlaced = placed.Inc
	apiSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, log, map[string]metrics.HealthFunc{
		"postgres": ledger.Ping,
	})

	go func() {
		log.Info("bet-maker listening", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = apiSrv.Shutdown(shutdownCtx)
	if err := outcomes.Close(); err != nil {
		log.Warn("outcome consumer close", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("bet-maker stopped")
}
