package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/line-provider/feed"
	httpapi "github.com/radieske/bet-line-platform/internal/line-provider/http"
	"github.com/radieske/bet-line-platform/internal/line-provider/publisher"
	"github.com/radieske/bet-line-platform/internal/line-provider/store"
	"github.com/radieske/bet-line-platform/internal/shared/cache"
	"github.com/radieske/bet-line-platform/internal/shared/config"
	"github.com/radieske/bet-line-platform/internal/shared/logger"
	"github.com/radieske/bet-line-platform/internal/shared/metrics"
)

func main() {
	cfg := config.LoadFor("line-provider")
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisClient, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal("redis connect", zap.Error(err))
	}
	defer redisClient.Close()
	log.Info("redis connected", zap.String("addr", cfg.RedisAddr))

	storeOps := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "line_store_ops_total", Help: "event store operations"}, []string{"op", "result"})
	published := prometheus.NewCounter(prometheus.CounterOpts{Name: "line_outcomes_published_total", Help: "outcome notifications published"})
	publishErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "line_outcome_publish_errors_total", Help: "failed outcome publishes"})
	wsClients := prometheus.NewGauge(prometheus.GaugeOpts{Name: "line_ws_clients", Help: "connected websocket clients"})
	prometheus.MustRegister(storeOps, published, publishErrors, wsClients)

	st := store.NewRedisStore(redisClient, log, cfg.RedisHashName, cfg.MaxIDKey, cfg.MinimumEventDuration)
	st.OnOp = func(op string, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		storeOps.WithLabelValues(op, result).Inc()
	}

	pub, err := publisher.NewKafkaPublisher(ctx, cfg.KafkaBrokers, cfg.TopicEventStatus, cfg.KafkaReplicationFactor, log)
	if err != nil {
		log.Fatal("kafka publisher", zap.Error(err))
	}
	defer pub.Close()
	pub.OnPublished = published.Inc
	pub.OnError = func(error) { publishErrors.Inc() }

	hub := feed.NewHub(originAllowed(cfg.CORSOrigins), log)
	hub.OnClients = func(delta int) { wsClients.Add(float64(delta)) }
	if err := feed.StartSubscriber(ctx, redisClient, cfg.RedisFeedChannel, hub, log); err != nil {
		log.Fatal("feed subscriber", zap.Error(err))
	}

	api := &httpapi.API{
		Log:       log,
		Store:     st,
		Publisher: pub,
		Feed:      feed.NewRedisBroadcaster(redisClient, cfg.RedisFeedChannel, log),
		WS:        hub.HandleWS,
		Token:     cfg.LineProviderToken,
		Origins:   cfg.CORSOrigins,
	}
	apiSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, log, map[string]metrics.HealthFunc{
		"redis": st.Ping,
	})

	go func() {
		log.Info("line-provider listening", zap.String("addr", apiSrv.Addr))
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
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("line-provider stopped")
}

// originAllowed mirrors the CORS origin list for websocket upgrades.
func originAllowed(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
	}
}

