package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/radieske/bet-line-platform/internal/shared/config"
	"github.com/radieske/bet-line-platform/internal/shared/httpx"
	"github.com/radieske/bet-line-platform/internal/shared/logger"
	"github.com/radieske/bet-line-platform/internal/shared/metrics"
)

func main() {
	cfg := config.LoadFor("api-gateway")
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	handler, err := newRouter(cfg, log)
	if err != nil {
		log.Fatal("gateway targets", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, log, nil)

	go func() {
		log.Info("api-gateway listening", zap.String("addr", srv.Addr),
			zap.String("line_provider", cfg.LineProviderURL), zap.String("bet_maker", cfg.BetMakerURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway failed", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("api-gateway stopped")
}

// newRouter routes /line/* to line-provider (prefix stripped) and /api/* to
// bet-maker (prefix kept, bet-maker mounts its API under /api).
func newRouter(cfg config.Config, log *zap.Logger) (http.Handler, error) {
	line, err := proxy(cfg.LineProviderURL, log)
	if err != nil {
		return nil, err
	}
	bet, err := proxy(cfg.BetMakerURL, log)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.RequestLog(log))
	r.Use(httpx.CORS(cfg.CORSOrigins))

	r.Handle("/line/*", http.StripPrefix("/line", line))
	r.Handle("/api/*", bet)
	return r, nil
}

func proxy(target string, log *zap.Logger) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", target)
	}
	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("upstream unreachable", zap.String("upstream", u.Host), zap.String("path", r.URL.Path), zap.Error(err))
		httpx.WriteJSON(w, http.StatusBadGateway, httpx.ErrorBody{Detail: "upstream unavailable"})
	}
	return rp, nil
}
