package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/reviewly/dispatch/internal/config"
	"github.com/reviewly/dispatch/internal/gateway"
	"github.com/reviewly/dispatch/internal/metrics"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/store"
	"github.com/reviewly/dispatch/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db pool")
	}
	defer pool.Close()
	if err := pool.Ping(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("db ping")
	}

	st := store.New(pool)
	q := queue.New(pool, queue.DefaultConfigs())

	prov := gateway.NewDummy()
	prov.FailureRate = cfg.GatewayFailureRate

	opts := queue.DefaultManagerOptions()
	opts.JobTimeout = cfg.JobTimeout
	opts.PollInterval = cfg.PollInterval
	opts.IdleSleep = cfg.IdleSleep

	mgr := queue.NewManager(q, opts, log)
	mgr.Register(queue.SendRequest, worker.NewSender(st, prov, prov, log).Handle)
	mgr.Register(queue.ProcessWebhook, worker.NewReconciler(st, log).Handle)
	mgr.Register(queue.SendFollowup, worker.NewFollowup(st, q, log).Handle)

	mon := worker.NewMonitor(st, worker.ClickAgePolicy{After: cfg.CompletionAfter}, log)
	mon.Grace = cfg.MonitorGrace
	mgr.Register(queue.MonitorReviews, mon.Handle)

	mgr.Start(rootCtx)
	go sweepMonitors(rootCtx, st, q, log, cfg.MonitorSweepEvery)
	go serveHealthz(log)

	log.Info().Msg("dispatch worker running")
	<-rootCtx.Done()
	log.Info().Msg("shutting down")
	mgr.Shutdown()
}

// sweepMonitors periodically enqueues one monitor-reviews job per active
// business. Deduped so overlapping sweeps collapse into one pending job.
func sweepMonitors(ctx context.Context, st *store.Store, q *queue.Queue, log zerolog.Logger, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ids, err := st.ListActiveBusinessIDs(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("monitor sweep: list businesses")
				continue
			}
			for _, id := range ids {
				_, err := q.Enqueue(ctx, queue.MonitorReviews,
					queue.MonitorPayload{BusinessID: id},
					queue.Options{DedupeKey: "monitor-" + id})
				if err != nil {
					log.Warn().Err(err).Str("business_id", id).Msg("monitor sweep: enqueue")
				}
			}
		}
	}
}

func serveHealthz(log zerolog.Logger) {
	metrics.MustRegister()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	addr := envOr("HEALTH_ADDR", "0.0.0.0:9090")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("healthz server")
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogPretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "dispatch-worker").Logger()
}
