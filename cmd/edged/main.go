// Command edged wires the runtime's pillars into a demo edge server: the
// filter pipeline in front of a trivial business handler, the shared
// executor, the timeout caches, the task scheduler and the pub/sub bus, plus
// an admin listener serving prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/TRUSTMATEKO/tx24-edge/cache"
	"github.com/TRUSTMATEKO/tx24-edge/edge"
	"github.com/TRUSTMATEKO/tx24-edge/executor"
	"github.com/TRUSTMATEKO/tx24-edge/monitoring"
	"github.com/TRUSTMATEKO/tx24-edge/pkg/clock"
	"github.com/TRUSTMATEKO/tx24-edge/pkg/config"
	"github.com/TRUSTMATEKO/tx24-edge/pubsub"
	"github.com/TRUSTMATEKO/tx24-edge/schedule"
)

func main() {
	addr := flag.String("addr", ":8080", "edge listen address")
	adminAddr := flag.String("admin-addr", ":9090", "admin/metrics listen address")
	redisAddr := flag.String("redis", "", "redis address for the pub/sub bus (empty: in-process)")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	// Shared clock and executor.
	clk := clock.New(0)
	clk.Start()
	ex := executor.New(executor.DefaultConfig())

	// Pub/sub bus: redis transport when configured, in-process otherwise.
	var transport pubsub.Transport = pubsub.NewMemoryTransport()
	if *redisAddr != "" {
		transport = pubsub.NewRedisTransport(redis.NewClient(&redis.Options{Addr: *redisAddr}))
	}
	bus := pubsub.NewBus(transport)

	// Business-data cache, maintained on the shared executor and invalidated
	// over the bus.
	dataCache := cache.New[[]byte](
		cache.WithClock[[]byte](clk),
		cache.WithExecutor[[]byte](ex),
		cache.WithTTL[[]byte](cfg.CacheExpire),
		cache.WithCapacity[[]byte](cfg.CacheMaxSize),
	)
	dataCache.Start()
	invalidationSub, err := dataCache.BindInvalidation(bus, pubsub.ChannelCacheInvalidate)
	if err != nil {
		log.Fatal().Err(err).Msg("binding cache invalidation")
	}

	// Edge pipeline.
	collector := monitoring.NewCollector()
	registry := monitoring.NewRegistry()
	metrics := edge.NewMetrics(registry)
	policy := edge.NewPolicyHolder(policyFromConfig(cfg))
	pipeline := edge.NewPipeline(policy, clk,
		edge.NewHealthHandler("tx24-edge", collector),
		edge.WithMetrics(metrics),
		edge.WithBus(bus),
	)

	collector.RegisterSource("cache", dataCache.Counters)
	collector.RegisterSource("gate", pipeline.Gate().Counters)
	collector.RegisterSource("security", pipeline.Security().Counters)
	collector.RegisterSource("executor", func() map[string]int64 {
		s := ex.Stats()
		return map[string]int64{
			"submitted":   s.Submitted,
			"completed":   s.Completed,
			"active":      int64(s.Active),
			"queue_depth": int64(s.QueueDepth),
		}
	})
	collector.RegisterSource("pubsub", func() map[string]int64 {
		return map[string]int64{"open_subscribers": bus.OpenSubscribers()}
	})

	// Task scheduler.
	taskRegistry := schedule.NewRegistry(loc)
	registerTasks(taskRegistry, dataCache, bus)
	taskRegistry.LogDiscovery()
	scheduler := schedule.New(taskRegistry, ex)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("starting scheduler")
	}
	collector.RegisterSource("scheduler", scheduler.Counters)

	srv := pipeline.Server(*addr, businessHandler(dataCache))

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	admin := &http.Server{Addr: *adminAddr, Handler: adminMux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", *addr).Msg("edge listener up")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", *adminAddr).Msg("admin listener up")
		if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Shutdown order: stop accepting, cancel the scheduler, drain the
		// executor, flush the cache, release subscribers.
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		_ = admin.Shutdown(shutCtx)
		scheduler.CancelAll()
		_ = ex.Close()
		dataCache.Close()
		invalidationSub.Close()
		_ = bus.Close()
		clk.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("runtime failed")
	}
	log.Info().Msg("shutdown complete")
}

func policyFromConfig(cfg config.Config) *edge.Policy {
	pol := edge.DefaultPolicy()
	pol.MaxConnectionsPerIP = cfg.MaxConnectionsPerIP
	pol.DeniedIPPrefixes = cfg.DenyIPs
	pol.DeniedURIPrefixes = cfg.DenyURLs
	pol.DeniedExtensions = toSet(cfg.DenyExtensions)
	pol.AllowedContentTypes = cfg.AllowedContentTypes
	pol.MaxBodyBytes = cfg.HugeLimit
	pol.MaxAttemptsBeforeBlock = cfg.MaxAttemptsBeforeBlock
	pol.BlacklistDuration = cfg.BlacklistDuration
	pol.CompressionThreshold = cfg.CompressionThreshold
	pol.CompressionExcludedTypes = toSet(cfg.CompressionExcludedTypes)
	return pol
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

// businessHandler is the demo downstream: echo with a cached read path.
func businessHandler(c *cache.Cache[[]byte]) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/data", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			w.Header().Set("Content-Type", "application/json; charset=UTF-8")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		if v, ok := c.Get(key); ok {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(v)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	})
	return mux
}

// registerTasks installs the demo maintenance tasks: a nightly statistics
// reset and a monthly broad cache invalidation.
func registerTasks(reg *schedule.Registry, c *cache.Cache[[]byte], bus *pubsub.Bus) {
	reg.MustRegister(schedule.Descriptor{
		Name: "stats-reset",
		Factory: func() (schedule.Runner, error) {
			return schedule.RunnerFunc(func(ctx context.Context) error {
				c.ResetStatistics()
				return nil
			}), nil
		},
		Time:     "00:10",
		Period:   "1d",
		Enabled:  true,
		Desc:     "zero cache statistics counters",
		Priority: 1,
	})
	reg.MustRegister(schedule.Descriptor{
		Name: "monthly-flush",
		Factory: func() (schedule.Runner, error) {
			return schedule.RunnerFunc(func(ctx context.Context) error {
				return bus.Publish(ctx, pubsub.ChannelCacheInvalidate,
					pubsub.InvalidationEvent{Pattern: "*", Source: "monthly-flush"})
			}), nil
		},
		Time:     "03:00",
		Period:   "M",
		StartDay: "20250101",
		Enabled:  true,
		Desc:     "monthly full cache invalidation",
		Priority: 5,
	})
}
