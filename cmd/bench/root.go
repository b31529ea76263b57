package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/lanecache/backend"
	"github.com/IvanBrykalov/lanecache/backend/redisstore"
	"github.com/IvanBrykalov/lanecache/cache"
	pmet "github.com/IvanBrykalov/lanecache/metrics/prom"
	"github.com/IvanBrykalov/lanecache/policy/sharded"
	"github.com/IvanBrykalov/lanecache/policy/twoq"
	"github.com/IvanBrykalov/lanecache/wal"
	"github.com/IvanBrykalov/lanecache/writepolicy"
)

func newRootCmd() *cobra.Command {
	var (
		cfg     config
		cfgPath string
	)
	cmd := &cobra.Command{
		Use:           "bench",
		Short:         "Run a Zipf read/write workload against lanecache",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.load(cmd, cfgPath); err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			log, err := newLogger(cfg.Dev)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return run(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "YAML config file; explicit flags win")
	cfg.bind(cmd.Flags())
	return cmd
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// ---- pprof server (on DefaultServeMux) ----
	if cfg.PprofAddr != "" {
		go func() {
			log.Info("pprof: serving", zap.String("addr", cfg.PprofAddr))
			log.Warn("pprof server stopped", zap.Error(http.ListenAndServe(cfg.PprofAddr, nil)))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "lanecache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info("metrics: serving", zap.String("addr", cfg.MetricsAddr))
		log.Warn("metrics server stopped", zap.Error(http.ListenAndServe(cfg.MetricsAddr, nil)))
	}()

	// ---- Build cache ----
	store, cleanup, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	opt := cache.Options[string, string]{
		Capacity:   cfg.Capacity,
		Lanes:      cfg.Lanes,
		Backend:    store,
		DefaultTTL: cfg.DefaultTTL,
		Metrics:    metrics,
		Logger:     log,
	}
	switch cfg.Tracker {
	case "lru":
		// nil => global LRU by default
	case "sharded":
		opt.Tracker = sharded.New[string](sharded.Options[string]{Shards: cfg.Shards})
	case "2q":
		// split 2Q queues as a simple default
		opt.Tracker = twoq.New[string](cfg.Capacity/4, cfg.Capacity/2)
	default:
		return errors.Newf("unknown tracker: %q (use lru, sharded or 2q)", cfg.Tracker)
	}
	if opt.WritePolicy, err = buildPolicy(cfg, log); err != nil {
		return err
	}

	c, err := cache.New(opt)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	// ---- Preload half capacity to get a realistic hit-rate ----
	pl := cfg.Preload
	if pl == 0 {
		pl = cfg.Capacity / 2
	}
	for i := 0; i < pl; i++ {
		k := "k:" + strconv.Itoa(i)
		if err := c.Put(ctx, k, "v"+strconv.Itoa(i)); err != nil {
			return errors.Wrap(err, "preload")
		}
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, failures, total uint64
	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	keysMax := uint64(cfg.Keys - 1)
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Workers)
	for w := 0; w < cfg.Workers; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(cfg.Seed + int64(id)*9973))
			localZipf := rand.NewZipf(localR, cfg.ZipfS, cfg.ZipfV, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for runCtx.Err() == nil {
				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < cfg.ReadPct {
					atomic.AddUint64(&reads, 1)
					_, err := c.Get(runCtx, keyByZipf())
					switch {
					case err == nil:
						atomic.AddUint64(&hits, 1)
					case errors.Is(err, cache.ErrKeyNotFound):
						atomic.AddUint64(&misses, 1)
					default:
						atomic.AddUint64(&failures, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					if err := c.Put(runCtx, keyByZipf(), "v"+strconv.Itoa(localR.Int())); err != nil {
						atomic.AddUint64(&failures, 1)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	hitsN := atomic.LoadUint64(&hits)

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("tracker=%s policy=%s backend=%s cap=%d lanes=%d workers=%d keys=%d dur=%v seed=%d\n",
		cfg.Tracker, cfg.Policy, cfg.Backend, cfg.Capacity, cfg.Lanes, cfg.Workers, cfg.Keys, elapsed, cfg.Seed)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  failures=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, atomic.LoadUint64(&writes), atomic.LoadUint64(&failures))
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, atomic.LoadUint64(&misses), hitRate)
	st := c.Stats()
	fmt.Printf("Len()=%d  evictions=%d  expirations=%d  cache hit-ratio=%.2f%%\n",
		c.Len(), st.Evictions, st.Expirations, st.HitRatio()*100)
	return nil
}

func buildBackend(cfg config) (backend.Store[string, string], func(), error) {
	switch cfg.Backend {
	case "memory":
		return backend.NewMemory[string, string](), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, errors.Wrapf(err, "redis %s", cfg.RedisAddr)
		}
		store := redisstore.New[string, string](client, redisstore.Options[string]{Prefix: cfg.RedisPrefix})
		return store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, errors.Newf("unknown backend: %q (use memory or redis)", cfg.Backend)
	}
}

func buildPolicy(cfg config, log *zap.Logger) (writepolicy.Policy[string, string], error) {
	switch cfg.Policy {
	case "through":
		return writepolicy.Through[string, string]{}, nil
	case "around":
		return writepolicy.Around[string, string]{}, nil
	case "back":
		return writepolicy.NewBack[string, string](writepolicy.BackOptions{
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushEvery,
			Logger:        log,
		}), nil
	case "behind":
		wlog, err := wal.Open[string, string](wal.Options{FS: osfs.New(cfg.WALDir), Logger: log})
		if err != nil {
			return nil, err
		}
		return writepolicy.NewBehind(writepolicy.BehindOptions[string, string]{
			WAL:           wlog,
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushEvery,
			Logger:        log,
		})
	default:
		return nil, errors.Newf("unknown write policy: %q (use through, around, back or behind)", cfg.Policy)
	}
}
