package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/cdp-engine/internal/api"
	"github.com/atmx/cdp-engine/internal/cdp"
	"github.com/atmx/cdp-engine/internal/config"
	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/metrics"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/outbox"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger, logCloser := cfg.Log.Logger()
	slog.SetDefault(logger)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fatal := func(msg string, err error) {
		slog.Error(msg, "err", err)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Redis (cache and/or oracle) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fatal("invalid REDIS_URL", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal("database connection failed", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			fatal("schema migration failed", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price oracle ---
	feed, err := newOracle(ctx, cfg, rdb)
	if err != nil {
		fatal("oracle setup failed", err)
	}

	// --- Transfers and event sinks ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)
	sink := events.Fanout{wsHub}

	var settle api.Settlement
	var relay *outbox.Relay
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("cdp-engine"))
		if err != nil {
			fatal("nats connection failed", err)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		settle = api.Outbox()
		relay = outbox.NewRelay(st, transfer.NewPublisher(nc, ""), time.Second)
		go relay.Run(ctx)
		sink = append(sink, events.NewNATSSink(nc, ""))
		slog.Info("connected to NATS", "url", nc.ConnectedUrl())
	} else {
		slog.Warn("NATS_URL not set, settling transfers in the in-process bank")
		bank := transfer.NewBank()
		for _, b := range cfg.Genesis.Balances {
			holder, coin, err := b.Coin()
			if err == nil {
				err = bank.Credit(holder, coin)
			}
			if err != nil {
				fatal("genesis balance failed", err)
			}
		}
		settle = api.Direct(bank)
	}

	// --- Engine ---
	engine := cdp.NewEngine(feed, cfg.PriceExpiry)
	if err := genesis(ctx, st, engine, cfg.Genesis); err != nil {
		fatal("genesis failed", err)
	}

	svc := api.NewService(st, engine, settle, sink)
	if relay != nil {
		svc.OnCommit(relay.Notify)
	}
	limiter := api.NewRateLimiter(cfg.RateLimit)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.SenderHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"cdp-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Committed position events.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			svc.Register(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("cdp-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down cdp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("cdp-engine stopped")
}

// newOracle builds the configured price source. Static prices from the
// config are seeded into it; a static source is re-stamped periodically so
// that its quotes stay within the freshness window.
func newOracle(ctx context.Context, cfg *config.Config, rdb *redis.Client) (oracle.Oracle, error) {
	now := time.Now().UTC()
	switch cfg.Oracle.Source {
	case config.OracleRedis:
		feed := oracle.NewRedis(rdb)
		for _, p := range cfg.Oracle.Prices {
			info, q, err := p.Quote(now)
			if err != nil {
				return nil, err
			}
			if err := feed.Publish(ctx, info, q); err != nil {
				return nil, fmt.Errorf("seed price %s: %w", p.Asset, err)
			}
		}
		slog.Info("reading prices from Redis", "seeded", len(cfg.Oracle.Prices))
		return feed, nil

	default:
		feed := oracle.NewStatic()
		for _, p := range cfg.Oracle.Prices {
			info, q, err := p.Quote(now)
			if err != nil {
				return nil, err
			}
			feed.Set(info, q)
		}
		go func() {
			ticker := time.NewTicker(cfg.PriceExpiry / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ticker.C:
					feed.Touch(t.UTC())
				}
			}
		}()
		slog.Warn("using static prices", "assets", len(cfg.Oracle.Prices))
		return feed, nil
	}
}

// genesis instantiates the protocol on first start. An existing config is
// left untouched.
func genesis(ctx context.Context, st store.Store, engine *cdp.Engine, g config.GenesisConfig) error {
	_, err := engine.Config(ctx, st)
	if err == nil {
		return nil
	}
	if !errors.Is(err, cdp.ErrNotInitialized) {
		return err
	}
	err = st.WithTx(ctx, func(tx store.Store) error {
		return engine.Instantiate(ctx, tx, g.Config(), g.AssetConfigs())
	})
	if err != nil {
		return err
	}
	slog.Info("protocol instantiated", "owner", g.Owner, "base_denom", g.BaseDenom, "assets", len(g.Assets))
	return nil
}
