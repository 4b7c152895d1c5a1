package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/neexbeast/weather-etl/internal/api"
	"github.com/neexbeast/weather-etl/internal/config"
	"github.com/neexbeast/weather-etl/internal/handoff"
	"github.com/neexbeast/weather-etl/internal/pipeline"
	"github.com/neexbeast/weather-etl/internal/scheduler"
	"github.com/neexbeast/weather-etl/internal/storage"
	"github.com/neexbeast/weather-etl/internal/weather"
)

const usage = `usage: weather-etl <command> [flags]

commands:
  serve [-now]       HTTP API plus the daily scheduler; -now also runs at once
  run  [-date D]     fetch and load one run (default: yesterday)
  fetch [-date D]    fetch phase only; prints the run id
  load -run ID       load phase only for a staged run
`

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(os.Args[1:], os.Stdout, log); err != nil {
		log.Error("weather-etl exited with error", "err", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, log *slog.Logger) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve", "run", "fetch", "load":
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cmd != "fetch" {
		if err := cfg.RequireDatabaseURL(); err != nil {
			return err
		}
	}

	switch cmd {
	case "serve":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		now := fs.Bool("now", false, "trigger a run for yesterday right after startup")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return serve(cfg, *now, log)
	case "run", "fetch":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		date := fs.String("date", "", "target date YYYY-MM-DD (default: yesterday)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return oneShot(cfg, log, stdout, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
			if cmd == "fetch" {
				d := *date
				if d == "" {
					d = p.Yesterday()
				}
				return p.FetchPhase(ctx, p.NewRunID(), d)
			}
			return p.Execute(ctx, *date)
		}, cmd == "run")
	case "load":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		runID := fs.String("run", "", "run id printed by the fetch command")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *runID == "" {
			return errors.New("load: -run is required")
		}
		return oneShot(cfg, log, stdout, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
			return p.LoadPhase(ctx, *runID)
		}, true)
	}
	return nil
}

// deps holds the connections shared by every command.
type deps struct {
	pool     *pgxpool.Pool
	redis    *redis.Client
	pipeline *pipeline.Pipeline
}

func (d *deps) close() {
	if d.pool != nil {
		d.pool.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
}

// wire connects Redis and, when withDB is set, Postgres (applying
// migrations), then assembles the pipeline. The fetch phase alone never
// touches the database.
func wire(ctx context.Context, cfg *config.Config, withDB bool, log *slog.Logger) (*deps, error) {
	d := &deps{}

	redisClient, err := handoff.Connect(ctx, cfg.RedisURL, cfg.RedisTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	d.redis = redisClient

	var loader pipeline.Loader
	if withDB {
		pool, err := storage.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		d.pool = pool

		applied, err := storage.RunMigrations(ctx, pool, cfg.MigrationsDir)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("migrations applied", "dir", cfg.MigrationsDir, "files", applied)

		loader = storage.NewLoader(pool, log)
	}

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	client := weather.NewClientWithURL(cfg.OpenMeteoURL, cfg.Timezone, cfg.HTTPTimeout)
	fetcher := weather.NewFetcher(client,
		weather.WithPolicy(cfg.FailurePolicy),
		weather.WithConcurrency(cfg.FetchConcurrency),
		weather.WithLogger(log),
	)

	d.pipeline = pipeline.New(cfg.Locations, fetcher, handoff.NewStore(redisClient, cfg.HandoffTTL), loader,
		pipeline.WithTimeouts(cfg.FetchTimeout, cfg.LoadTimeout),
		pipeline.WithTimezone(tz),
		pipeline.WithLogger(log),
	)
	return d, nil
}

type phaseFunc func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error)

// oneShot runs a single phase or a full run and prints its report as JSON.
// A non-nil error makes the process exit non-zero so an external scheduler
// sees the failure.
func oneShot(cfg *config.Config, log *slog.Logger, stdout io.Writer, phase phaseFunc, withDB bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := wire(ctx, cfg, withDB, log)
	if err != nil {
		return err
	}
	defer d.close()

	rep, err := phase(ctx, d.pipeline)
	if rep != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rep); encErr != nil {
			log.Warn("writing report failed", "err", encErr)
		}
	}
	return err
}

func serve(cfg *config.Config, runNow bool, log *slog.Logger) error {
	if err := cfg.RequireBearerToken(); err != nil {
		return err
	}

	ctx := context.Background()

	d, err := wire(ctx, cfg, true, log)
	if err != nil {
		return err
	}
	defer d.close()

	sched := scheduler.New(d.pipeline, cfg.ScheduleAt, log)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()
	if runNow {
		sched.RunNow()
	}

	handlers := api.NewHandlers(d.pipeline, storage.NewRepository(d.pool), log)
	router := api.NewRouter(handlers, cfg.BearerToken, &pgxPoolPinger{pool: d.pool}, &redisPingerAdapter{client: d.redis}, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FetchTimeout + cfg.LoadTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("server goroutine panicked", "recover", r)
				errCh <- fmt.Errorf("server panicked: %v", r)
			}
		}()
		log.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listening: %w", err)
		}
	}()

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	// Background runs hold the pool and the redis client until they finish.
	handlers.Wait()

	log.Info("server shut down cleanly")
	return nil
}

// pgxPoolPinger adapts pgxpool.Pool to the health check pinger.
type pgxPoolPinger struct {
	pool interface {
		Ping(ctx context.Context) error
	}
}

func (p *pgxPoolPinger) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// redisPingerAdapter adapts redis.Client to the health check pinger.
type redisPingerAdapter struct {
	client *redis.Client
}

func (r *redisPingerAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
