// Command loadtest drives the event store through the CQRS dispatcher and
// reports throughput. Storage, caching, snapshots and telemetry come from
// ESCORE_* variables (see internal/config); the workload from LOADTEST_*.
//
// Run NATS for the JetStream snapshot store and event bridge:
//
//	docker run --net=host nats:latest -js
//	ESCORE_NATS_URL=nats://localhost:4222 go run ./cmd/loadtest
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	oteladapter "github.com/codewandler/escore/adapters/otel"
	promadapter "github.com/codewandler/escore/adapters/prometheus"
	"github.com/codewandler/escore/core/cache"
	"github.com/codewandler/escore/core/cqrs"
	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/internal/config"
)

type workload struct {
	Profiles int  `env:"LOADTEST_PROFILES" envDefault:"100"`
	Commands int  `env:"LOADTEST_COMMANDS" envDefault:"50000"`
	Workers  int  `env:"LOADTEST_WORKERS"  envDefault:"8"`
	Retries  int  `env:"LOADTEST_RETRIES"  envDefault:"5"`
	Serve    bool `env:"LOADTEST_SERVE"    envDefault:"false"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	var wl workload
	if err := env.Parse(&wl); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("parse env: %w", err))
		os.Exit(2)
	}

	log := cfg.Logger()
	slog.SetDefault(log)

	if err := run(ctx, cfg, wl, log); err != nil {
		log.Error("loadtest failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, wl workload, log *slog.Logger) error {
	shutdownTracing, err := oteladapter.Setup(ctx, "escore-loadtest", cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := promadapter.NewMetrics(reg)
	tracer := oteladapter.NewTracer(nil)

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()
	defer func() { _ = srv.Close() }()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	lru := cache.NewLRU(cache.LRUOpts{Size: cfg.CacheSize, TTL: cfg.CacheTTL})
	defer lru.Close()

	store := es.NewStore(b.log, es.MustNewRegistry(profileAggregate()),
		es.WithLogger(log),
		es.WithMetrics(metrics),
		es.WithTracer(tracer),
		es.WithCache(lru),
		es.WithSnapshotStore(b.snapshots),
		es.WithSnapshotPolicy(es.Version(cfg.SnapshotInterval), cfg.SnapshotRetention),
		es.WithCheckpointStore(b.checkpoints),
		es.WithQueueSize(cfg.QueueSize),
		es.WithFoldTimeout(cfg.FoldTimeout),
	)
	defer store.Close()

	if err := store.Projections().Register(ctx, profilesByEmail, emailProjection(), es.WithEventTypes(profileRegistered)); err != nil {
		return err
	}

	var published atomic.Int64
	if b.publisher != nil {
		publish := b.publisher.Handle
		if _, err := store.Subscriptions().Subscribe(ctx, profilesStream, func(ctx context.Context, ev es.Event) error {
			if err := publish(ctx, ev); err != nil {
				return err
			}
			published.Add(1)
			return nil
		}); err != nil {
			return err
		}
	}

	d := cqrs.NewDispatcher(cqrs.NewPlatform(store),
		cqrs.WithLogger(log),
		cqrs.WithMetrics(metrics),
		cqrs.WithTracer(tracer),
		cqrs.WithCommandTimeout(cfg.CommandTimeout),
		cqrs.WithQueryTimeout(cfg.QueryTimeout),
	)
	defer d.Close()
	if err := registerHandlers(d); err != nil {
		return err
	}

	log.Info(
		"starting",
		slog.String("backend", cfg.Backend),
		slog.Bool("nats", b.publisher != nil),
		slog.Int("profiles", wl.Profiles),
		slog.Int("commands", wl.Commands),
		slog.Int("workers", wl.Workers),
	)

	runID := gonanoid.Must(6)
	ids := make([]string, max(wl.Profiles, 1))
	var lastSeq uint64
	for i := range ids {
		ids[i] = fmt.Sprintf("profile-%s-%d", runID, i)
		cmd, err := cqrs.NewCommand(cmdRegisterProfile, ids[i], RegisterProfile{
			Email: fmt.Sprintf("user-%d@%s.example.com", i, runID),
			Name:  fmt.Sprintf("User %d", i),
		})
		if err != nil {
			return err
		}
		res, err := d.Dispatch(ctx, cmd)
		if err != nil {
			return fmt.Errorf("register %s: %w", ids[i], err)
		}
		lastSeq = res.Events[len(res.Events)-1].Seq
	}

	var (
		startAt   = time.Now()
		ok        atomic.Int64
		conflicts atomic.Int64
		failed    atomic.Int64
		next      atomic.Int64
		wg        sync.WaitGroup
	)
	for w := 0; w < max(wl.Workers, 1); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := next.Add(1) - 1
				if int(i) >= wl.Commands || ctx.Err() != nil {
					return
				}
				cmd, err := cqrs.NewCommand(cmdRenameProfile, ids[int(i)%len(ids)], RenameProfile{Name: fmt.Sprintf("name-%d", i)})
				if err != nil {
					failed.Add(1)
					continue
				}
				cmd.Metadata.CorrelationID = fmt.Sprintf("%s-%d", runID, i)

				for attempt := 0; ; attempt++ {
					_, err = d.Dispatch(ctx, cmd)
					if err == nil || !es.IsRetryable(err) || attempt >= wl.Retries {
						break
					}
					conflicts.Add(1)
				}
				if err != nil {
					failed.Add(1)
					log.Debug("command failed", cmd.SlogAttr(), slog.Any("error", err))
					continue
				}
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(startAt)

	q, err := cqrs.NewQuery(queryProfileEmail, ProfileByEmail{Email: fmt.Sprintf("user-0@%s.example.com", runID)})
	if err != nil {
		return err
	}
	if err := store.Projections().WaitFor(ctx, profilesByEmail, lastSeq); err != nil {
		return err
	}
	owner, err := d.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}

	log.Info(
		"done",
		slog.Duration("elapsed", elapsed),
		slog.Int64("ok", ok.Load()),
		slog.Int64("conflicts", conflicts.Load()),
		slog.Int64("failed", failed.Load()),
		slog.Float64("commands_per_sec", float64(ok.Load())/elapsed.Seconds()),
		slog.Int64("published", published.Load()),
		slog.Any("owner_of_first_email", owner),
	)

	if wl.Serve {
		log.Info("serving metrics until interrupted", slog.String("addr", cfg.MetricsAddr))
		<-ctx.Done()
	}
	return nil
}
