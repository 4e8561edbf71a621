package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/config"
	"wastelink.org/internal/devseed"
	"wastelink.org/internal/gateway"
	"wastelink.org/internal/grpcapi"
	"wastelink.org/internal/httpapi"
	"wastelink.org/internal/notify"
	"wastelink.org/internal/obs"
	"wastelink.org/internal/relay"
	"wastelink.org/internal/store/pg"
	"wastelink.org/internal/task"
)

var (
	version = "0.1.0"
	commit  = ""
)

type stores struct {
	identities auth.Store
	messages   relay.Store
	notes      notify.Store
	tasks      task.Store
	ready      httpapi.ReadyProbe
	close      func() error
}

func openStores(cfg config.Config) (stores, error) {
	if cfg.PostgresDSN == "" {
		identities := auth.NewInMemory()
		tasks := task.NewInMemory()
		if cfg.SeedFile == "" {
			obs.Warn("no postgres dsn configured; in-memory stores start empty and no account can log in until --seed is given", nil)
		} else {
			f, err := devseed.Load(cfg.SeedFile)
			if err != nil {
				return stores{}, err
			}
			res, err := devseed.Apply(f, identities, tasks)
			if err != nil {
				return stores{}, fmt.Errorf("seed %s: %w", cfg.SeedFile, err)
			}
			obs.Warn("no postgres dsn configured; using seeded in-memory stores", map[string]any{
				"seed":     cfg.SeedFile,
				"accounts": res.Accounts,
				"reports":  res.Reports,
			})
		}
		return stores{
			identities: identities,
			messages:   relay.NewInMemory(),
			notes:      notify.NewInMemory(),
			tasks:      tasks,
			close:      func() error { return nil },
		}, nil
	}
	st, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		return stores{}, err
	}
	return stores{
		identities: st,
		messages:   st,
		notes:      st,
		tasks:      st,
		ready:      httpapi.ReadyProbe{DB: st.DB()},
		close:      st.Close,
	}, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		obs.Error("api stopped with error", err, nil)
		log.Fatal(err)
	}
	obs.Info("stopped", nil)
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	st, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer func() { _ = st.close() }()

	sessions, err := auth.NewService(st.identities,
		auth.WithSecrets(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	hub := gateway.NewHub()
	messages, err := relay.New(st.messages, hub)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	notes, err := notify.NewService(st.notes, hub, notify.WithTTL(cfg.Notifications.TTL))
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	queue := notify.NewQueue(notes, cfg.Notifications.QueueSize, cfg.Notifications.Workers)
	coord, err := task.NewCoordinator(st.tasks, sessions.Principals(), queue, hub)
	if err != nil {
		return fmt.Errorf("task: %w", err)
	}
	gw, err := gateway.NewServer(sessions, hub, messages, gateway.Config{
		OriginPatterns: cfg.Websocket.AllowedOrigins,
		Buffer:         cfg.Websocket.Buffer,
		EventsPerSec:   cfg.Websocket.EventsPerSec,
		EventBurst:     cfg.Websocket.EventBurst,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	api := httpapi.New(httpapi.Deps{
		Sessions:      sessions,
		History:       messages,
		Tasks:         coord,
		Notifications: notes,
		Realtime:      gw,
		Ready:         st.ready,
	}, httpapi.Options{
		Version:      version,
		MaxBodyBytes: cfg.MaxBodyBytes,
		RateBurst:    cfg.RateLimit.Burst,
		RatePerSec:   cfg.RateLimit.PerSecond,
		Origins:      cfg.Websocket.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := grpcapi.NewHealthServer(st.ready, 10*time.Second)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return notes.Janitor(gctx, cfg.Notifications.JanitorInterval) })
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.GRPCAddr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return err
			}
			obs.Info("grpc listening", map[string]any{"addr": cfg.GRPCAddr})
			return grpcServer.Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
		defer cancel()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
