package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pathwell.org/internal/engine"
	"pathwell.org/internal/httpapi"
	"pathwell.org/internal/obs"
	"pathwell.org/internal/store/pg"
	"pathwell.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	addr := os.Getenv("PATHWELL_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	// Postgres when a DSN is configured, in-memory otherwise. The in-memory
	// store is for local development and tests, not durability.
	var (
		store engine.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("PATHWELL_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Printf("PATHWELL_PG_DSN not set, using in-memory store")
		store = engine.NewInMemory()
	}

	opts := []engine.Option{}
	if raw := os.Getenv("PATHWELL_LB_WEIGHTS"); raw != "" {
		weights, err := engine.ParseWeights(raw)
		if err != nil {
			log.Fatalf("PATHWELL_LB_WEIGHTS: %v", err)
		}
		opts = append(opts, engine.WithWeights(weights))
	}

	events := stream.New()
	opts = append(opts, engine.WithNotifier(events))

	eng, err := engine.New(store, opts...)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, eng, events)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE connections stay open
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting pathwell-engine %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
