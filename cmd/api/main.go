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

	"commonsdata.org/internal/authz"
	"commonsdata.org/internal/httpapi"
	"commonsdata.org/internal/obs"
	"commonsdata.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()

	// Postgres when a DSN is configured; the in-memory store otherwise, for
	// development and smoke tests.
	var (
		store authz.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("COMMONS_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Println("COMMONS_PG_DSN not set, using in-memory store")
		store = authz.NewInMemory()
	}

	resolver := authz.NewResolver(store, store)
	svc, err := authz.NewService(store, resolver)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}

	api := httpapi.New(svc, httpapi.ReadyProbe{DB: db}, version)

	addr := os.Getenv("COMMONS_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting commons-api %s on %s", version, srv.Addr)

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
