package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foliogate.org/internal/auth"
	"foliogate.org/internal/httpapi"
	"foliogate.org/internal/obs"
	"foliogate.org/internal/rbac"
	pgstore "foliogate.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("FOLIOGATE_COMMIT"))

	secret := os.Getenv("FOLIOGATE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("FOLIOGATE_AUTH_SECRET is required")
	}

	var (
		authStore auth.Store
		rbacStore rbac.Store
		probe     httpapi.ReadyProbe
		closeFn   func() error
	)
	if dsn := os.Getenv("FOLIOGATE_PG_DSN"); dsn != "" {
		store, err := pgstore.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		authStore = store
		rbacStore = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
		closeFn = store.Close
	} else {
		// No DSN: run fully in memory. Dev and CI only.
		log.Println("FOLIOGATE_PG_DSN not set, using in-memory store")
		mem := auth.NewInMemory()
		authStore = mem
		rbacStore = rbac.NewInMemory(func(ctx context.Context, userID string) (bool, error) {
			_, err := mem.Users().Find(ctx, userID)
			if err != nil {
				return false, nil
			}
			return true, nil
		})
		closeFn = func() error { return nil }
	}

	rbacSvc, err := rbac.NewService(rbacStore)
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}

	authOpts := []auth.Option{auth.WithAccessProvider(rbacSvc)}
	if ttl := os.Getenv("FOLIOGATE_ACCESS_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			log.Fatalf("parse FOLIOGATE_ACCESS_TTL: %v", err)
		}
		authOpts = append(authOpts, auth.WithAccessTTL(d))
	}
	if ttl := os.Getenv("FOLIOGATE_REFRESH_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			log.Fatalf("parse FOLIOGATE_REFRESH_TTL: %v", err)
		}
		authOpts = append(authOpts, auth.WithRefreshTTL(d))
	}
	authSvc, err := auth.NewService(authStore, []byte(secret), authOpts...)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	api := httpapi.New(probe, version, authSvc, rbacSvc)

	addr := os.Getenv("FOLIOGATE_HTTP_ADDR")
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

	log.Printf("Starting foliogate-api %s on %s", version, srv.Addr)

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
	_ = closeFn()
	log.Println("Stopped")
}
