package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pressgate/pressgate/internal/admin"
	"github.com/pressgate/pressgate/internal/audit"
	"github.com/pressgate/pressgate/internal/config"
	"github.com/pressgate/pressgate/internal/directory"
	"github.com/pressgate/pressgate/internal/httpapi"
	"github.com/pressgate/pressgate/internal/obs"
	"github.com/pressgate/pressgate/internal/store"
	"github.com/pressgate/pressgate/internal/token"
)

var version = "0.3.1"

func main() {
	// .env is a local-development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		obs.NewLogger(false, "info").WithError(err).Fatal("configuration invalid")
	}

	log := obs.NewLogger(cfg.LogJSON, cfg.LogLevel)
	obs.Init()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The store may come up after us; every operation fails closed
		// until it does.
		log.WithError(err).Warn("credential store unreachable at startup")
	}
	cancel()

	st := store.New(rdb)

	auditOpts := []audit.Option{}
	if cfg.AuditMirror {
		auditOpts = append(auditOpts, audit.WithMirror(audit.NewJSONWriterSink(os.Stdout)))
	}
	auditLog := audit.New(st, cfg.AuditCap, auditOpts...)

	dir := directory.New(st, auditLog, log)

	signer, err := token.NewSigner(cfg.SigningKey, cfg.Issuer, cfg.AccessTTL)
	if err != nil {
		log.WithError(err).Fatal("signer construction failed")
	}
	engine, err := token.NewEngine(st, signer, auditLog, dir, token.Options{
		MasterSecret:  cfg.MasterSecret,
		RefreshTTL:    cfg.RefreshTTL,
		RevokeOnReuse: cfg.RevokeOnReuse,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("engine construction failed")
	}
	dir.BindRevoker(engine)

	facade := admin.New(st, auditLog)

	api := httpapi.New(engine, dir, facade, auditLog, log, httpapi.Options{
		StoreTimeout:       cfg.StoreTimeout,
		TokenRatePerMinute: cfg.TokenRatePerMinute,
		TrustProxyHeader:   cfg.TrustProxyHeader,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.WithField("addr", cfg.ListenAddr).WithField("version", version).Info("pressgated starting")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	_ = rdb.Close()
	log.Info("stopped")
}
