package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"doorbell-platform/internal/activity"
	"doorbell-platform/internal/auth"
	"doorbell-platform/internal/conference"
	"doorbell-platform/internal/config"
	"doorbell-platform/internal/fanout"
	"doorbell-platform/internal/httpapi"
	"doorbell-platform/internal/notify"
	"doorbell-platform/internal/session"
	"doorbell-platform/internal/sweep"
	"doorbell-platform/pkg/logger"
	"doorbell-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Storage
	sessions := session.NewPostgresRepo(db)
	activityRepo := activity.NewPostgresRepo(db)
	targets := notify.NewPostgresTargetRepo(db)
	directory := notify.NewPostgresDirectory(db)

	activitySvc := activity.NewService(activityRepo, log)

	// Fanout: in-process hub plus a redis relay so every API instance sees
	// every room's transitions.
	hub := fanout.NewHub(sessions, nil, log)
	bridge := fanout.NewRedisBridge(rdb, hub, log)
	hub.SetBridge(bridge)
	go func() {
		if err := bridge.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("fanout bridge stopped", "err", err)
			stop()
		}
	}()

	// Meeting links: a room API when configured, otherwise locally derived
	// Jitsi-style URLs.
	var links conference.Provider
	if cfg.Conference.APIURL != "" {
		links, err = conference.NewHTTPProvider(conference.HTTPConfig{
			BaseURL: cfg.Conference.APIURL,
			APIKey:  cfg.Conference.APIKey,
		})
		if err != nil {
			log.Error("conference init failed", "err", err)
			os.Exit(1)
		}
	} else {
		links = conference.NewStaticProvider(cfg.Conference.BaseURL)
	}

	// Push providers. Webhook is always on; MQTT only with a broker.
	providers := []notify.Provider{notify.NewWebhookProvider(0)}
	if cfg.MQTT.BrokerURL != "" {
		mqttProvider, err := notify.NewMQTTProvider(notify.MQTTConfig{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
		})
		if err != nil {
			log.Error("mqtt init failed", "err", err)
			os.Exit(1)
		}
		defer mqttProvider.Close()
		providers = append(providers, mqttProvider)
	}
	dispatcher := notify.NewDispatcher(targets, directory, log, providers...)

	machine := session.NewMachine(sessions, session.Deps{
		Broadcast: hub,
		Activity:  activitySvc,
		Alerter:   dispatcher,
		Links:     links,
		Logger:    log,
	})

	sweeper := sweep.New(sessions, machine, sweep.Config{
		Interval:    cfg.Sweep.Interval,
		RingTimeout: cfg.Sweep.RingTimeout,
	}, log)
	go sweeper.Run(rootCtx)

	handlers := &httpapi.Handlers{
		Machine:   machine,
		Hub:       hub,
		Directory: directory,
		Targets:   targets,
		Activity:  activitySvc,
		Redis:     rdb,
		Log:       log,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, handlers, authManager, db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long write timeout: subscribe connections are hijacked
		// websockets and manage their own deadlines.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
