package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/chatrelay/internal/config"
	"github.com/openclaw/chatrelay/internal/dispatch"
	"github.com/openclaw/chatrelay/internal/gate"
	"github.com/openclaw/chatrelay/internal/history"
	"github.com/openclaw/chatrelay/internal/logger"
	"github.com/openclaw/chatrelay/internal/metrics"
	"github.com/openclaw/chatrelay/internal/push"
	"github.com/openclaw/chatrelay/internal/relay"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	if !cfg.Enabled {
		log.Info("pwa-chat channel disabled, exiting")
		return
	}

	gin.SetMode(gin.ReleaseMode)

	m := metrics.New(prometheus.DefaultRegisterer)
	historyStore := history.NewStore(cfg.StateDir)
	pushService := push.NewService(cfg.StateDir, nil, log, m)
	authGate := gate.New(cfg.GatewayToken)

	rly := relay.New(historyStore, pushService, log, m)

	// The agent runtime is injected by the embedding host. Without one the
	// relay still serves history, resync and fan-out; inbound messages are
	// echoed but not dispatched.
	var onInbound relay.InboundHandler
	if dispatch.HasRuntime() {
		onInbound = dispatch.NewDispatcher(rly, "", log, m).HandleInbound
	} else {
		log.Warn("no agent runtime injected, running relay-only")
	}
	wsHandler := relay.NewHandler(rly, authGate, onInbound, log, m)
	pushHandler := push.NewHandler(pushService)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", wsHandler.HandleWS)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/push", authGate.Middleware())
	{
		api.POST("/subscribe", pushHandler.Subscribe)
		api.POST("/unsubscribe", pushHandler.Unsubscribe)
		api.GET("/public-key", pushHandler.PublicKey)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go rly.RunKeepalive()

	go func() {
		log.Info("relay listening", "addr", addr, "state_dir", cfg.StateDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	// Keepalive stops, then every socket closes; in-flight dispatches
	// finish or are dropped.
	rly.Shutdown()

	log.Info("server exited")
}
