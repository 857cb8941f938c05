package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/relaykit/sessionbroker/internal/authjwt"
	"github.com/relaykit/sessionbroker/internal/broker"
	"github.com/relaykit/sessionbroker/internal/brokererr"
	"github.com/relaykit/sessionbroker/internal/config"
	"github.com/relaykit/sessionbroker/internal/logger"
	"github.com/relaykit/sessionbroker/internal/presence"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.GetLogger()

	port := getEnvInt("BROKER_PORT", 8000)
	configPath := os.Getenv("BROKER_CONFIG_FILE")
	jwtSecret := os.Getenv("BROKER_JWT_SECRET")
	presenceEnabled := getEnv("PRESENCE_ENABLED", "false") == "true"
	processID := getEnv("PROCESS_ID", strconv.Itoa(os.Getpid()))

	var opts []broker.Option
	if configPath != "" {
		fileOpts, err := config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load broker config")
		}
		opts = append(opts, fileOpts...)
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginZerologMiddleware(log))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	opts = append(opts, broker.WithHTTPServer(httpSrv))

	srv := broker.NewServer(opts...)

	if jwtSecret != "" {
		verifier := authjwt.NewVerifier(jwtSecret)
		if _, err := srv.OnAuthenticate(verifier.Listener()); err != nil {
			log.Fatal().Err(err).Msg("failed to install jwt authenticate listener")
		}
		log.Info().Msg("jwt authentication enabled")
	}

	var mirror *presence.Mirror
	if presenceEnabled {
		mirror = presence.NewMirror(presence.Config{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnv("REDIS_PORT", "6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        getEnvInt("REDIS_DB", 0),
			ProcessID: processID,
		})
		clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mirror.Clear(clearCtx); err != nil {
			log.Warn().Err(err).Msg("failed to clear stale presence hash, continuing anyway")
		}
		cancel()
		mirror.Attach(srv)
		log.Info().Str("processId", processID).Msg("presence mirror enabled")
	}

	router.POST("/admin/kick/:username", func(c *gin.Context) {
		username := c.Param("username")
		err := srv.Kick(username)
		switch {
		case err == nil:
			c.Status(http.StatusNoContent)
		case errors.Is(err, brokererr.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
	})
	router.GET("/admin/users", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": srv.Users()})
	})

	var reconciler *cron.Cron
	if mirror != nil {
		reconciler = cron.New()
		_, err := reconciler.AddFunc("@every 1m", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mirror.Reconcile(ctx, srv); err != nil {
				log.Warn().Err(err).Msg("presence reconciliation failed")
			}
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to schedule presence reconciliation job")
		}
		reconciler.Start()
	}

	if err := srv.Listen(port); err != nil {
		log.Fatal().Err(err).Msg("failed to start broker")
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server stopped serving")
		}
	}()
	log.Info().Int("port", port).Msg("session broker listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	if reconciler != nil {
		reconciler.Stop()
	}
	if err := srv.Close(); err != nil {
		log.Error().Err(err).Msg("broker close failed")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced shutdown")
	}
	if mirror != nil {
		_ = mirror.Close()
	}
	log.Info().Msg("shutdown complete")
}

func ginZerologMiddleware(log *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
