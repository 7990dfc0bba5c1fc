package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ehr-chatbot/internal/app"
	"ehr-chatbot/internal/config"
	"ehr-chatbot/internal/db"
	httpserver "ehr-chatbot/internal/http"
	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/observability"
	"ehr-chatbot/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logging.New("info", false)
		if errors.Is(err, config.ErrMissingAPIKey) {
			log.Fatal("missing OpenAI credentials: set OPENAI_API_KEY (or LLM_PROVIDER=echo for offline use)")
		}
		log.Fatal("invalid configuration", logging.Fields{"error": err.Error()})
	}
	log := logging.New(cfg.LogLevel, cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := app.OpenDB(ctx, cfg)
	if err != nil {
		log.Fatal("database unavailable", logging.Fields{"error": err.Error()})
	}
	defer conn.Close()

	metrics := observability.NewMetrics(app.MetricsNamespace)
	repo := db.NewRepository(conn)
	notifier := db.NewNotifier(conn, cfg.DatabaseURL, cfg.NotifyChannel)

	hub := service.NewHub()
	feed, err := notifier.Listen(ctx)
	if err != nil {
		log.Warn("session events disabled", logging.Fields{"error": err.Error()})
	} else {
		go hub.Run(ctx, feed)
	}

	client := app.NewLLMClient(cfg)
	bot := app.NewBot(cfg, client, log, metrics)
	svc := service.New(repo, bot, app.NewSummarizer(cfg, client), notifier, log, metrics)

	srv, err := httpserver.NewServer(svc, log, metrics, httpserver.Options{AppName: cfg.AppName, Events: hub})
	if err != nil {
		log.Fatal("failed to construct server", logging.Fields{"error": err.Error()})
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	httpSrv.RegisterOnShutdown(hub.Close)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", logging.Fields{"error": err.Error()})
		}
	}()

	log.Info("listening", logging.Fields{
		"addr":     httpSrv.Addr,
		"provider": cfg.Provider,
		"model":    cfg.ModelName,
	})
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", logging.Fields{"error": err.Error()})
	}
	log.Info("server stopped")
}
