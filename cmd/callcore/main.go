package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/paras0369/callcore/internal/call"
	"github.com/paras0369/callcore/internal/calllog"
	"github.com/paras0369/callcore/internal/config"
	"github.com/paras0369/callcore/internal/httpapi"
	"github.com/paras0369/callcore/internal/notify"
	"github.com/paras0369/callcore/internal/observability"
	"github.com/paras0369/callcore/internal/reliability"
	"github.com/paras0369/callcore/internal/rtc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		cfg.UserID = uuid.NewString()
		log.Printf("CALL_USER_ID not set, using generated identity %s", cfg.UserID)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	history, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("call history store init failed: %v", err)
	}
	defer history.Close()

	// The media service connection is borrowed from the hosting application.
	// Without a real backend wired in, the in-process provider stands in so
	// the full lifecycle is exercisable end to end.
	service := rtc.NewMockService()
	log.Printf("media service: in-process provider")

	notifyClient := notify.NewClient(cfg.NotifyBaseURL)

	coordinator := call.New(call.Options{
		Service:     service,
		Notifier:    notifyClient,
		History:     history,
		Metrics:     metrics,
		SelfID:      cfg.UserID,
		DisplayName: cfg.DisplayName,
		CallType:    cfg.CallType,
		JoinRetry: reliability.FixedRetry{
			MaxAttempts: cfg.JoinRetryMaxAttempts,
			Delay:       cfg.JoinRetryDelay,
		},
		InvitationTTL: cfg.InvitationTTL,
		OpTimeout:     cfg.OpTimeout,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := coordinator.Start(runCtx); err != nil {
		log.Fatalf("coordinator start failed: %v", err)
	}
	defer coordinator.Stop()

	poller := notify.NewPoller(notifyClient, cfg.UserID, cfg.NotifyPollInterval, func(n notify.Notification) {
		coordinator.Observe(call.Observation{
			Source:         call.SourceNotification,
			SourceCallID:   n.CallID,
			NotificationID: n.NotificationID,
			Mode:           call.Mode(n.Mode),
			CallerName:     n.CallerName,
			Rate:           n.Rate,
		})
	})
	go poller.Run(runCtx)

	api := httpapi.New(cfg, coordinator, history, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("coordinator listening on %s (user %s)", cfg.BindAddr, cfg.UserID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
