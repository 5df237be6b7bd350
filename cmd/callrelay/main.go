package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/masseurmatch/callrelay/internal/api"
	"github.com/masseurmatch/callrelay/internal/config"
	"github.com/masseurmatch/callrelay/internal/database"
	"github.com/masseurmatch/callrelay/internal/database/pgstore"
	"github.com/masseurmatch/callrelay/internal/email"
	"github.com/masseurmatch/callrelay/internal/metrics"
	"github.com/masseurmatch/callrelay/internal/realtime"
	"github.com/masseurmatch/callrelay/internal/relay"
	"github.com/masseurmatch/callrelay/internal/transcript"
	"github.com/masseurmatch/callrelay/internal/twilio"
	"github.com/masseurmatch/callrelay/internal/waitlist"
	"github.com/masseurmatch/callrelay/internal/webhook"
)

// waitlistStore is what both database backends provide.
type waitlistStore interface {
	relay.WaitlistStore
	metrics.WaitlistCounter
	Close() error
}

func main() {
	os.Exit(run())
}

// run wires the relay and serves until a signal arrives. It returns the
// process exit code so deferred cleanup runs first.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if cfg.OpenAIAPIKey == "" {
		slog.Error("OPENAI_API_KEY is not set")
		return 1
	}

	slog.Info("starting callrelay",
		"http_port", cfg.HTTPPort,
		"realtime_model", cfg.RealtimeModel,
		"db_driver", cfg.DBDriver,
		"stream_url", cfg.StreamURL,
	)

	store, err := openStore(cfg, logger)
	if err != nil {
		slog.Error("failed to open waitlist store", "error", err)
		return 1
	}
	defer store.Close()

	sinks := transcript.Multi{transcript.NewLogSink(logger)}
	if cfg.AMQPURL != "" {
		amqpSink, err := transcript.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			// Transcripts are observability only; calls proceed without them.
			slog.Error("transcript publishing disabled", "error", err)
		} else {
			defer amqpSink.Close()
			sinks = append(sinks, amqpSink)
		}
	}

	dialer := &realtime.Dialer{
		URL:              cfg.RealtimeURL,
		Model:            cfg.RealtimeModel,
		APIKey:           cfg.OpenAIAPIKey,
		HandshakeTimeout: cfg.ConnectTimeout,
		Logger:           logger,
	}
	sessionCfg := realtime.NewSessionConfig(realtime.SessionOptions{
		Voice:              cfg.Voice,
		TranscriptionModel: cfg.TranscriptionModel,
		PromptID:           cfg.PromptID,
		PromptVersion:      cfg.PromptVersion,
		Tools: []realtime.Tool{
			realtime.FunctionTool(waitlist.ToolName, waitlist.ToolDescription, waitlist.Schema()),
		},
	})
	open := func(ctx context.Context, callID string) (relay.Upstream, error) {
		conn, err := dialer.Open(ctx, sessionCfg, callID)
		if err != nil {
			// Keep a nil *Conn out of the interface.
			return nil, err
		}
		return conn, nil
	}

	relaySrv := relay.NewServer(relay.Options{
		Open:            open,
		Dispatcher:      relay.NewDispatcher(store, cfg.ToolTimeout, logger),
		Transcripts:     sinks,
		ConnectTimeout:  cfg.ConnectTimeout,
		MediaBufferSize: cfg.MediaBufferSize,
		Logger:          logger,
	})

	var tw webhook.TwilioAPI
	if cfg.TwilioConfigured() {
		tw = twilio.NewClient(twilio.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			APIURL:     cfg.TwilioAPIURL,
			SyncURL:    cfg.TwilioSyncURL,
		}, logger)
	} else {
		slog.Warn("twilio credentials not configured, missed call sms disabled")
	}
	var mailer webhook.Mailer
	if cfg.EmailConfigured() {
		mailer = email.NewSender(logger)
	}
	hooks := webhook.New(webhook.Config{
		StreamURL:     cfg.StreamURL,
		FromNumber:    cfg.TwilioPhoneNumber,
		OperatorPhone: cfg.OperatorPhone,
		SyncService:   cfg.SyncService,
		SyncMap:       cfg.SyncMap,
		SMTP: email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		},
		OperatorEmail: cfg.OperatorEmail,
	}, tw, mailer, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(relaySrv.Registry(), relaySrv.Stats(), store, time.Now()),
	)

	handler := api.NewServer(api.Deps{
		Relay:    relaySrv,
		Webhooks: hooks,
		Gatherer: reg,
		Logger:   logger,
	})
	defer handler.Close()

	// No Read/WriteTimeout: media streams are long-lived and set their own
	// write deadlines.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down", "active_sessions", relaySrv.Registry().Count())
	if err := relaySrv.Close(ctx); err != nil {
		slog.Error("relay shutdown error", "error", err)
		exitCode = 1
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		exitCode = 1
	}

	slog.Info("callrelay stopped")
	return exitCode
}

// openStore opens the configured waitlist backend.
func openStore(cfg *config.Config, logger *slog.Logger) (waitlistStore, error) {
	if cfg.DBDriver == "postgres" {
		s, err := pgstore.New(cfg.DBDSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	db, err := database.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	return db, nil
}
