package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chadiek/voicecall/internal/agent"
	"github.com/chadiek/voicecall/internal/analysis"
	"github.com/chadiek/voicecall/internal/config"
	"github.com/chadiek/voicecall/internal/httpserver"
	"github.com/chadiek/voicecall/internal/metrics"
	"github.com/chadiek/voicecall/internal/storage"
	"github.com/chadiek/voicecall/internal/stream"
	"github.com/chadiek/voicecall/internal/telephony"
	"github.com/chadiek/voicecall/internal/transcript"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, API and media stream server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides HTTP_ADDRESS)")
	_ = v.BindPFlag("HTTP_ADDRESS", cmd.Flags().Lookup("addr"))
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v, nil)
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger(os.Stdout)

	// runCtx outlives the signal so live calls can be wound down in order.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	m := metrics.New()
	workers := newPools(cfg.WorkerPoolSize)

	st, err := openStore(runCtx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	replyModel, err := newChatModel(runCtx, cfg.LLM, cfg.LLMKey(), cfg.LLM.Model)
	if err != nil {
		return err
	}
	analysisModel, err := newChatModel(runCtx, cfg.LLM, cfg.LLMKey(), cfg.LLM.AnalysisModel)
	if err != nil {
		return err
	}

	analyzer := analysis.New(runCtx, analysisModel, st, workers.analysis, analysis.Options{
		ScoreEvery: cfg.ScoreEvery,
		Logger:     logger,
		Metrics:    m,
	})
	dispatcher := agent.NewDispatcher(agent.Deps{
		Transcriber: transcript.NewAssemblyAI(cfg.AssemblyAI.APIKey, logger),
		LLM:         replyModel,
		TTS:         newTTS(cfg.TTS),
		Store:       st,
		Observer:    analyzer,
		Pool:        workers.reply,
		Logger:      logger,
		Metrics:     m,
	})

	streamCfg := cfg.StreamSettings()
	coordinator := stream.NewCoordinator(streamCfg, dispatcher, logger, m)
	registry := stream.NewRegistry(cfg.DefaultInstructions, streamCfg.MaxInFlight, cfg.CallRetention, logger)
	go registry.Run(runCtx, time.Minute)

	twilioClient := telephony.NewClient(telephony.Config{
		AccountSID:  cfg.Twilio.AccountSID,
		AuthToken:   cfg.Twilio.AuthToken,
		PhoneNumber: cfg.Twilio.PhoneNumber,
		RecordCalls: cfg.Twilio.RecordCalls,
	})

	opts := httpserver.Options{
		Registry:        registry,
		Coordinator:     coordinator,
		Calls:           twilioClient,
		Store:           st,
		Metrics:         m,
		Logger:          logger,
		PublicBaseURL:   cfg.PublicBaseURL,
		Greeting:        cfg.Greeting,
		TwilioAuthToken: cfg.Twilio.AuthToken,
		BaseContext:     runCtx,
	}
	sbCfg := storage.Config{URL: cfg.Supabase.URL, ServiceRoleKey: cfg.Supabase.ServiceRoleKey, Bucket: cfg.Supabase.Bucket}
	if sbCfg.Configured() {
		sb, err := storage.NewSupabase(sbCfg)
		if err != nil {
			return err
		}
		opts.Archiver = storage.NewArchiver(twilioClient, sb, st, logger, m)
	} else if cfg.Twilio.RecordCalls {
		logger.Warn("TWILIO_RECORD_CALLS is on but Supabase is not configured - recordings stay at Twilio")
	}

	e := httpserver.New(httpserver.NewHandlers(opts))
	server := httpserver.NewHTTPServer(cfg.HTTPAddress, e)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = server.Close()
	}

	// Hijacked websockets are not tracked by Shutdown; end them explicitly.
	cancelRun()
	if err := waitForSessions(shutdownCtx, registry); err != nil {
		logger.Warn("sessions still open at exit", "active", registry.Active())
	}
	analyzer.Wait()
	logger.Info("server stopped")
	return nil
}

func waitForSessions(ctx context.Context, registry *stream.Registry) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for registry.Active() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
