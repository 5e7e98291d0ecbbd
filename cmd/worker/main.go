// Command worker runs a supervised fleet of dubbing-stream Workers: one
// Worker per STREAM_ID-suffixed env block, a shared Prometheus registry
// exported over HTTP, and an OTP-style Supervisor that restarts any Worker
// whose Run returns an error.
//
// Bootstrap config loads from an optional YAML file plus WORKER_-prefixed
// environment variables (internal/config); per-stream identity loads from
// a small STREAM_IDS list, each further configured by STREAM_<ID>_* env
// vars. This is a thin demo/ops entrypoint — the orchestrator embedding
// this module as a library constructs Workers directly instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/media-service/dubbing-worker/internal/config"
	"github.com/media-service/dubbing-worker/internal/logging"
	"github.com/media-service/dubbing-worker/internal/metrics"
	"github.com/media-service/dubbing-worker/internal/model"
	"github.com/media-service/dubbing-worker/internal/segment"
	"github.com/media-service/dubbing-worker/internal/supervisor"
	"github.com/media-service/dubbing-worker/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "note: no .env file found, using system environment variables")
	}

	boot, err := config.Load(os.Getenv("WORKER_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: boot.LogLevel, Format: boot.LogFormat})
	slog.SetDefault(logger)

	streamIDs := splitList(os.Getenv("STREAM_IDS"))
	if len(streamIDs) == 0 {
		logger.Error("no streams configured; set STREAM_IDS to a comma-separated list")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	registry := metrics.New(reg)

	writer := segment.NewWriter(mediaDir())

	sup := supervisor.New(supervisor.Config{
		ShutdownTimeout: boot.ShutdownTimeout,
		RestartDelay:    boot.RestartDelay,
		Logger:          logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range streamIDs {
		identity := streamIdentity(id, boot)
		factory := func() *worker.Worker {
			cfg := model.DefaultWorkerConfig(identity)
			w := worker.New(cfg, logging.ForStream(logger, identity.StreamID), writer)
			bridge := metrics.NewBridge(registry, w, 2*time.Second)
			go bridge.Run(ctx)
			return w
		}
		if err := sup.Add(supervisor.NewWorkerService(identity.StreamID, factory)); err != nil {
			logger.Error("failed to register stream", "stream_id", identity.StreamID, "error", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: boot.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(sigCtx) }()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			logger.Error("supervisor exited", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), boot.ShutdownTimeout)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	<-runErr
}

func mediaDir() string {
	if d := os.Getenv("WORKER_MEDIA_DIR"); d != "" {
		return d
	}
	return "/var/lib/dubbing-worker/segments"
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func streamIdentity(id string, boot config.Bootstrap) model.StreamIdentity {
	upper := strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
	env := func(suffix, fallback string) string {
		if v := os.Getenv(fmt.Sprintf("STREAM_%s_%s", upper, suffix)); v != "" {
			return v
		}
		return fallback
	}
	return model.StreamIdentity{
		StreamID:           id,
		InputURL:           env("INPUT_URL", boot.MediaBaseURL+"/"+id+"/in"),
		OutputURL:          env("OUTPUT_URL", boot.MediaBaseURL+"/"+id+"/out"),
		STSURL:             env("STS_URL", boot.STSURL),
		SourceLanguage:     env("SOURCE_LANGUAGE", "en"),
		TargetLanguage:     env("TARGET_LANGUAGE", "es"),
		VoiceProfile:       env("VOICE_PROFILE", "default"),
		SegmentTargetNanos: int64(5 * time.Second),
	}
}
