package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scrubproxy/internal/config"
	"scrubproxy/pkg/proxy"
	"scrubproxy/pkg/redact"
	"scrubproxy/pkg/sse"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Run:   runServe,
}

var (
	host        string
	port        int
	upstream    string
	patternPath string
	overlap     int
	metricsAddr string
	verifyTLS   bool
	logLevel    string
)

func init() {
	serveCmd.Flags().StringVarP(&host, "server", "s", "0.0.0.0", "Specify the host server address.")
	serveCmd.Flags().IntVarP(&port, "port", "p", 8080, "Specify the port number.")
	serveCmd.Flags().StringVarP(&upstream, "upstream", "u", "", "Default upstream base URL for relative request targets.")
	serveCmd.Flags().StringVarP(&patternPath, "patterns", "f", "", "Path to the YAML redaction pattern file.")
	serveCmd.Flags().IntVar(&overlap, "overlap", 0, "Redaction overlap window in bytes (0 means the default).")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Address to serve prometheus metrics on (empty disables).")
	serveCmd.Flags().BoolVar(&verifyTLS, "verify-upstream-tls", false, "Verify upstream TLS certificates on relayed requests.")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error.")
}

func runServe(cmd *cobra.Command, args []string) {
	logger := buildLogger(logLevel)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	patterns := redact.Load(config.LoadPatternFile(patternPath))
	for _, p := range patterns {
		zap.S().Infof("redaction pattern loaded: %v -> %v", p.Name, p.Token())
	}

	p, err := proxy.NewServer(upstream, patterns, verifyTLS)
	if err != nil {
		zap.S().Fatalf("invalid configuration: %v", err)
	}
	p.Overlap = overlap
	p.OnEvent = func(reqID int64, ev sse.Event) {
		zap.S().Infof("[%v] event type=%v id=%q retry=%v: %v", reqID, ev.Type, ev.ID, ev.Retry, ev.Data)
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				zap.S().Errorf("metrics listener failed: %v", err)
			}
		}()
	}

	addr := fmt.Sprintf("%v:%v", host, port)
	zap.S().Infof("proxy server is hosting on %v", addr)
	server := &http.Server{Addr: addr, Handler: p}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.S().Fatalf("proxy listener failed: %v", err)
		}
	}()

	<-ctx.Done()
	zap.S().Info("shutting down, draining in-flight requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnf("shutdown: %v", err)
	}
}

func buildLogger(level string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
