// Package server exposes the speed test over HTTP. Pages are plain HTML,
// so a browser with scripting disabled can run a whole test; clients that
// send "Accept: application/json" get JSON instead.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/conduitio/bwlimit"
	"github.com/pkg/errors"

	"github.com/makotom/nsspeed/speedtest"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

type Config struct {
	Listen            string
	Registry          speedtest.RegistryConfig
	ChunkSize         int
	MaxUploadSize     int64
	PingSamples       int
	TrustForwardedFor bool
	EnableMetrics     bool

	// ShapeWriteBytes and ShapeReadBytes cap every connection at the given
	// bytes per second; 0 leaves the direction alone.
	ShapeWriteBytes int
	ShapeReadBytes  int
}

type Server struct {
	config Config
	clock  speedtest.Clock
	logger *slog.Logger

	registry   *speedtest.Registry
	downloader *speedtest.Downloader
	uploader   *speedtest.Uploader
	prober     *speedtest.Prober
	metrics    *metrics

	httpServer *http.Server
}

func New(config Config, clk speedtest.Clock, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = speedtest.NewClock()
	}

	registry := speedtest.NewRegistry(config.Registry, clk, logger)

	s := &Server{
		config:     config,
		clock:      clk,
		logger:     logger,
		registry:   registry,
		downloader: speedtest.NewDownloader(registry, config.ChunkSize, logger),
		uploader:   speedtest.NewUploader(registry, config.MaxUploadSize, logger),
		prober:     speedtest.NewProber(registry, config.PingSamples),
		metrics:    newMetrics(registry),
	}
	registry.OnComplete = s.metrics.observeCompleted
	registry.OnEvict = s.metrics.observeEvicted

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.HandleIndex)
	mux.HandleFunc("POST /run", s.HandleStartRun)
	mux.HandleFunc("GET /run/{token}/download", s.HandleDownload)
	mux.HandleFunc("GET /run/{token}/download/complete", s.HandleDownloadComplete)
	mux.HandleFunc("POST /run/{token}/upload", s.HandleUpload)
	mux.HandleFunc("GET /run/{token}/ping/{seq}", s.HandlePingHop)
	mux.HandleFunc("GET /run/{token}/result", s.HandleResult)
	mux.HandleFunc("GET /ping", s.HandlePing)
	if config.EnableMetrics {
		mux.Handle("GET /metrics", s.metrics.handler())
	}

	s.httpServer = &http.Server{
		Addr:    config.Listen,
		Handler: s.logRequests(mux),
		// no read or write timeouts: slow transfers are what we measure
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Registry() *speedtest.Registry {
	return s.registry
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", s.config.Listen)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener and runs the eviction sweep until
// ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.config.ShapeWriteBytes > 0 || s.config.ShapeReadBytes > 0 {
		listener = bwlimit.NewListener(
			listener,
			bwlimit.Byte(s.config.ShapeWriteBytes),
			bwlimit.Byte(s.config.ShapeReadBytes),
		)
		s.logger.Warn("connections are shaped",
			slog.Int("write_bytes_per_second", s.config.ShapeWriteBytes),
			slog.Int("read_bytes_per_second", s.config.ShapeReadBytes),
		)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.registry.Run(sweepCtx)

	s.logger.Info("serving", slog.String("addr", listener.Addr().String()))

	served := make(chan error, 1)
	go func() {
		served <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server failed")

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down")
		if err := s.Shutdown(shutdownCtx); err != nil {
			// streams still running past the deadline are cut
			_ = s.httpServer.Close()
			return errors.Wrap(err, "shutdown failed")
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

// Unwrap keeps http.ResponseController working through the recorder.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		recorder := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(recorder, r)

		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("client", clientAddr(r, s.config.TrustForwardedFor)),
			slog.Int("status", recorder.status),
			slog.Duration("took", s.clock.Since(start)),
		)
	})
}
