// Package server is the local companion HTTP server for the browser UI. It
// serves the reconciled session, the live score and chat feeds as server-sent
// event streams, and the login, logout and federated sign-in endpoints. It
// applies CORS for the configured UI origins and injects correlation IDs into
// request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/stampede/client/config"
	"github.com/onnwee/stampede/client/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := newCORSConfig(deps.UIOrigins)
	handlers := NewHandlers(ctx, deps)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	// Session
	mux.HandleFunc("/session", handlers.HandleSession)
	mux.HandleFunc("/session/stream", handlers.HandleSessionStream)
	mux.Handle("/login", rateLimitMiddleware(http.HandlerFunc(handlers.HandleLogin), limiter))
	mux.Handle("/register", rateLimitMiddleware(http.HandlerFunc(handlers.HandleRegister), limiter))
	mux.HandleFunc("/logout", handlers.HandleLogout)

	// Federated sign-in
	mux.HandleFunc("/auth/start", handlers.HandleAuthStart)
	mux.HandleFunc(config.CallbackPath, handlers.HandleAuthCallback)

	// Live feeds
	mux.HandleFunc("/score", handlers.HandleScore)
	mux.HandleFunc("/score/stream", handlers.HandleScoreStream)
	mux.HandleFunc("/score/names", handlers.HandleTeamNames)
	mux.HandleFunc("/chat", handlers.HandleChat)
	mux.HandleFunc("/chat/stream", handlers.HandleChatStream)

	// Backend passthrough
	mux.HandleFunc("/live", handlers.HandleLive)
	mux.HandleFunc("/broadcasts", handlers.HandleBroadcasts)

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// Event streams clear their own write deadline, so WriteTimeout only bounds
// ordinary responses.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("companion server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
