package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/velotrace/collector/internal/logger"
	"github.com/velotrace/collector/pkg/api/handlers"
	"github.com/velotrace/collector/pkg/api/middleware"
)

// sidPattern matches the 32-char lowercase-hex session identifier. The
// parentheses around it in the route are literal; the token is a
// cookieless session marker embedded in the upload URL.
const sidPattern = "{sid:[a-f0-9]{32}}"

// NewRouter builds the chi router with the middleware stack and all
// routes.
//
// Routes:
//   - GET  /health                  - liveness probe
//   - GET  /health/ready            - readiness probe
//   - POST {endpoint}/measurements  - pre-request
//   - PUT  {endpoint}/measurements/({sid})/ - chunk or status
//   - POST {endpoint}/measurements/{deviceId}/{measurementId}/attachments - attachment pre-request
//   - PUT  {endpoint}/measurements/{deviceId}/{measurementId}/attachments/({sid})/ - attachment chunk or status
func NewRouter(endpoint string, requestTimeout time.Duration, uh *handlers.UploadHandler, hh *handlers.HealthHandler) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", hh.Liveness)
		r.Get("/ready", hh.Readiness)
	})

	r.Route(endpoint, func(r chi.Router) {
		r.Use(middleware.RequirePrincipal)

		r.Post("/measurements", uh.PreRequest)
		r.Put("/measurements/("+sidPattern+")/", uh.Upload)

		r.Route("/measurements/{deviceId:[a-fA-F0-9-]{36}}/{measurementId:[0-9]{1,20}}/attachments", func(r chi.Router) {
			r.Post("/", uh.AttachmentPreRequest)
			r.Put("/("+sidPattern+")/", uh.Upload)
		})
	})

	return r
}

// requestLogger logs requests through the internal logger. Health
// probes log at DEBUG to keep orchestrator noise out of the logs.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		logger.Debug("request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if r.URL.Path == "/health" || r.URL.Path == "/health/ready" {
			logger.Debug("request completed", logArgs...)
		} else {
			logger.Info("request completed", logArgs...)
		}
	})
}
