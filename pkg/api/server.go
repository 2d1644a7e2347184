package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/observability"
	"github.com/paradigm-parametric/parametric-mvp/pkg/pool"
)

// Faucet credits test funds to an account. Only wired in lite mode.
type Faucet func(ctx context.Context, who access.Identity, amount int64) error

// Server is the pool HTTP API server.
type Server struct {
	ledger    *pool.Ledger
	validator *JWTValidator
	limiter   LimiterStore
	rps       float64
	idem      IdempotencyStorer
	metrics   *prometheus.Registry
	faucet    Faucet
	version   string
	logger    *slog.Logger
}

// NewServer creates a server over ledger. A nil validator rejects every mutating
// request.
func NewServer(ledger *pool.Ledger, validator *JWTValidator) *Server {
	return &Server{
		ledger:    ledger,
		validator: validator,
		version:   "dev",
		logger:    slog.Default().With("component", "api"),
	}
}

// SetRateLimiter enables per-client rate limiting.
func (s *Server) SetRateLimiter(l LimiterStore, rps float64) {
	s.limiter = l
	s.rps = rps
}

// SetIdempotencyStore enables Idempotency-Key replay.
func (s *Server) SetIdempotencyStore(store IdempotencyStorer) { s.idem = store }

// EnableMetrics serves reg at /metrics.
func (s *Server) EnableMetrics(reg *prometheus.Registry) { s.metrics = reg }

// SetFaucet enables POST /v1/dev/mint.
func (s *Server) SetFaucet(f Faucet) { s.faucet = f }

// SetVersion sets the version reported by /health.
func (s *Server) SetVersion(v string) { s.version = v }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(tracing)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		// Reads and the calculator are open; everything that acts needs a caller.
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(s.limiter, s.rps))
			r.Get("/pool", s.handleSnapshot)
			r.Get("/pool/reserves", s.handleReserves)
			r.Get("/policies", s.handleListPolicies)
			r.Get("/policies/{id}", s.handleGetPolicy)
			r.Post("/quote", s.handleQuote)
			r.Get("/engines", s.handleEngines)
			r.Get("/audit", s.handleAudit)
			// retired; answers 410 to anyone, with or without a body
			r.Post("/payout", s.handleLegacyPayout)
		})

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(s.validator))
			r.Use(RateLimit(s.limiter, s.rps))
			r.Use(Idempotency(s.idem))

			r.Post("/policies", s.handlePurchase)
			r.Post("/policies/{id}/settle", s.handleSettle)

			r.Route("/admin", func(r chi.Router) {
				r.Put("/annual-cap", s.handleSetAnnualCap)
				r.Put("/claim-window", s.handleSetClaimWindow)
				r.Put("/engine", s.handleSetEngine)
				r.Put("/engine/params", s.handleSetEngineParams)
				r.Post("/pause", s.handlePause)
				r.Post("/unpause", s.handleUnpause)
				r.Post("/{role}/propose", s.handlePropose)
				r.Post("/{role}/accept", s.handleAccept)
			})

			if s.faucet != nil {
				r.Post("/dev/mint", s.handleMint)
			}
		})
	})

	return r
}

// tracing opens a server span per request, continuing any incoming trace context.
func tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer("parametric.api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))

		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			span.SetName(r.Method + " " + rc.RoutePattern())
			span.SetAttributes(observability.AttrRoute.String(rc.RoutePattern()))
		}
	})
}
