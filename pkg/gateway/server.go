package gateway

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gantry-ai/gantry/pkg/auth"
	"github.com/gantry-ai/gantry/pkg/httputil"
	"github.com/gantry-ai/gantry/pkg/middleware"
	"github.com/gantry-ai/gantry/pkg/models"
	"github.com/gantry-ai/gantry/pkg/observability"
	"github.com/gantry-ai/gantry/pkg/providers"
	"github.com/gantry-ai/gantry/pkg/spend"
)

// Options carries the server's dependencies. Keys, tracker, reporter, and
// audit may be nil when no database is configured; key management and spend
// routes are not registered then.
type Options struct {
	MasterKey       string
	MaxRequestBytes int64

	Models    *models.Registry
	Providers *providers.Registry
	Keys      *auth.KeyManager
	Tracker   *spend.Tracker
	Reporter  *spend.Reporter
	Audit     *auth.AuditRecorder
	Limiter   *middleware.KeyLimiter
	Redis     *middleware.RedisKeyLimiter

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Server is the OpenAI-compatible gateway server
type Server struct {
	router *mux.Router
	opts   Options

	logger *observability.Logger
}

// NewServer creates the gateway server and registers its routes
func NewServer(opts Options) *Server {
	if opts.Limiter == nil {
		opts.Limiter = middleware.NewKeyLimiter()
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = 10 << 20
	}

	s := &Server{
		router: mux.NewRouter(),
		opts:   opts,
		logger: opts.Logger,
	}
	s.setupRoutes()
	return s
}

// Router exposes the underlying router so SSO handlers can attach their
// cookie-authenticated routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the full middleware-wrapped handler for http.Server
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "gantry")
}

func (s *Server) setupRoutes() {
	s.router.Use(httputil.RequestIDMiddleware, httputil.RecoveryMiddleware, s.loggerMiddleware, httputil.LoggingMiddleware)
	s.router.Use(httputil.MaxBytesMiddleware(s.opts.MaxRequestBytes))
	if s.opts.Metrics != nil {
		s.router.Use(s.opts.Metrics.HTTPMiddleware)
	}

	authMW := middleware.NewAuthMiddleware(s.opts.MasterKey, s.keyValidator(), s.opts.Metrics, s.logger)

	var rateLimit func(http.Handler) http.Handler
	if s.opts.Redis != nil {
		rateLimit = middleware.DistributedRateLimitHandler(s.opts.Redis, s.opts.Limiter, s.logger)
	} else {
		rateLimit = middleware.RateLimitHandler(s.opts.Limiter)
	}

	// Inference routes
	inference := s.router.NewRoute().Subrouter()
	inference.Use(authMW.Handler, rateLimit)
	inference.HandleFunc("/chat/completions", s.chatCompletions).Methods("POST")
	inference.HandleFunc("/v1/chat/completions", s.chatCompletions).Methods("POST")
	inference.HandleFunc("/v1/responses", s.responses).Methods("POST")
	inference.HandleFunc("/models", s.listModels).Methods("GET")
	inference.HandleFunc("/v1/models", s.listModels).Methods("GET")

	// Management routes
	if s.opts.Keys != nil {
		admin := s.router.NewRoute().Subrouter()
		admin.Use(authMW.Handler, middleware.RequireAdmin)
		admin.HandleFunc("/key/generate", s.generateKey).Methods("POST")
		admin.HandleFunc("/key/revoke", s.revokeKey).Methods("POST")
		admin.HandleFunc("/key/info", s.keyInfo).Methods("GET")
		admin.HandleFunc("/key/list", s.listKeys).Methods("GET")

		if s.opts.Reporter != nil {
			admin.HandleFunc("/spend/keys", s.spendByKey).Methods("GET")
			admin.HandleFunc("/spend/models", s.spendByModel).Methods("GET")
		}
	}
}

// loggerMiddleware makes the server logger available to handlers through
// the request context so log lines pick up the request ID.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.logger != nil {
			r = r.WithContext(observability.WithLogger(r.Context(), s.logger))
		}
		next.ServeHTTP(w, r)
	})
}

// keyValidator returns nil when no key store is configured, making the
// interface value itself nil rather than a typed nil pointer.
func (s *Server) keyValidator() middleware.KeyValidator {
	if s.opts.Keys == nil {
		return nil
	}
	return s.opts.Keys
}
