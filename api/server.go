/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. AccessLog:  Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the HR dashboard
  6. Actor:      Caller identity from X-Actor-ID / X-Actor-Roles

ROUTE GROUPS:
  /api/requests/*       Leave requests and their transitions
  /api/balances/*       Balance ledger views and HR operations
  /api/employees/*      Manager directory

AUTHENTICATION:
  Done upstream. The proxy in front of this service authenticates the user
  and forwards identity in the actor headers. Authorization (who may approve
  what) is enforced by the leave service.

SEE ALSO:
  - handlers.go: Handler implementations
  - actor.go: Actor headers
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/apprh/leave-engine/leave"
)

// RouterConfig holds the router settings that vary per deployment.
type RouterConfig struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(logger.Named("api.access")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRoles},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}))
	r.Use(ActorMiddleware)

	r.Route("/api", func(r chi.Router) {
		// Request routes
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.CreateRequest)
			r.Get("/", h.ListRequests)
			r.Get("/current", h.CurrentLeaves)
			r.Get("/upcoming", h.UpcomingLeaves)
			r.Get("/pending-approval", h.PendingApproval)
			r.Get("/alerts", h.Alerts)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRequest)
				r.Post("/approve-manager", h.Transition(leave.TransitionApproveManager))
				r.Post("/reject-manager", h.Transition(leave.TransitionRejectManager))
				r.Post("/approve-rh", h.Transition(leave.TransitionApproveRH))
				r.Post("/reject-rh", h.Transition(leave.TransitionRejectRH))
				r.Post("/cancel", h.Transition(leave.TransitionCancel))
			})
		})

		// Balance routes
		r.Route("/balances/{employee_id}", func(r chi.Router) {
			r.Get("/", h.ListBalances)
			r.Route("/{leave_type}", func(r chi.Router) {
				r.Get("/", h.GetBalance)
				r.Put("/", h.ProvisionBalance)
				r.Post("/credit", h.CreditBalance)
				r.Post("/recalculate", h.RecalculateBalance)
			})
		})

		// Directory routes
		r.Route("/employees", func(r chi.Router) {
			r.Get("/{id}", h.GetEmployee)
			r.Put("/{id}", h.SaveEmployee)
		})
	})

	return r
}

// AccessLog logs one line per request once the response is written.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
