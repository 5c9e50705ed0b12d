// Package httpapi wires the HTTP surface: request parsing, the
// authentication and authorization checks, and dispatch to
// internal/control, internal/consumer, internal/topicregistry,
// internal/publish, and internal/eventstore. A gorilla/mux router carries
// the shared infrastructure/middleware chain, with one handler file per
// resource group.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxledger/eventhub/infrastructure/logging"
	"github.com/fluxledger/eventhub/infrastructure/metrics"
	"github.com/fluxledger/eventhub/infrastructure/middleware"
	"github.com/fluxledger/eventhub/infrastructure/security"
	"github.com/fluxledger/eventhub/internal/auth"
	"github.com/fluxledger/eventhub/internal/authz"
	"github.com/fluxledger/eventhub/internal/consumer"
	"github.com/fluxledger/eventhub/internal/control"
	"github.com/fluxledger/eventhub/internal/dispatcher"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/projection"
	"github.com/fluxledger/eventhub/internal/publish"
	"github.com/fluxledger/eventhub/internal/schema"
	"github.com/fluxledger/eventhub/internal/topicregistry"
)

// Server holds every collaborator a request handler needs and owns the
// router built from them.
type Server struct {
	router      *mux.Router
	authn       *auth.Authenticator
	authz       *authz.Engine
	control     *control.Commands
	projections *projection.Store
	topics      *topicregistry.Registry
	consumers   *consumer.Registry
	store       *eventstore.Store
	pipeline    *publish.Pipeline
	dispatchers *dispatcher.Manager
	schemas     *schema.Cache
	health      *middleware.HealthChecker
	logger      *logging.Logger
	replay      *security.ReplayProtection
	bcryptCost  int
}

// Config bundles the already-constructed components cmd/eventhubd wires
// together, plus the tuning knobs for the ambient middleware chain.
type Config struct {
	Authn            *auth.Authenticator
	Authz            *authz.Engine
	Control          *control.Commands
	Projections      *projection.Store
	Topics           *topicregistry.Registry
	Consumers        *consumer.Registry
	Store            *eventstore.Store
	Pipeline         *publish.Pipeline
	Dispatchers      *dispatcher.Manager
	Schemas          *schema.Cache
	Logger           *logging.Logger
	Metrics          *metrics.Metrics
	ServiceName      string
	Version          string
	MaxBodyBytes     int64
	RequestTimeout   int // seconds, 0 uses the middleware default
	RateLimitPerSec  int
	RateLimitBurst   int
	CORS             *middleware.CORSConfig
	BcryptCost       int
	EdgeSharedSecret string // when set, only the trusted edge proxy may reach non-probe routes
}

// NewServer builds the full router, wrapped in the middleware chain in the
// order recovery -> security headers -> CORS -> body limit -> validation ->
// timeout -> logging -> metrics -> rate limit.
func NewServer(cfg Config) *Server {
	s := &Server{
		authn:       cfg.Authn,
		authz:       cfg.Authz,
		control:     cfg.Control,
		projections: cfg.Projections,
		topics:      cfg.Topics,
		consumers:   cfg.Consumers,
		store:       cfg.Store,
		pipeline:    cfg.Pipeline,
		dispatchers: cfg.Dispatchers,
		schemas:     cfg.Schemas,
		logger:      cfg.Logger,
		bcryptCost:  orDefault(cfg.BcryptCost, auth.DefaultBcryptCost),
		health:      middleware.NewHealthChecker(cfg.Version),
		replay:      security.NewReplayProtection(5*time.Minute, cfg.Logger),
	}

	root := mux.NewRouter()
	s.registerRoutes(root)

	recovery := middleware.NewRecoveryMiddleware(cfg.Logger)
	security := middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders())
	cors := middleware.NewCORSMiddleware(cfg.CORS)
	bodyLimit := middleware.NewBodyLimitMiddleware(cfg.MaxBodyBytes)
	validation := middleware.NewValidationMiddleware(middleware.DefaultValidationConfig())
	timeoutMW := middleware.NewTimeoutMiddleware(time.Duration(cfg.RequestTimeout) * time.Second)
	rateLimit := middleware.NewRateLimiter(orDefault(cfg.RateLimitPerSec, 50), orDefault(cfg.RateLimitBurst, 100), cfg.Logger)

	if cfg.EdgeSharedSecret != "" {
		root.Use(mux.MiddlewareFunc(middleware.HeaderGateMiddleware(cfg.EdgeSharedSecret)))
	}
	root.Use(recovery.Handler)
	root.Use(security.Handler)
	root.Use(cors.Handler)
	root.Use(bodyLimit.Handler)
	root.Use(validation.Handler)
	root.Use(timeoutMW.Handler)
	root.Use(middleware.LoggingMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		root.Use(middleware.MetricsMiddleware(cfg.ServiceName, cfg.Metrics))
	}
	root.Use(rateLimit.Handler)

	s.router = root
	return s
}

// Handler returns the fully-wrapped http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.health.Handler()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/password/change", s.handlePasswordChange).Methods(http.MethodPost)
	r.HandleFunc("/auth/tenants", s.handleListMyTenants).Methods(http.MethodGet)
	r.HandleFunc("/auth/switch-tenant/{t}", s.handleSwitchTenant).Methods(http.MethodPost)

	r.HandleFunc("/tenants", s.handleCreateTenant).Methods(http.MethodPost)
	r.HandleFunc("/tenants", s.handleListTenants).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}", s.handleGetTenant).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}", s.handleUpdateTenant).Methods(http.MethodPut)
	r.HandleFunc("/tenants/{t}", s.handleDeleteTenant).Methods(http.MethodDelete)

	r.HandleFunc("/tenants/{t}/namespaces", s.handleCreateNamespace).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{t}/namespaces/{n}", s.handleGetNamespace).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}/namespaces/{n}", s.handleUpdateNamespace).Methods(http.MethodPut)
	r.HandleFunc("/tenants/{t}/namespaces/{n}", s.handleDeleteNamespace).Methods(http.MethodDelete)

	r.HandleFunc("/tenants/{t}/namespaces/{n}/topics", s.handleCreateTopic).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{t}/namespaces/{n}/topics", s.handleListTopics).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}/namespaces/{n}/topics/{name}", s.handleGetTopic).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}/namespaces/{n}/topics/{name}", s.handleUpdateTopicSchema).Methods(http.MethodPut)

	r.HandleFunc("/tenants/{t}/namespaces/{n}/events", s.handlePublishEvents).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{t}/namespaces/{n}/topics/{name}/events", s.handleReadEvents).Methods(http.MethodGet)

	r.HandleFunc("/tenants/{t}/namespaces/{n}/consumers/register", s.handleRegisterConsumer).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{t}/namespaces/{n}/consumers", s.handleListConsumers).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}/namespaces/{n}/consumers/{id}", s.handleGetConsumer).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}/namespaces/{n}/consumers/{id}", s.handleUpdateConsumer).Methods(http.MethodPut)
	r.HandleFunc("/tenants/{t}/namespaces/{n}/consumers/{id}", s.handleDeleteConsumer).Methods(http.MethodDelete)

	r.HandleFunc("/tenants/{t}/users", s.handleCreateUser).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{t}/users/{userId}", s.handleGetUser).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}/users/{userId}", s.handleUpdateUser).Methods(http.MethodPut)
	r.HandleFunc("/tenants/{t}/users/{userId}", s.handleDeleteUser).Methods(http.MethodDelete)

	r.HandleFunc("/tenants/{t}/users/{userId}/roles/{roleId}", s.handleAssignRole).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{t}/users/{userId}/roles/{roleId}", s.handleRemoveRole).Methods(http.MethodDelete)

	r.HandleFunc("/tenants/{t}/users/{userId}/api-keys", s.handleCreateAPIKey).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{t}/users/{userId}/api-keys", s.handleListAPIKeys).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}/users/{userId}/api-keys/{keyId}", s.handleRevokeAPIKey).Methods(http.MethodDelete)

	r.HandleFunc("/tenants/{t}/users/{userId}/permissions", s.handleListPermissions).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{t}/users/{userId}/permissions", s.handleGrantPermission).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{t}/users/{userId}/permissions", s.handleRevokePermission).Methods(http.MethodDelete)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
