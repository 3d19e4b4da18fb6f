// Package api implements the authenticated REST surface (spec §4.7):
// organization info, relationship and registration listing, consent
// status lookup, and operational status, plus the supplemented
// Prometheus /metrics endpoint. Routing follows the teacher's echo +
// echo/middleware conventions in internal/adapters/http/router.go,
// trimmed to this broker's much smaller route set and re-keyed on API
// keys instead of session cookies.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careagent/neuron/core/registry"
	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
)

// Router wires the echo instance, handlers, and middleware together and
// implements core/registry.Module so it starts and stops alongside every
// other component.
type Router struct {
	cfg       config.APIConfig
	addr      string
	echo      *echo.Echo
	server    *http.Server
	keys      *KeyStore
	relStore  *relationship.Store
	provStore *registration.ProviderStore
	registry  *registry.Registry
	orgInfo   OrganizationInfo
	limiter   *RateLimiter
	startTime time.Time
}

// OrganizationInfo is the static organization summary returned from
// GET /v1/organization.
type OrganizationInfo struct {
	NPI  string `json:"npi"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// NewRouter constructs a Router. reg may be nil if the caller does not
// want health-check fan-out (e.g. in tests).
func NewRouter(
	cfg config.APIConfig,
	addr string,
	keys *KeyStore,
	relStore *relationship.Store,
	provStore *registration.ProviderStore,
	reg *registry.Registry,
	org OrganizationInfo,
) *Router {
	return &Router{
		cfg:       cfg,
		addr:      addr,
		keys:      keys,
		relStore:  relStore,
		provStore: provStore,
		registry:  reg,
		orgInfo:   org,
		startTime: time.Now(),
	}
}

func (r *Router) Name() string { return "api" }

func (r *Router) Init(ctx context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: r.cfg.CORSAllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, apiKeyHeader},
	}))

	r.limiter = NewRateLimiter(RateLimiterConfig{
		MaxRequests:     r.cfg.RateLimitMaxRequests,
		Window:          r.cfg.RateLimitWindow(),
		CleanupInterval: 10 * time.Minute,
	})

	e.GET("/health", r.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/openapi.json", r.openAPISpec)

	v1 := e.Group("/v1")
	v1.Use(RequireAPIKey(r.keys))
	v1.Use(r.limiter.Middleware())

	v1.GET("/organization", r.getOrganization)
	v1.GET("/status", r.getStatus)
	v1.GET("/relationships", r.listRelationships)
	v1.GET("/relationships/:id", r.getRelationship)
	v1.DELETE("/relationships/:id", r.terminateRelationship)
	v1.GET("/registrations", r.listRegistrations)
	v1.GET("/consent/status/:id", r.getConsentStatus)

	r.echo = e
	r.server = &http.Server{Addr: r.addr, Handler: e}

	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.Logger.Error(err)
		}
	}()
	return nil
}

func (r *Router) Health(ctx context.Context) error {
	if r.server == nil {
		return domain.ErrInternal
	}
	return nil
}

func (r *Router) Shutdown(ctx context.Context) error {
	if r.limiter != nil {
		r.limiter.Stop()
	}
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

func (r *Router) health(c echo.Context) error {
	result := map[string]any{"status": "healthy"}
	if r.registry != nil {
		modules := make(map[string]string)
		for name, err := range r.registry.HealthAll(c.Request().Context()) {
			if err != nil {
				modules[name] = err.Error()
				result["status"] = "degraded"
			} else {
				modules[name] = "healthy"
			}
		}
		result["modules"] = modules
	}
	status := http.StatusOK
	if result["status"] == "degraded" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, result)
}

func (r *Router) getOrganization(c echo.Context) error {
	return c.JSON(http.StatusOK, r.orgInfo)
}

func (r *Router) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(r.startTime).Seconds()),
	})
}

func (r *Router) listRelationships(c echo.Context) error {
	filter := domain.RelationshipFilter{
		ProviderNPI:    c.QueryParam("provider_npi"),
		PatientAgentID: c.QueryParam("patient_agent_id"),
		Status:         domain.RelationshipStatus(c.QueryParam("status")),
	}
	filter.Limit = queryInt(c, "limit")
	filter.Offset = queryInt(c, "offset")

	page, err := r.relStore.List(c.Request().Context(), filter)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(domain.ErrInternal))
	}
	return c.JSON(http.StatusOK, page)
}

func (r *Router) getRelationship(c echo.Context) error {
	rel, err := r.relStore.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, errorBody(domain.ErrNotFound))
	}
	return c.JSON(http.StatusOK, rel)
}

func (r *Router) terminateRelationship(c echo.Context) error {
	reason := c.QueryParam("reason")
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	err := r.relStore.UpdateStatus(c.Request().Context(), c.Param("id"), domain.RelationshipTerminated, reasonPtr)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorBody(domain.ErrNotFound))
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *Router) listRegistrations(c echo.Context) error {
	providers, err := r.provStore.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(domain.ErrInternal))
	}
	return c.JSON(http.StatusOK, providers)
}

func (r *Router) getConsentStatus(c echo.Context) error {
	rel, err := r.relStore.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, errorBody(domain.ErrNotFound))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"relationship_id":   rel.ID,
		"status":            rel.Status,
		"consented_actions": rel.ConsentedActions,
	})
}

func (r *Router) openAPISpec(c echo.Context) error {
	return c.JSON(http.StatusOK, openAPIDocument)
}

func queryInt(c echo.Context, name string) int {
	n, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return 0
	}
	return n
}
