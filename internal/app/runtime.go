package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/readyscope/crm-audit/internal/audit"
	"github.com/readyscope/crm-audit/internal/config"
	"github.com/readyscope/crm-audit/internal/credstore"
	"github.com/readyscope/crm-audit/internal/crmapi"
	"github.com/readyscope/crm-audit/internal/crmauth"
	"github.com/readyscope/crm-audit/internal/datahealth"
	"github.com/readyscope/crm-audit/internal/health"
	"go.uber.org/zap"
)

// Runtime wires the audit service components behind one HTTP surface.
type Runtime struct {
	cfg        *config.Config
	store      credstore.Store
	tokens     *crmauth.Manager
	installer  *crmauth.Installer
	client     *crmapi.Client
	aggregator *audit.Aggregator
	dataHealth *datahealth.Service
	evaluator  *health.StatusEvaluator
	logger     *zap.Logger

	registry      *prometheus.Registry
	auditsTotal   *prometheus.CounterVec
	probeFailures *prometheus.CounterVec
	refreshTotal  *prometheus.CounterVec
	installsTotal *prometheus.CounterVec

	// crmReachable tracks the outcome of the most recent CRM interaction so
	// /healthz can report degradation without probing the provider itself.
	crmReachable atomic.Bool
}

// NewRuntime creates the application runtime over a constructed credential
// store. The store is built by the caller because its backends differ in
// lifecycle (pool construction, schema bootstrap).
func NewRuntime(cfg *config.Config, store credstore.Store, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := crmapi.NewClient(crmapi.ClientConfig{
		APIBaseURL:     cfg.CRM.APIBaseURL,
		RequestTimeout: cfg.CRM.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build crm client: %w", err)
	}

	// OAuth endpoints share the same timeout bound as CRM data calls.
	oauthHTTPClient := &http.Client{Timeout: cfg.CRM.RequestTimeout}
	oauthConfig := crmauth.NewOAuthConfig(cfg.OAuth)

	runtime := &Runtime{
		cfg:        cfg,
		store:      store,
		client:     client,
		evaluator:  health.NewStatusEvaluator(),
		dataHealth: datahealth.NewService(client, cfg.CRM.SampleLimit),
		logger:     logger,
	}
	runtime.crmReachable.Store(true)
	runtime.registerMetrics()

	tokens, err := crmauth.NewManager(crmauth.ManagerConfig{
		OAuth:      oauthConfig,
		Store:      store,
		HTTPClient: oauthHTTPClient,
		OnRefresh: func(success bool) {
			runtime.refreshTotal.WithLabelValues(resultLabel(success)).Inc()
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build token manager: %w", err)
	}
	runtime.tokens = tokens

	installer, err := crmauth.NewInstaller(crmauth.InstallerConfig{
		OAuth:      oauthConfig,
		Store:      store,
		Resolver:   client,
		HTTPClient: oauthHTTPClient,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build installer: %w", err)
	}
	runtime.installer = installer

	probes := audit.DefaultProbes(cfg.Audit.StaleThreshold, cfg.Audit.DistributionProperty, time.Now)
	runtime.aggregator = audit.NewAggregator(probes, logger)

	return runtime, nil
}

func (r *Runtime) registerMetrics() {
	r.registry = prometheus.NewRegistry()

	r.auditsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audits_total",
		Help: "Completed readiness audit runs by result.",
	}, []string{"result"})
	r.probeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_probe_failures_total",
		Help: "Audit probes that degraded to an API error result, by metric.",
	}, []string{"metric"})
	r.refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_refresh_total",
		Help: "OAuth token refresh attempts by result.",
	}, []string{"result"})
	r.installsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_installs_total",
		Help: "OAuth callback completions by result.",
	}, []string{"result"})

	r.registry.MustRegister(r.auditsTotal, r.probeFailures, r.refreshTotal, r.installsTotal)
}

// CurrentStatus evaluates dependency health for the health endpoints.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return r.evaluator.Evaluate(health.Input{
		StoreHealthy:    r.store.Ping(pingCtx) == nil,
		CRMAPIReachable: r.crmReachable.Load(),
	})
}

// Close releases runtime resources.
func (r *Runtime) Close() error {
	return r.store.Close()
}

func (r *Runtime) observeAudit(report audit.Report) {
	failed := 0
	for _, result := range report.AuditResults {
		if result.Value == audit.APIErrorValue {
			failed++
			r.probeFailures.WithLabelValues(result.Metric).Inc()
		}
	}

	switch {
	case failed == 0:
		r.auditsTotal.WithLabelValues("success").Inc()
	default:
		r.auditsTotal.WithLabelValues("degraded").Inc()
	}
	// Every probe failing at once points at the provider, not the data.
	if len(report.AuditResults) > 0 {
		r.crmReachable.Store(failed < len(report.AuditResults))
	}
}

// resolveAccountID picks the tenant for a request: the X-Account-Id header
// first, then the configured single-tenant default.
func (r *Runtime) resolveAccountID(request *http.Request) string {
	if accountID := request.Header.Get("X-Account-Id"); accountID != "" {
		return accountID
	}
	return r.cfg.OAuth.DefaultAccountID
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
