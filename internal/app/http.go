package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/readyscope/crm-audit/internal/audit"
	"github.com/readyscope/crm-audit/internal/crmapi"
	"github.com/readyscope/crm-audit/internal/crmauth"
	"github.com/readyscope/crm-audit/internal/datahealth"
	"github.com/readyscope/crm-audit/internal/health"
	"github.com/readyscope/crm-audit/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var auditableObjectTypes = []string{
	audit.ObjectTypeContacts,
	audit.ObjectTypeCompanies,
	audit.ObjectTypeDeals,
}

// Handler wires API, metrics, health, and SPA endpoints on a single router.
func (r *Runtime) Handler() http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()

	router.Method(http.MethodGet, "/api/install",
		wrapHTTPHandler(traceMode, "install", http.HandlerFunc(r.handleInstall)))
	router.Method(http.MethodGet, "/api/oauth-callback",
		wrapHTTPHandler(traceMode, "oauth_callback", http.HandlerFunc(r.handleOAuthCallback)))
	router.Method(http.MethodGet, "/api/ai-readiness-audit",
		wrapHTTPHandler(traceMode, "readiness_audit", http.HandlerFunc(r.handleReadinessAudit)))
	router.Method(http.MethodGet, "/api/audit",
		wrapHTTPHandler(traceMode, "object_audit", http.HandlerFunc(r.handleObjectAudit)))
	router.Method(http.MethodGet, "/api/data-health",
		wrapHTTPHandler(traceMode, "data_health", http.HandlerFunc(r.handleDataHealth)))
	router.Method(http.MethodGet, "/api/data-health/details",
		wrapHTTPHandler(traceMode, "data_health_details", http.HandlerFunc(r.handleDataHealthDetails)))

	metricsHandler := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	router.Method(http.MethodGet, "/metrics", wrapHTTPHandler(traceMode, "metrics", metricsHandler))

	healthHandler := health.NewHandler(r)
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", healthHandler))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", healthHandler))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", healthHandler))

	router.NotFound(r.handleSPA)
	return router
}

func (r *Runtime) handleInstall(w http.ResponseWriter, request *http.Request) {
	http.Redirect(w, request, r.installer.AuthCodeURL(), http.StatusFound)
}

func (r *Runtime) handleOAuthCallback(w http.ResponseWriter, request *http.Request) {
	code := request.URL.Query().Get("code")

	accountID, err := r.installer.HandleCallback(request.Context(), code)
	if err != nil {
		r.installsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, crmauth.ErrMissingAuthCode) {
			writeError(w, http.StatusBadRequest, "missing authorization code")
			return
		}
		r.logger.Error("oauth callback failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "CRM authorization failed: "+err.Error())
		return
	}

	r.installsTotal.WithLabelValues("success").Inc()
	http.Redirect(w, request, "/?accountId="+url.QueryEscape(accountID), http.StatusFound)
}

func (r *Runtime) handleReadinessAudit(w http.ResponseWriter, request *http.Request) {
	session, ok := r.authorizedSession(w, request)
	if !ok {
		return
	}

	report := r.aggregator.Run(request.Context(), session)
	r.observeAudit(report)
	writeJSON(w, http.StatusOK, report)
}

func (r *Runtime) handleObjectAudit(w http.ResponseWriter, request *http.Request) {
	objectType := strings.TrimSpace(request.URL.Query().Get("objectType"))
	if objectType == "" {
		objectType = audit.ObjectTypeContacts
	}
	valid := false
	for _, candidate := range auditableObjectTypes {
		if objectType == candidate {
			valid = true
			break
		}
	}
	if !valid {
		writeError(w, http.StatusBadRequest, "objectType must be one of contacts, companies, deals")
		return
	}

	session, ok := r.authorizedSession(w, request)
	if !ok {
		return
	}

	report, err := r.dataHealth.PropertyFillReport(request.Context(), session.AccessToken, objectType)
	if err != nil {
		r.crmReachable.Store(false)
		r.logger.Error("property fill report failed",
			zap.String("object_type", objectType),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to audit object properties")
		return
	}
	r.crmReachable.Store(true)
	writeJSON(w, http.StatusOK, report)
}

func (r *Runtime) handleDataHealth(w http.ResponseWriter, request *http.Request) {
	session, ok := r.authorizedSession(w, request)
	if !ok {
		return
	}

	summary, err := r.dataHealth.Summary(request.Context(), session.AccessToken)
	if err != nil {
		r.crmReachable.Store(false)
		r.logger.Error("data health summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute data health summary")
		return
	}
	r.crmReachable.Store(true)
	writeJSON(w, http.StatusOK, summary)
}

func (r *Runtime) handleDataHealthDetails(w http.ResponseWriter, request *http.Request) {
	findingType := strings.TrimSpace(request.URL.Query().Get("type"))

	session, ok := r.authorizedSession(w, request)
	if !ok {
		return
	}

	records, err := r.dataHealth.Details(request.Context(), session.AccessToken, findingType)
	if err != nil {
		if errors.Is(err, datahealth.ErrUnknownFindingType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.crmReachable.Store(false)
		r.logger.Error("data health details failed",
			zap.String("finding_type", findingType),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to load data health details")
		return
	}
	r.crmReachable.Store(true)
	writeJSON(w, http.StatusOK, map[string][]crmapi.ObjectRecord{"results": records})
}

// authorizedSession resolves the tenant and exchanges it for a usable access
// token. On failure it writes the error response and reports !ok.
func (r *Runtime) authorizedSession(w http.ResponseWriter, request *http.Request) (audit.Session, bool) {
	accountID := r.resolveAccountID(request)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "no account id: set the X-Account-Id header or configure a default account")
		return audit.Session{}, false
	}

	accessToken, err := r.tokens.AccessToken(request.Context(), accountID)
	if err != nil {
		if errors.Is(err, crmauth.ErrInstallationMissing) {
			writeError(w, http.StatusInternalServerError,
				"no CRM installation found for this account; reinstall the app to reconnect")
			return audit.Session{}, false
		}
		var refreshErr *crmauth.RefreshError
		if errors.As(err, &refreshErr) {
			r.logger.Error("token refresh failed",
				zap.String("account_id", accountID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError,
				"failed to refresh CRM credentials; reinstall the app if this persists")
			return audit.Session{}, false
		}
		r.logger.Error("access token lookup failed",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to load CRM credentials")
		return audit.Session{}, false
	}

	return audit.Session{Client: r.client, AccessToken: accessToken}, true
}

// handleSPA serves the static frontend bundle, falling back to index.html so
// client-side routes resolve after a hard reload.
func (r *Runtime) handleSPA(w http.ResponseWriter, request *http.Request) {
	if strings.HasPrefix(request.URL.Path, "/api/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	staticDir := r.cfg.Server.StaticDir
	requested := filepath.Join(staticDir, filepath.Clean("/"+request.URL.Path))

	info, err := os.Stat(requested)
	if err != nil || info.IsDir() {
		http.ServeFile(w, request, filepath.Join(staticDir, "index.html"))
		return
	}
	http.ServeFile(w, request, requested)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("crm-audit/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
