package crmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/readyscope/crm-audit/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const errorBodyLimit = 4 << 10

// EndpointStatus represents a normalized CRM API endpoint outcome.
type EndpointStatus string

const (
	// StatusOK indicates a successful response.
	StatusOK EndpointStatus = "ok"
	// StatusUnauthorized indicates the access token was rejected.
	StatusUnauthorized EndpointStatus = "unauthorized"
	// StatusForbidden indicates the account's subscription tier does not cover the endpoint.
	StatusForbidden EndpointStatus = "forbidden"
	// StatusNotFound indicates the resource does not exist.
	StatusNotFound EndpointStatus = "not_found"
	// StatusRateLimited indicates the provider throttled the request.
	StatusRateLimited EndpointStatus = "rate_limited"
	// StatusUnavailable indicates a temporary provider-side failure.
	StatusUnavailable EndpointStatus = "unavailable"
	// StatusUnknown indicates an unclassified non-success status.
	StatusUnknown EndpointStatus = "unknown"
)

// Search filter operators understood by the CRM object-search endpoint.
const (
	OperatorHasProperty    = "HAS_PROPERTY"
	OperatorNotHasProperty = "NOT_HAS_PROPERTY"
	OperatorEquals         = "EQ"
	OperatorNotEquals      = "NEQ"
	OperatorLessThan       = "LT"
)

// Filter is one property condition inside a filter group.
type Filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value,omitempty"`
}

// FilterGroup is a conjunction of filters; groups are OR-combined by the provider.
type FilterGroup struct {
	Filters []Filter `json:"filters"`
}

// ObjectRecord is one CRM object with its requested properties.
type ObjectRecord struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// CountResult is the typed result for a match-count search.
type CountResult struct {
	Status    EndpointStatus
	Total     int
	ErrorBody string
}

// RecordsResult is the typed result for a sampled record search.
type RecordsResult struct {
	Status    EndpointStatus
	Total     int
	Records   []ObjectRecord
	ErrorBody string
}

// PropertyOption is one declared value of an enumerated property.
type PropertyOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// PropertyDefinition describes one property schema entry for an object type.
type PropertyDefinition struct {
	Name            string           `json:"name"`
	Label           string           `json:"label"`
	Description     string           `json:"description"`
	ProviderDefined bool             `json:"providerDefined"`
	Options         []PropertyOption `json:"options"`
}

// PropertiesResult is the typed result for listing property definitions.
type PropertiesResult struct {
	Status     EndpointStatus
	Properties []PropertyDefinition
	ErrorBody  string
}

// Workflow is one provider-side automation entry.
type Workflow struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// WorkflowsResult is the typed result for the automation listing.
type WorkflowsResult struct {
	Status    EndpointStatus
	Workflows []Workflow
	ErrorBody string
}

// IntrospectionResult is the typed result of token introspection.
type IntrospectionResult struct {
	Status    EndpointStatus
	AccountID string
	ErrorBody string
}

// ClientConfig configures the CRM REST client.
type ClientConfig struct {
	APIBaseURL     string
	RequestTimeout time.Duration
	BaseTransport  http.RoundTripper
}

// Client calls the CRM provider's REST API with bearer-token authentication.
// Every outbound request shares one timeout-bounded HTTP client so a hung
// upstream call cannot block a request indefinitely.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a CRM REST client.
func NewClient(cfg ClientConfig) (*Client, error) {
	trimmedBaseURL := strings.TrimSpace(cfg.APIBaseURL)
	if trimmedBaseURL == "" {
		return nil, fmt.Errorf("crm api base url is required")
	}
	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse crm api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse crm api base url: missing scheme or host")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := cfg.BaseTransport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(parsedURL.String(), "/"),
	}, nil
}

// SearchCount returns how many objects of the type match the filter groups.
func (c *Client) SearchCount(
	ctx context.Context,
	accessToken string,
	objectType string,
	filterGroups []FilterGroup,
) (CountResult, error) {
	records, err := c.search(ctx, accessToken, objectType, filterGroups, nil, 1)
	if err != nil {
		return CountResult{}, err
	}
	return CountResult{
		Status:    records.Status,
		Total:     records.Total,
		ErrorBody: records.ErrorBody,
	}, nil
}

// SearchRecords returns a bounded sample of matching objects with the
// requested properties populated.
func (c *Client) SearchRecords(
	ctx context.Context,
	accessToken string,
	objectType string,
	filterGroups []FilterGroup,
	properties []string,
	limit int,
) (RecordsResult, error) {
	return c.search(ctx, accessToken, objectType, filterGroups, properties, limit)
}

func (c *Client) search(
	ctx context.Context,
	accessToken string,
	objectType string,
	filterGroups []FilterGroup,
	properties []string,
	limit int,
) (RecordsResult, error) {
	if strings.TrimSpace(objectType) == "" {
		return RecordsResult{}, fmt.Errorf("object type is required")
	}
	if limit <= 0 {
		limit = 1
	}
	if filterGroups == nil {
		filterGroups = []FilterGroup{}
	}

	body := struct {
		FilterGroups []FilterGroup `json:"filterGroups"`
		Properties   []string      `json:"properties,omitempty"`
		Limit        int           `json:"limit"`
	}{
		FilterGroups: filterGroups,
		Properties:   properties,
		Limit:        limit,
	}

	endpoint := fmt.Sprintf("%s/crm/v3/objects/%s/search", c.baseURL, url.PathEscape(objectType))
	status, payload, errorBody, err := c.postJSON(ctx, accessToken, endpoint, body)
	if err != nil {
		return RecordsResult{}, err
	}
	if status != StatusOK {
		return RecordsResult{Status: status, ErrorBody: errorBody}, nil
	}

	var decoded struct {
		Total   int            `json:"total"`
		Results []ObjectRecord `json:"results"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return RecordsResult{}, fmt.Errorf("decode search response for %q: %w", objectType, err)
	}

	return RecordsResult{
		Status:  StatusOK,
		Total:   decoded.Total,
		Records: decoded.Results,
	}, nil
}

// ListProperties returns the property definitions for an object type.
func (c *Client) ListProperties(
	ctx context.Context,
	accessToken string,
	objectType string,
) (PropertiesResult, error) {
	if strings.TrimSpace(objectType) == "" {
		return PropertiesResult{}, fmt.Errorf("object type is required")
	}

	endpoint := fmt.Sprintf("%s/crm/v3/properties/%s", c.baseURL, url.PathEscape(objectType))
	status, payload, errorBody, err := c.getJSON(ctx, accessToken, endpoint)
	if err != nil {
		return PropertiesResult{}, err
	}
	if status != StatusOK {
		return PropertiesResult{Status: status, ErrorBody: errorBody}, nil
	}

	var decoded struct {
		Results []PropertyDefinition `json:"results"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return PropertiesResult{}, fmt.Errorf("decode properties response for %q: %w", objectType, err)
	}

	return PropertiesResult{Status: StatusOK, Properties: decoded.Results}, nil
}

// ListWorkflows returns the provider-side automation listing.
func (c *Client) ListWorkflows(ctx context.Context, accessToken string) (WorkflowsResult, error) {
	endpoint := c.baseURL + "/automation/v3/workflows"
	status, payload, errorBody, err := c.getJSON(ctx, accessToken, endpoint)
	if err != nil {
		return WorkflowsResult{}, err
	}
	if status != StatusOK {
		return WorkflowsResult{Status: status, ErrorBody: errorBody}, nil
	}

	var decoded struct {
		Workflows []Workflow `json:"workflows"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return WorkflowsResult{}, fmt.Errorf("decode workflows response: %w", err)
	}

	return WorkflowsResult{Status: StatusOK, Workflows: decoded.Workflows}, nil
}

// IntrospectToken resolves the account that issued an access token.
func (c *Client) IntrospectToken(ctx context.Context, accessToken string) (IntrospectionResult, error) {
	if strings.TrimSpace(accessToken) == "" {
		return IntrospectionResult{}, fmt.Errorf("access token is required")
	}

	endpoint := c.baseURL + "/oauth/v1/access-tokens/" + url.PathEscape(accessToken)
	status, payload, errorBody, err := c.getJSON(ctx, "", endpoint)
	if err != nil {
		return IntrospectionResult{}, err
	}
	if status != StatusOK {
		return IntrospectionResult{Status: status, ErrorBody: errorBody}, nil
	}

	var decoded struct {
		AccountID json.Number `json:"accountId"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return IntrospectionResult{}, fmt.Errorf("decode introspection response: %w", err)
	}

	return IntrospectionResult{Status: StatusOK, AccountID: decoded.AccountID.String()}, nil
}

func (c *Client) getJSON(
	ctx context.Context,
	accessToken string,
	endpoint string,
) (EndpointStatus, []byte, string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusUnknown, nil, "", fmt.Errorf("build crm request: %w", err)
	}
	return c.do(request, accessToken)
}

func (c *Client) postJSON(
	ctx context.Context,
	accessToken string,
	endpoint string,
	body any,
) (EndpointStatus, []byte, string, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return StatusUnknown, nil, "", fmt.Errorf("encode crm request body: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return StatusUnknown, nil, "", fmt.Errorf("build crm request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	return c.do(request, accessToken)
}

func (c *Client) do(request *http.Request, accessToken string) (EndpointStatus, []byte, string, error) {
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	request.Header.Set("Accept", "application/json")

	var span trace.Span
	if telemetry.ShouldTraceUpstream() {
		ctx, started := otel.Tracer("crm-audit/internal/crmapi").Start(
			request.Context(),
			"crmapi.client.do",
			trace.WithAttributes(
				attribute.String("http.method", request.Method),
				attribute.String("http.path", request.URL.EscapedPath()),
			),
		)
		span = started
		defer span.End()
		request = request.Clone(ctx)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return StatusUnknown, nil, "", fmt.Errorf("call crm api: %w", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if span != nil {
		span.SetAttributes(attribute.Int("http.status_code", response.StatusCode))
	}

	payload, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return StatusUnknown, nil, "", fmt.Errorf("read crm response: %w", err)
	}

	status := statusFromCode(response.StatusCode)
	if status != StatusOK {
		errorBody := string(payload)
		if len(errorBody) > errorBodyLimit {
			errorBody = errorBody[:errorBodyLimit]
		}
		return status, nil, errorBody, nil
	}
	return StatusOK, payload, "", nil
}

func statusFromCode(code int) EndpointStatus {
	switch {
	case code >= 200 && code < 300:
		return StatusOK
	case code == http.StatusUnauthorized:
		return StatusUnauthorized
	case code == http.StatusForbidden:
		return StatusForbidden
	case code == http.StatusNotFound:
		return StatusNotFound
	case code == http.StatusTooManyRequests:
		return StatusRateLimited
	case code >= 500:
		return StatusUnavailable
	default:
		return StatusUnknown
	}
}
