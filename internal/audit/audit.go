package audit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/readyscope/crm-audit/internal/crmapi"
	"go.uber.org/zap"
)

// APIErrorValue is the sentinel value carried by a metric result whose probe
// failed. Probe failures degrade to data; they never abort sibling probes.
const APIErrorValue = "API Error"

// CRM object types audited by the default probe set.
const (
	ObjectTypeContacts  = "contacts"
	ObjectTypeCompanies = "companies"
	ObjectTypeDeals     = "deals"
)

// CategoryCount is one category→count pair of a distribution metric.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// MetricResult is one computed readiness metric. A result is produced for
// every requested metric, even on failure.
type MetricResult struct {
	Metric      string          `json:"metric"`
	Value       string          `json:"value"`
	Description string          `json:"description"`
	Details     []CategoryCount `json:"details,omitempty"`
}

// Report is the envelope returned by one audit run.
type Report struct {
	AuditResults []MetricResult `json:"auditResults"`
	Timestamp    time.Time      `json:"timestamp"`
}

// CRMClient is the typed CRM API surface consumed by probes.
type CRMClient interface {
	SearchCount(ctx context.Context, accessToken, objectType string, filterGroups []crmapi.FilterGroup) (crmapi.CountResult, error)
	SearchRecords(ctx context.Context, accessToken, objectType string, filterGroups []crmapi.FilterGroup, properties []string, limit int) (crmapi.RecordsResult, error)
	ListProperties(ctx context.Context, accessToken, objectType string) (crmapi.PropertiesResult, error)
	ListWorkflows(ctx context.Context, accessToken string) (crmapi.WorkflowsResult, error)
}

// Session carries the authenticated CRM context for one audit run.
type Session struct {
	Client      CRMClient
	AccessToken string
}

// Probe computes one readiness metric. Implementations must contain their own
// failures and return an API-error result instead of propagating them.
type Probe interface {
	Name() string
	Compute(ctx context.Context, session Session) MetricResult
}

// Aggregator runs a fixed, ordered probe set concurrently and collates the
// results in declaration order.
type Aggregator struct {
	probes []Probe
	logger *zap.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator over an ordered probe list.
func NewAggregator(probes []Probe, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		probes: probes,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes every probe concurrently and returns one result per probe in
// declaration order. Probes query a rate-limited external API, so running
// them together bounds total latency to the slowest single probe.
func (a *Aggregator) Run(ctx context.Context, session Session) Report {
	results := make([]MetricResult, len(a.probes))

	var wg sync.WaitGroup
	for index, probe := range a.probes {
		index, probe := index, probe
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[index] = a.computeContained(ctx, probe, session)
		}()
	}
	wg.Wait()

	return Report{
		AuditResults: results,
		Timestamp:    a.now().UTC(),
	}
}

func (a *Aggregator) computeContained(ctx context.Context, probe Probe, session Session) (result MetricResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error("audit probe panicked",
				zap.String("probe", probe.Name()),
				zap.Any("panic", recovered),
			)
			result = apiErrorResult(probe.Name(), fmt.Sprintf("probe failed unexpectedly: %v", recovered))
		}
	}()
	return probe.Compute(ctx, session)
}

func apiErrorResult(metric, description string) MetricResult {
	return MetricResult{
		Metric:      metric,
		Value:       APIErrorValue,
		Description: description,
	}
}

// roundedPercent returns matching/total as a percentage rounded to the
// nearest integer. A zero or negative total resolves to 0.
func roundedPercent(matching, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(matching) / float64(total) * 100))
}

func percentValue(matching, total int) string {
	return fmt.Sprintf("%d%%", roundedPercent(matching, total))
}
