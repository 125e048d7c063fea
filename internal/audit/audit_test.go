package audit

import (
	"context"
	"testing"
	"time"

	"github.com/readyscope/crm-audit/internal/crmapi"
)

type stubProbe struct {
	name   string
	delay  time.Duration
	result MetricResult
	panics bool
}

func (p *stubProbe) Name() string { return p.name }

func (p *stubProbe) Compute(_ context.Context, _ Session) MetricResult {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.panics {
		panic("probe exploded")
	}
	return p.result
}

func TestRoundedPercent(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		matching int
		total    int
		want     int
	}{
		{name: "zero_total", matching: 0, total: 0, want: 0},
		{name: "nonzero_matching_zero_total", matching: 5, total: 0, want: 0},
		{name: "quarter", matching: 50, total: 200, want: 25},
		{name: "rounds_down", matching: 1, total: 3, want: 33},
		{name: "rounds_up", matching: 2, total: 3, want: 67},
		{name: "full", matching: 200, total: 200, want: 100},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := roundedPercent(tc.matching, tc.total); got != tc.want {
				t.Fatalf("roundedPercent(%d, %d) = %d, want %d", tc.matching, tc.total, got, tc.want)
			}
		})
	}
}

func TestAggregatorPreservesDeclarationOrder(t *testing.T) {
	t.Parallel()

	// The slowest probe is declared first so completion order inverts
	// declaration order.
	probes := []Probe{
		&stubProbe{name: "slow", delay: 30 * time.Millisecond, result: MetricResult{Metric: "slow", Value: "1"}},
		&stubProbe{name: "medium", delay: 10 * time.Millisecond, result: MetricResult{Metric: "medium", Value: "2"}},
		&stubProbe{name: "fast", result: MetricResult{Metric: "fast", Value: "3"}},
	}

	report := NewAggregator(probes, nil).Run(context.Background(), Session{})
	if len(report.AuditResults) != 3 {
		t.Fatalf("len(AuditResults) = %d, want 3", len(report.AuditResults))
	}
	for index, want := range []string{"slow", "medium", "fast"} {
		if report.AuditResults[index].Metric != want {
			t.Fatalf("AuditResults[%d].Metric = %q, want %q", index, report.AuditResults[index].Metric, want)
		}
	}
	if report.Timestamp.IsZero() {
		t.Fatal("report timestamp is zero")
	}
}

func TestAggregatorContainsProbeFailures(t *testing.T) {
	t.Parallel()

	probes := []Probe{
		&stubProbe{name: "first", result: MetricResult{Metric: "first", Value: "10%"}},
		&stubProbe{name: "second", panics: true},
		&stubProbe{name: "third", result: MetricResult{Metric: "third", Value: "30%"}},
	}

	report := NewAggregator(probes, nil).Run(context.Background(), Session{})
	if len(report.AuditResults) != 3 {
		t.Fatalf("len(AuditResults) = %d, want 3", len(report.AuditResults))
	}

	if report.AuditResults[0].Value != "10%" {
		t.Fatalf("AuditResults[0] = %+v, want untouched sibling", report.AuditResults[0])
	}
	if report.AuditResults[2].Value != "30%" {
		t.Fatalf("AuditResults[2] = %+v, want untouched sibling", report.AuditResults[2])
	}

	failed := report.AuditResults[1]
	if failed.Metric != "second" {
		t.Fatalf("AuditResults[1].Metric = %q, want %q", failed.Metric, "second")
	}
	if failed.Value != APIErrorValue {
		t.Fatalf("AuditResults[1].Value = %q, want %q", failed.Value, APIErrorValue)
	}
}

func TestPercentValue(t *testing.T) {
	t.Parallel()

	if got := percentValue(50, 200); got != "25%" {
		t.Fatalf("percentValue(50, 200) = %q, want %q", got, "25%")
	}
	if got := percentValue(0, 0); got != "0%" {
		t.Fatalf("percentValue(0, 0) = %q, want %q", got, "0%")
	}
}

// fakeCRMClient answers probe queries from canned responses.
type fakeCRMClient struct {
	searchCount    func(objectType string, groups []crmapi.FilterGroup) (crmapi.CountResult, error)
	searchRecords  func(objectType string) (crmapi.RecordsResult, error)
	listProperties func(objectType string) (crmapi.PropertiesResult, error)
	listWorkflows  func() (crmapi.WorkflowsResult, error)
}

func (f *fakeCRMClient) SearchCount(_ context.Context, _, objectType string, groups []crmapi.FilterGroup) (crmapi.CountResult, error) {
	if f.searchCount == nil {
		return crmapi.CountResult{Status: crmapi.StatusOK}, nil
	}
	return f.searchCount(objectType, groups)
}

func (f *fakeCRMClient) SearchRecords(_ context.Context, _, objectType string, _ []crmapi.FilterGroup, _ []string, _ int) (crmapi.RecordsResult, error) {
	if f.searchRecords == nil {
		return crmapi.RecordsResult{Status: crmapi.StatusOK}, nil
	}
	return f.searchRecords(objectType)
}

func (f *fakeCRMClient) ListProperties(_ context.Context, _, objectType string) (crmapi.PropertiesResult, error) {
	if f.listProperties == nil {
		return crmapi.PropertiesResult{Status: crmapi.StatusOK}, nil
	}
	return f.listProperties(objectType)
}

func (f *fakeCRMClient) ListWorkflows(_ context.Context, _ string) (crmapi.WorkflowsResult, error) {
	if f.listWorkflows == nil {
		return crmapi.WorkflowsResult{Status: crmapi.StatusOK}, nil
	}
	return f.listWorkflows()
}
