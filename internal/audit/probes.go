package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/readyscope/crm-audit/internal/crmapi"
)

// DefaultProbes returns the fixed, ordered probe set for a readiness audit.
func DefaultProbes(staleThreshold time.Duration, distributionProperty string, now func() time.Time) []Probe {
	if now == nil {
		now = time.Now
	}
	return []Probe{
		&FillRateProbe{
			MetricName:  "contact_fill_rate",
			ObjectType:  ObjectTypeContacts,
			Properties:  []string{"firstname", "lastname", "email", "phone"},
			Description: "Contacts with at least one core identity property populated",
		},
		&FillRateProbe{
			MetricName:  "company_fill_rate",
			ObjectType:  ObjectTypeCompanies,
			Properties:  []string{"domain", "industry", "numberofemployees"},
			Description: "Companies with at least one firmographic property populated",
		},
		&FillRateProbe{
			MetricName:  "deal_fill_rate",
			ObjectType:  ObjectTypeDeals,
			Properties:  []string{"amount", "closedate", "dealstage"},
			Description: "Deals with at least one pipeline property populated",
		},
		&AssociationRateProbe{},
		&PropertyQualityProbe{ObjectType: ObjectTypeContacts},
		&DealRotProbe{StaleThreshold: staleThreshold, Now: now},
		&DistributionProbe{Property: distributionProperty},
		&ActiveWorkflowsProbe{},
	}
}

// FillRateProbe measures the share of records that have at least one of a
// property list populated.
type FillRateProbe struct {
	MetricName  string
	ObjectType  string
	Properties  []string
	Description string
}

// Name returns the metric name.
func (p *FillRateProbe) Name() string {
	return p.MetricName
}

// Compute counts records matching "any listed property populated" against the
// total record count.
func (p *FillRateProbe) Compute(ctx context.Context, session Session) MetricResult {
	total, err := session.Client.SearchCount(ctx, session.AccessToken, p.ObjectType, nil)
	if err != nil {
		return apiErrorResult(p.MetricName, fmt.Sprintf("count %s: %v", p.ObjectType, err))
	}
	if total.Status != crmapi.StatusOK {
		return apiErrorResult(p.MetricName, endpointFailureMessage(p.ObjectType+" search", total.Status))
	}

	// One single-filter group per property: groups are OR-combined, so a
	// record matches when any listed property is populated.
	groups := make([]crmapi.FilterGroup, 0, len(p.Properties))
	for _, property := range p.Properties {
		groups = append(groups, crmapi.FilterGroup{
			Filters: []crmapi.Filter{{
				PropertyName: property,
				Operator:     crmapi.OperatorHasProperty,
			}},
		})
	}

	matching, err := session.Client.SearchCount(ctx, session.AccessToken, p.ObjectType, groups)
	if err != nil {
		return apiErrorResult(p.MetricName, fmt.Sprintf("count populated %s: %v", p.ObjectType, err))
	}
	if matching.Status != crmapi.StatusOK {
		return apiErrorResult(p.MetricName, endpointFailureMessage(p.ObjectType+" search", matching.Status))
	}

	return MetricResult{
		Metric:      p.MetricName,
		Value:       percentValue(matching.Total, total.Total),
		Description: p.Description,
	}
}

// AssociationRateProbe measures the share of contacts linked to a company.
type AssociationRateProbe struct{}

// Name returns the metric name.
func (p *AssociationRateProbe) Name() string {
	return "contact_company_association_rate"
}

// Compute counts contacts carrying the company-association property against
// the total contact count.
func (p *AssociationRateProbe) Compute(ctx context.Context, session Session) MetricResult {
	total, err := session.Client.SearchCount(ctx, session.AccessToken, ObjectTypeContacts, nil)
	if err != nil {
		return apiErrorResult(p.Name(), fmt.Sprintf("count contacts: %v", err))
	}
	if total.Status != crmapi.StatusOK {
		return apiErrorResult(p.Name(), endpointFailureMessage("contact search", total.Status))
	}

	associated, err := session.Client.SearchCount(ctx, session.AccessToken, ObjectTypeContacts, []crmapi.FilterGroup{{
		Filters: []crmapi.Filter{{
			PropertyName: "associatedcompanyid",
			Operator:     crmapi.OperatorHasProperty,
		}},
	}})
	if err != nil {
		return apiErrorResult(p.Name(), fmt.Sprintf("count associated contacts: %v", err))
	}
	if associated.Status != crmapi.StatusOK {
		return apiErrorResult(p.Name(), endpointFailureMessage("contact search", associated.Status))
	}

	return MetricResult{
		Metric:      p.Name(),
		Value:       percentValue(associated.Total, total.Total),
		Description: "Contacts associated with a company record",
	}
}

// PropertyQualityProbe measures how many custom property definitions carry a
// description.
type PropertyQualityProbe struct {
	ObjectType string
}

// Name returns the metric name.
func (p *PropertyQualityProbe) Name() string {
	return "custom_property_description_rate"
}

// Compute reports the described share of custom (non-provider-defined)
// property definitions, or "N/A" when the account has none.
func (p *PropertyQualityProbe) Compute(ctx context.Context, session Session) MetricResult {
	definitions, err := session.Client.ListProperties(ctx, session.AccessToken, p.ObjectType)
	if err != nil {
		return apiErrorResult(p.Name(), fmt.Sprintf("list %s properties: %v", p.ObjectType, err))
	}
	if definitions.Status != crmapi.StatusOK {
		return apiErrorResult(p.Name(), endpointFailureMessage("property listing", definitions.Status))
	}

	custom := 0
	described := 0
	for _, definition := range definitions.Properties {
		if definition.ProviderDefined {
			continue
		}
		custom++
		if strings.TrimSpace(definition.Description) != "" {
			described++
		}
	}

	// "N/A" keeps "no custom properties" distinguishable from "0% described".
	if custom == 0 {
		return MetricResult{
			Metric:      p.Name(),
			Value:       "N/A",
			Description: fmt.Sprintf("No custom %s properties defined", p.ObjectType),
		}
	}

	return MetricResult{
		Metric:      p.Name(),
		Value:       percentValue(described, custom),
		Description: fmt.Sprintf("Custom %s properties with a non-empty description", p.ObjectType),
	}
}

// DealRotProbe counts open deals without recent activity.
type DealRotProbe struct {
	StaleThreshold time.Duration
	Now            func() time.Time
}

// Name returns the metric name.
func (p *DealRotProbe) Name() string {
	return "stale_open_deals"
}

// Compute counts open deals whose last activity is older than the threshold.
// This is a raw count, not a rate.
func (p *DealRotProbe) Compute(ctx context.Context, session Session) MetricResult {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	threshold := p.StaleThreshold
	if threshold <= 0 {
		threshold = 30 * 24 * time.Hour
	}
	cutoff := now().Add(-threshold).UTC()

	stale, err := session.Client.SearchCount(ctx, session.AccessToken, ObjectTypeDeals, []crmapi.FilterGroup{{
		Filters: []crmapi.Filter{
			{PropertyName: "dealstage", Operator: crmapi.OperatorNotEquals, Value: "closedwon"},
			{PropertyName: "dealstage", Operator: crmapi.OperatorNotEquals, Value: "closedlost"},
			{
				PropertyName: "notes_last_updated",
				Operator:     crmapi.OperatorLessThan,
				Value:        strconv.FormatInt(cutoff.UnixMilli(), 10),
			},
		},
	}})
	if err != nil {
		return apiErrorResult(p.Name(), fmt.Sprintf("count stale deals: %v", err))
	}
	if stale.Status != crmapi.StatusOK {
		return apiErrorResult(p.Name(), endpointFailureMessage("deal search", stale.Status))
	}

	return MetricResult{
		Metric:      p.Name(),
		Value:       strconv.Itoa(stale.Total),
		Description: fmt.Sprintf("Open deals with no activity in the last %d days", int(threshold.Hours()/24)),
	}
}

// DistributionProbe reports the in-use value breakdown of a categorical
// property. Property selects which contact property is inspected; the metric
// name stays "lifecycle_distribution" either way.
type DistributionProbe struct {
	Property string
}

// Name returns the metric name. It does not vary with Property.
func (p *DistributionProbe) Name() string {
	return "lifecycle_distribution"
}

// Compute counts contacts per declared value of the property. The breakdown
// preserves the provider's declared option order.
func (p *DistributionProbe) Compute(ctx context.Context, session Session) MetricResult {
	definitions, err := session.Client.ListProperties(ctx, session.AccessToken, ObjectTypeContacts)
	if err != nil {
		return apiErrorResult(p.Name(), fmt.Sprintf("list contact properties: %v", err))
	}
	if definitions.Status == crmapi.StatusForbidden {
		return apiErrorResult(p.Name(), tierMessage("property listing"))
	}
	if definitions.Status != crmapi.StatusOK {
		return apiErrorResult(p.Name(), endpointFailureMessage("property listing", definitions.Status))
	}

	var options []crmapi.PropertyOption
	for _, definition := range definitions.Properties {
		if definition.Name == p.Property {
			options = definition.Options
			break
		}
	}
	if len(options) == 0 {
		return MetricResult{
			Metric:      p.Name(),
			Value:       "0",
			Description: fmt.Sprintf("Property %q declares no categorical values", p.Property),
		}
	}

	details := make([]CategoryCount, 0, len(options))
	inUse := 0
	for _, option := range options {
		count, err := session.Client.SearchCount(ctx, session.AccessToken, ObjectTypeContacts, []crmapi.FilterGroup{{
			Filters: []crmapi.Filter{{
				PropertyName: p.Property,
				Operator:     crmapi.OperatorEquals,
				Value:        option.Value,
			}},
		}})
		if err != nil {
			return apiErrorResult(p.Name(), fmt.Sprintf("count %s=%s: %v", p.Property, option.Value, err))
		}
		if count.Status == crmapi.StatusForbidden {
			return apiErrorResult(p.Name(), tierMessage("categorical search"))
		}
		if count.Status != crmapi.StatusOK {
			return apiErrorResult(p.Name(), endpointFailureMessage("categorical search", count.Status))
		}

		label := option.Label
		if label == "" {
			label = option.Value
		}
		details = append(details, CategoryCount{Category: label, Count: count.Total})
		if count.Total > 0 {
			inUse++
		}
	}

	return MetricResult{
		Metric:      p.Name(),
		Value:       strconv.Itoa(inUse),
		Description: fmt.Sprintf("Distinct %s values in use", p.Property),
		Details:     details,
	}
}

// ActiveWorkflowsProbe counts enabled provider-side automations.
type ActiveWorkflowsProbe struct{}

// Name returns the metric name.
func (p *ActiveWorkflowsProbe) Name() string {
	return "active_workflows"
}

// Compute counts enabled entries in the automation listing. The endpoint is
// tier-gated on some accounts and must degrade, not hard-fail.
func (p *ActiveWorkflowsProbe) Compute(ctx context.Context, session Session) MetricResult {
	listing, err := session.Client.ListWorkflows(ctx, session.AccessToken)
	if err != nil {
		return apiErrorResult(p.Name(), fmt.Sprintf("list workflows: %v", err))
	}
	if listing.Status == crmapi.StatusForbidden {
		return apiErrorResult(p.Name(), tierMessage("automation listing"))
	}
	if listing.Status != crmapi.StatusOK {
		return apiErrorResult(p.Name(), endpointFailureMessage("automation listing", listing.Status))
	}

	active := 0
	for _, workflow := range listing.Workflows {
		if workflow.Enabled {
			active++
		}
	}

	return MetricResult{
		Metric:      p.Name(),
		Value:       strconv.Itoa(active),
		Description: "Enabled workflows in the automation listing",
	}
}

func endpointFailureMessage(operation string, status crmapi.EndpointStatus) string {
	return fmt.Sprintf("%s returned status %q", operation, status)
}

func tierMessage(operation string) string {
	return fmt.Sprintf("%s requires a higher subscription tier on this account", operation)
}
