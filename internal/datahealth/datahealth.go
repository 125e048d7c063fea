package datahealth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/readyscope/crm-audit/internal/crmapi"
)

// ErrUnknownFindingType is returned for a details request naming no known
// data-health finding.
var ErrUnknownFindingType = errors.New("unknown data-health finding type")

// Finding types accepted by Details.
const (
	FindingOrphanedContacts  = "orphaned_contacts"
	FindingEmptyCompanies    = "empty_companies"
	FindingContactDuplicates = "contact_duplicates"
	FindingCompanyDuplicates = "company_duplicates"
)

const (
	objectTypeContacts  = "contacts"
	objectTypeCompanies = "companies"
)

var emptyCompanyFilters = []crmapi.Filter{
	{PropertyName: "domain", Operator: crmapi.OperatorNotHasProperty},
	{PropertyName: "industry", Operator: crmapi.OperatorNotHasProperty},
	{PropertyName: "numberofemployees", Operator: crmapi.OperatorNotHasProperty},
}

// CRMClient is the typed CRM API surface consumed by data-health checks.
type CRMClient interface {
	SearchCount(ctx context.Context, accessToken, objectType string, filterGroups []crmapi.FilterGroup) (crmapi.CountResult, error)
	SearchRecords(ctx context.Context, accessToken, objectType string, filterGroups []crmapi.FilterGroup, properties []string, limit int) (crmapi.RecordsResult, error)
	ListProperties(ctx context.Context, accessToken, objectType string) (crmapi.PropertiesResult, error)
}

// PropertyFill is the sampled fill rate of one property.
type PropertyFill struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	FillRate int    `json:"fillRate"`
}

// PropertyFillReport summarizes sampled custom-property fill for one object type.
type PropertyFillReport struct {
	TotalRecords               int            `json:"totalRecords"`
	TotalProperties            int            `json:"totalProperties"`
	AverageCustomFillRate      int            `json:"averageCustomFillRate"`
	PropertiesWithZeroFillRate int            `json:"propertiesWithZeroFillRate"`
	Properties                 []PropertyFill `json:"properties"`
}

// Summary holds the orphan and duplicate counts.
type Summary struct {
	OrphanedContacts          int `json:"orphanedContacts"`
	EmptyCompanies            int `json:"emptyCompanies"`
	ContactDuplicatesInSample int `json:"contactDuplicatesInSample"`
	CompanyDuplicatesInSample int `json:"companyDuplicatesInSample"`
}

// Service computes data-health reports against the CRM API.
type Service struct {
	client      CRMClient
	sampleLimit int
}

// NewService creates a data-health service. sampleLimit bounds every sampled
// query.
func NewService(client CRMClient, sampleLimit int) *Service {
	if sampleLimit <= 0 {
		sampleLimit = 100
	}
	return &Service{client: client, sampleLimit: sampleLimit}
}

// PropertyFillReport samples records of the object type and reports per-custom-
// property fill rates.
func (s *Service) PropertyFillReport(
	ctx context.Context,
	accessToken string,
	objectType string,
) (PropertyFillReport, error) {
	definitions, err := s.client.ListProperties(ctx, accessToken, objectType)
	if err != nil {
		return PropertyFillReport{}, fmt.Errorf("list %s properties: %w", objectType, err)
	}
	if definitions.Status != crmapi.StatusOK {
		return PropertyFillReport{}, fmt.Errorf("property listing for %q returned status %q", objectType, definitions.Status)
	}

	custom := make([]crmapi.PropertyDefinition, 0, len(definitions.Properties))
	names := make([]string, 0, len(definitions.Properties))
	for _, definition := range definitions.Properties {
		if definition.ProviderDefined {
			continue
		}
		custom = append(custom, definition)
		names = append(names, definition.Name)
	}

	report := PropertyFillReport{
		TotalProperties: len(definitions.Properties),
		Properties:      make([]PropertyFill, 0, len(custom)),
	}
	if len(custom) == 0 {
		return report, nil
	}

	sample, err := s.client.SearchRecords(ctx, accessToken, objectType, nil, names, s.sampleLimit)
	if err != nil {
		return PropertyFillReport{}, fmt.Errorf("sample %s records: %w", objectType, err)
	}
	if sample.Status != crmapi.StatusOK {
		return PropertyFillReport{}, fmt.Errorf("%s search returned status %q", objectType, sample.Status)
	}

	report.TotalRecords = sample.Total
	sampled := len(sample.Records)

	rateSum := 0
	for _, definition := range custom {
		filled := 0
		for _, record := range sample.Records {
			if strings.TrimSpace(record.Properties[definition.Name]) != "" {
				filled++
			}
		}
		rate := sampledPercent(filled, sampled)
		rateSum += rate
		if rate == 0 {
			report.PropertiesWithZeroFillRate++
		}
		report.Properties = append(report.Properties, PropertyFill{
			Name:     definition.Name,
			Label:    definition.Label,
			FillRate: rate,
		})
	}
	report.AverageCustomFillRate = int(math.Round(float64(rateSum) / float64(len(custom))))

	return report, nil
}

// Summary computes the orphan and duplicate counts.
func (s *Service) Summary(ctx context.Context, accessToken string) (Summary, error) {
	orphaned, err := s.countWithStatus(ctx, accessToken, "orphaned contacts", objectTypeContacts, []crmapi.FilterGroup{{
		Filters: []crmapi.Filter{{
			PropertyName: "associatedcompanyid",
			Operator:     crmapi.OperatorNotHasProperty,
		}},
	}})
	if err != nil {
		return Summary{}, err
	}

	empty, err := s.countWithStatus(ctx, accessToken, "empty companies", objectTypeCompanies, []crmapi.FilterGroup{{
		Filters: emptyCompanyFilters,
	}})
	if err != nil {
		return Summary{}, err
	}

	contactDuplicates, err := s.duplicateCount(ctx, accessToken, objectTypeContacts, "email")
	if err != nil {
		return Summary{}, err
	}
	companyDuplicates, err := s.duplicateCount(ctx, accessToken, objectTypeCompanies, "domain")
	if err != nil {
		return Summary{}, err
	}

	return Summary{
		OrphanedContacts:          orphaned,
		EmptyCompanies:            empty,
		ContactDuplicatesInSample: contactDuplicates,
		CompanyDuplicatesInSample: companyDuplicates,
	}, nil
}

// Details returns sample records behind one data-health finding.
func (s *Service) Details(ctx context.Context, accessToken, findingType string) ([]crmapi.ObjectRecord, error) {
	switch findingType {
	case FindingOrphanedContacts:
		return s.sampleRecords(ctx, accessToken, objectTypeContacts, []crmapi.FilterGroup{{
			Filters: []crmapi.Filter{{
				PropertyName: "associatedcompanyid",
				Operator:     crmapi.OperatorNotHasProperty,
			}},
		}}, []string{"firstname", "lastname", "email"})
	case FindingEmptyCompanies:
		return s.sampleRecords(ctx, accessToken, objectTypeCompanies, []crmapi.FilterGroup{{
			Filters: emptyCompanyFilters,
		}}, []string{"name", "createdate"})
	case FindingContactDuplicates:
		return s.duplicateRecords(ctx, accessToken, objectTypeContacts, "email")
	case FindingCompanyDuplicates:
		return s.duplicateRecords(ctx, accessToken, objectTypeCompanies, "domain")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFindingType, findingType)
	}
}

func (s *Service) countWithStatus(
	ctx context.Context,
	accessToken string,
	operation string,
	objectType string,
	groups []crmapi.FilterGroup,
) (int, error) {
	count, err := s.client.SearchCount(ctx, accessToken, objectType, groups)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", operation, err)
	}
	if count.Status != crmapi.StatusOK {
		return 0, fmt.Errorf("count %s returned status %q", operation, count.Status)
	}
	return count.Total, nil
}

func (s *Service) duplicateCount(ctx context.Context, accessToken, objectType, keyProperty string) (int, error) {
	records, err := s.keyedSample(ctx, accessToken, objectType, keyProperty)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]int)
	duplicates := 0
	for _, record := range records {
		key := normalizeKey(record.Properties[keyProperty])
		if key == "" {
			continue
		}
		seen[key]++
		if seen[key] > 1 {
			duplicates++
		}
	}
	return duplicates, nil
}

func (s *Service) duplicateRecords(ctx context.Context, accessToken, objectType, keyProperty string) ([]crmapi.ObjectRecord, error) {
	records, err := s.keyedSample(ctx, accessToken, objectType, keyProperty)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, record := range records {
		counts[normalizeKey(record.Properties[keyProperty])]++
	}

	duplicated := make([]crmapi.ObjectRecord, 0)
	for _, record := range records {
		key := normalizeKey(record.Properties[keyProperty])
		if key != "" && counts[key] > 1 {
			duplicated = append(duplicated, record)
		}
	}
	return duplicated, nil
}

func (s *Service) keyedSample(ctx context.Context, accessToken, objectType, keyProperty string) ([]crmapi.ObjectRecord, error) {
	sample, err := s.client.SearchRecords(ctx, accessToken, objectType, []crmapi.FilterGroup{{
		Filters: []crmapi.Filter{{
			PropertyName: keyProperty,
			Operator:     crmapi.OperatorHasProperty,
		}},
	}}, []string{keyProperty, "createdate"}, s.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("sample %s by %s: %w", objectType, keyProperty, err)
	}
	if sample.Status != crmapi.StatusOK {
		return nil, fmt.Errorf("%s search returned status %q", objectType, sample.Status)
	}
	return sample.Records, nil
}

func (s *Service) sampleRecords(
	ctx context.Context,
	accessToken string,
	objectType string,
	groups []crmapi.FilterGroup,
	properties []string,
) ([]crmapi.ObjectRecord, error) {
	sample, err := s.client.SearchRecords(ctx, accessToken, objectType, groups, properties, s.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("sample %s records: %w", objectType, err)
	}
	if sample.Status != crmapi.StatusOK {
		return nil, fmt.Errorf("%s search returned status %q", objectType, sample.Status)
	}
	return sample.Records, nil
}

func sampledPercent(matching, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(matching) / float64(total) * 100))
}

func normalizeKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
