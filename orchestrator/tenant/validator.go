package tenant

import (
	"encoding/json"
	"fmt"
)

// Violation records a tenant identifier found in a response payload that does
// not belong to the requesting tenant.
type Violation struct {
	Path  string `json:"path"`
	Found string `json:"found"`
}

// IsolationReport summarizes a validation pass over one response payload.
type IsolationReport struct {
	RequestingTenant string      `json:"requesting_tenant"`
	FieldsChecked    int         `json:"fields_checked"`
	Violations       []Violation `json:"violations,omitempty"`
}

// OK reports whether no cross-tenant data leaked into the payload.
func (r *IsolationReport) OK() bool {
	return len(r.Violations) == 0
}

// SuccessRate is fields passing over fields checked. A payload with no
// tenant-shaped fields trivially passes.
func (r *IsolationReport) SuccessRate() float64 {
	if r.FieldsChecked == 0 {
		return 1.0
	}
	return float64(r.FieldsChecked-len(r.Violations)) / float64(r.FieldsChecked)
}

// ValidateIsolation recursively extracts every tenant_id-shaped field from
// the payload and flags values not equal to the requesting tenant. Used by
// load tests; production paths rely on server-side filtering instead.
func ValidateIsolation(requestingTenantID string, payload interface{}) (*IsolationReport, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tenant: payload not serializable: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	report := &IsolationReport{RequestingTenant: requestingTenantID}
	walkTenantFields(decoded, "$", report)
	return report, nil
}

func walkTenantFields(node interface{}, path string, report *IsolationReport) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			childPath := path + "." + key
			if isTenantField(key) {
				report.FieldsChecked++
				if s, ok := child.(string); !ok || s != report.RequestingTenant {
					report.Violations = append(report.Violations, Violation{
						Path:  childPath,
						Found: fmt.Sprintf("%v", child),
					})
				}
				continue
			}
			walkTenantFields(child, childPath, report)
		}
	case []interface{}:
		for i, child := range v {
			walkTenantFields(child, fmt.Sprintf("%s[%d]", path, i), report)
		}
	}
}

func isTenantField(key string) bool {
	switch key {
	case "tenant_id", "tenantId", "tenant":
		return true
	}
	return false
}
