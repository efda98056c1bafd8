// Package coverage classifies an identity's multi-factor-authentication
// protection as none, partial or full. Evaluation is pure: no I/O, fully
// deterministic for a given input.
package coverage

import (
	"encoding/json"
	"fmt"

	"github.com/stratosec/idposture/internal/model"
)

// AllSentinel marks a policy scope that covers every user or application.
const AllSentinel = "All"

// SecurityDefaultsPolicyID is the well-known external id of the tenant-wide
// baseline protection pseudo-policy. It is never evaluated as a conditional
// access policy.
const SecurityDefaultsPolicyID = "security-defaults"

// BaselineReason explains why baseline-only tenants leave regular users
// partially covered.
const BaselineReason = "baseline enforcement only covers administrator accounts, not regular users"

// Policy is a conditional access policy in vendor-neutral form.
type Policy struct {
	ID                  string   `json:"id"`
	DisplayName         string   `json:"display_name"`
	State               string   `json:"state"`
	RequiresMFA         bool     `json:"requires_mfa"`
	IncludeUsers        []string `json:"include_users,omitempty"`
	ExcludeUsers        []string `json:"exclude_users,omitempty"`
	IncludeGroups       []string `json:"include_groups,omitempty"`
	ExcludeGroups       []string `json:"exclude_groups,omitempty"`
	IncludeApplications []string `json:"include_applications,omitempty"`
}

// Enabled reports whether the policy is active.
func (p Policy) Enabled() bool {
	return p.State == "enabled"
}

// PolicyFromEntity decodes a policy entity's raw payload. The ingestion stage
// stores policies with the Policy field names; anything unreadable is
// reported so the caller can skip it with a warning.
func PolicyFromEntity(e *model.Entity) (Policy, error) {
	data, err := json.Marshal(e.RawData)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to encode policy payload: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to decode policy payload: %w", err)
	}
	if p.ID == "" {
		p.ID = e.ExternalID
	}
	if p.DisplayName == "" {
		p.DisplayName = e.Normalized.Name
	}
	return p, nil
}

// Input is everything the engine needs to classify one identity.
type Input struct {
	Identity *model.Entity

	// Policies are scanned in the given order. Disabled policies, policies
	// without an MFA grant and the security-defaults pseudo-policy are
	// skipped by the engine.
	Policies []Policy

	SecurityDefaultsEnabled bool

	// GroupIDs are the external ids of the groups the identity belongs to.
	GroupIDs []string

	// IsAdmin is pre-computed once per batch from the relationship graph,
	// never re-derived per policy.
	IsAdmin bool
}

// Evaluate classifies one identity's MFA protection.
//
// Precedence: security defaults short-circuit everything; otherwise the
// enabled MFA policies are scanned in order, returning full the moment an
// applying policy covers all applications. A partial match never downgrades
// back to none, and the first partial match supplies the reason even when
// later partial matches exist.
func Evaluate(in Input) model.CoverageFinding {
	finding := model.CoverageFinding{EntityID: in.Identity.ID}

	if in.SecurityDefaultsEnabled {
		if in.IsAdmin {
			finding.Coverage = model.CoverageFull
			return finding
		}
		finding.Coverage = model.CoveragePartial
		finding.Reason = BaselineReason
		return finding
	}

	groups := make(map[string]struct{}, len(in.GroupIDs))
	for _, g := range in.GroupIDs {
		groups[g] = struct{}{}
	}

	partialFound := false
	partialReason := ""

	for _, p := range in.Policies {
		if !p.Enabled() || !p.RequiresMFA || p.ID == SecurityDefaultsPolicyID {
			continue
		}
		if !policyApplies(p, in.Identity.ExternalID, groups) {
			continue
		}

		if containsSentinel(p.IncludeApplications) {
			finding.Coverage = model.CoverageFull
			finding.Reason = ""
			return finding
		}

		if !partialFound {
			partialFound = true
			partialReason = fmt.Sprintf("policy %q covers %d specific applications, not all",
				p.DisplayName, len(p.IncludeApplications))
		}
	}

	if partialFound {
		finding.Coverage = model.CoveragePartial
		finding.Reason = partialReason
		return finding
	}

	finding.Coverage = model.CoverageNone
	finding.Reason = "no enabled policy or baseline protection enforces MFA for this account"
	return finding
}

// policyApplies reports whether a policy's user scope covers the identity:
// not excluded directly or via group, and included via the All sentinel, by
// external id, or through a group it belongs to.
func policyApplies(p Policy, externalID string, groups map[string]struct{}) bool {
	for _, u := range p.ExcludeUsers {
		if u == externalID {
			return false
		}
	}
	for _, g := range p.ExcludeGroups {
		if _, ok := groups[g]; ok {
			return false
		}
	}

	for _, u := range p.IncludeUsers {
		if u == AllSentinel || u == externalID {
			return true
		}
	}
	for _, g := range p.IncludeGroups {
		if _, ok := groups[g]; ok {
			return true
		}
	}
	return false
}

func containsSentinel(values []string) bool {
	for _, v := range values {
		if v == AllSentinel {
			return true
		}
	}
	return false
}
