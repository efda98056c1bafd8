package coverage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratosec/idposture/internal/model"
)

func identity(externalID string) *model.Entity {
	return &model.Entity{
		ID:         "ent-" + externalID,
		EntityType: model.EntityTypeIdentity,
		ExternalID: externalID,
		Normalized: model.NormalizedData{Name: externalID},
	}
}

func mfaPolicy(id string, includeUsers, includeApps []string) Policy {
	return Policy{
		ID:                  id,
		DisplayName:         id,
		State:               "enabled",
		RequiresMFA:         true,
		IncludeUsers:        includeUsers,
		IncludeApplications: includeApps,
	}
}

func TestEvaluate_SecurityDefaultsAdminIsFull(t *testing.T) {
	// Policies must be irrelevant once security defaults are on.
	finding := Evaluate(Input{
		Identity:                identity("admin1"),
		Policies:                []Policy{mfaPolicy("p1", []string{AllSentinel}, []string{"app-1"})},
		SecurityDefaultsEnabled: true,
		IsAdmin:                 true,
	})
	assert.Equal(t, model.CoverageFull, finding.Coverage)
	assert.Empty(t, finding.Reason)
}

func TestEvaluate_SecurityDefaultsNonAdminIsPartial(t *testing.T) {
	finding := Evaluate(Input{
		Identity:                identity("user1"),
		Policies:                []Policy{mfaPolicy("p1", []string{AllSentinel}, []string{AllSentinel})},
		SecurityDefaultsEnabled: true,
		IsAdmin:                 false,
	})
	assert.Equal(t, model.CoveragePartial, finding.Coverage)
	assert.Equal(t, BaselineReason, finding.Reason)
}

func TestEvaluate_FullCoverageShortCircuit(t *testing.T) {
	partial := mfaPolicy("partial", []string{AllSentinel}, []string{"app-1", "app-2"})
	full := mfaPolicy("full", []string{AllSentinel}, []string{AllSentinel})

	// Full wins regardless of evaluation order.
	for _, policies := range [][]Policy{{partial, full}, {full, partial}} {
		finding := Evaluate(Input{Identity: identity("user1"), Policies: policies})
		assert.Equal(t, model.CoverageFull, finding.Coverage)
		assert.Empty(t, finding.Reason)
	}
}

func TestEvaluate_PartialReportsFirstMatchReason(t *testing.T) {
	first := mfaPolicy("first", []string{AllSentinel}, []string{"app-1"})
	second := mfaPolicy("second", []string{AllSentinel}, []string{"app-1", "app-2", "app-3"})

	finding := Evaluate(Input{Identity: identity("user1"), Policies: []Policy{first, second}})
	require.Equal(t, model.CoveragePartial, finding.Coverage)
	assert.Contains(t, finding.Reason, `"first"`)
	assert.Contains(t, finding.Reason, "covers 1 specific applications")
}

func TestEvaluate_NoApplyingPolicyIsNone(t *testing.T) {
	other := mfaPolicy("other", []string{"someone-else"}, []string{AllSentinel})

	finding := Evaluate(Input{Identity: identity("user1"), Policies: []Policy{other}})
	assert.Equal(t, model.CoverageNone, finding.Coverage)
	assert.NotEmpty(t, finding.Reason)
}

func TestEvaluate_GroupInclusion(t *testing.T) {
	p := mfaPolicy("p1", nil, []string{AllSentinel})
	p.IncludeGroups = []string{"grp-sec"}

	finding := Evaluate(Input{
		Identity: identity("user1"),
		Policies: []Policy{p},
		GroupIDs: []string{"grp-sec"},
	})
	assert.Equal(t, model.CoverageFull, finding.Coverage)

	finding = Evaluate(Input{
		Identity: identity("user1"),
		Policies: []Policy{p},
		GroupIDs: []string{"grp-other"},
	})
	assert.Equal(t, model.CoverageNone, finding.Coverage)
}

func TestEvaluate_ExclusionsBeatInclusions(t *testing.T) {
	byUser := mfaPolicy("p1", []string{AllSentinel}, []string{AllSentinel})
	byUser.ExcludeUsers = []string{"user1"}

	finding := Evaluate(Input{Identity: identity("user1"), Policies: []Policy{byUser}})
	assert.Equal(t, model.CoverageNone, finding.Coverage)

	byGroup := mfaPolicy("p2", []string{AllSentinel}, []string{AllSentinel})
	byGroup.ExcludeGroups = []string{"grp-exempt"}

	finding = Evaluate(Input{
		Identity: identity("user1"),
		Policies: []Policy{byGroup},
		GroupIDs: []string{"grp-exempt"},
	})
	assert.Equal(t, model.CoverageNone, finding.Coverage)
}

func TestEvaluate_SkipsIneligiblePolicies(t *testing.T) {
	disabled := mfaPolicy("disabled", []string{AllSentinel}, []string{AllSentinel})
	disabled.State = "disabled"

	noMFA := mfaPolicy("no-mfa", []string{AllSentinel}, []string{AllSentinel})
	noMFA.RequiresMFA = false

	sentinel := mfaPolicy(SecurityDefaultsPolicyID, []string{AllSentinel}, []string{AllSentinel})

	finding := Evaluate(Input{
		Identity: identity("user1"),
		Policies: []Policy{disabled, noMFA, sentinel},
	})
	assert.Equal(t, model.CoverageNone, finding.Coverage)
}

func TestEvaluate_DirectUserInclusion(t *testing.T) {
	p := mfaPolicy("p1", []string{"user1"}, []string{AllSentinel})

	finding := Evaluate(Input{Identity: identity("user1"), Policies: []Policy{p}})
	assert.Equal(t, model.CoverageFull, finding.Coverage)

	finding = Evaluate(Input{Identity: identity("user2"), Policies: []Policy{p}})
	assert.Equal(t, model.CoverageNone, finding.Coverage)
}

func TestPolicyFromEntity(t *testing.T) {
	e := &model.Entity{
		ID:         "pol-1",
		EntityType: model.EntityTypePolicy,
		ExternalID: "ca-policy-1",
		Normalized: model.NormalizedData{Name: "Require MFA"},
		RawData: map[string]interface{}{
			"state":                "enabled",
			"requires_mfa":         true,
			"include_users":        []interface{}{"All"},
			"include_applications": []interface{}{"app-42"},
		},
	}

	p, err := PolicyFromEntity(e)
	require.NoError(t, err)
	assert.Equal(t, "ca-policy-1", p.ID)
	assert.Equal(t, "Require MFA", p.DisplayName)
	assert.True(t, p.Enabled())
	assert.True(t, p.RequiresMFA)
	assert.Equal(t, []string{"All"}, p.IncludeUsers)
	assert.Equal(t, []string{"app-42"}, p.IncludeApplications)
}
