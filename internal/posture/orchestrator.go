// Package posture composes coverage evaluation with admin classification to
// produce alert and tag deltas for a data source's identities.
package posture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/stratosec/idposture/internal/aggregate"
	"github.com/stratosec/idposture/internal/bus"
	"github.com/stratosec/idposture/internal/config"
	"github.com/stratosec/idposture/internal/coverage"
	"github.com/stratosec/idposture/internal/lifecycle"
	"github.com/stratosec/idposture/internal/metrics"
	"github.com/stratosec/idposture/internal/model"
	"github.com/stratosec/idposture/internal/store"
)

// Alert types owned by the posture pipeline.
const (
	AlertTypeNoMFA      = "mfa_not_enforced"
	AlertTypePartialMFA = "mfa_partial_enforced"
)

// Tags owned by the posture pipeline. Tags from other categories (guest
// detection, staleness, ...) on the same entity are preserved untouched.
const (
	TagAdmin      = "Admin"
	TagNoMFA      = "No MFA"
	TagPartialMFA = "Partial MFA"
)

// AnalysisSubject is the stage-completion subject published after each run.
const AnalysisSubject = "posture.analysis"

// ErrUnknownIdentity is returned by EvaluateIdentity when the requested
// entity does not exist or is not an identity.
var ErrUnknownIdentity = errors.New("unknown identity")

// AnalysisEvent is published after evaluation completes.
type AnalysisEvent struct {
	SyncID       string `json:"sync_id"`
	TenantID     string `json:"tenant_id"`
	DataSourceID string `json:"data_source_id"`
	Evaluated    int    `json:"evaluated"`
	Findings     int    `json:"findings"`
	Failures     int    `json:"failures"`
}

// Orchestrator drives one posture evaluation run per aggregated event.
type Orchestrator struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	bus       bus.Bus
	cfg       *config.Loader
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewOrchestrator creates a posture orchestrator.
func NewOrchestrator(st store.Store, lm *lifecycle.Manager, b bus.Bus, cfg *config.Loader, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		lifecycle: lm,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// batchContext is everything loaded once per run and shared across the
// per-identity evaluations.
type batchContext struct {
	policies         []coverage.Policy
	securityDefaults bool
	groupsOf         map[string][]string
	admins           map[string]bool
}

// Run evaluates the posture of a data source's identities after the
// relationship graph has been reconciled. Per-identity failures are logged
// and skipped so one bad record never blocks convergence of the rest.
func (o *Orchestrator) Run(ctx context.Context, ev aggregate.Event) error {
	start := time.Now()

	identities, err := o.store.ListEntities(ctx, store.EntityFilter{
		TenantID:     ev.TenantID,
		DataSourceID: ev.DataSourceID,
		EntityType:   model.EntityTypeIdentity,
	})
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}

	bc, err := o.loadBatchContext(ctx, ev)
	if err != nil {
		return err
	}

	targets := o.selectTargets(identities, ev, bc)

	failures := 0
	findings := 0
	for _, identity := range targets {
		if identity.DeletedAt != nil {
			continue
		}
		finding, isAdmin := o.evaluate(identity, bc)
		if finding.Coverage != model.CoverageFull {
			findings++
		}
		if err := o.applyFinding(ctx, identity, finding, isAdmin); err != nil {
			o.logger.Error("Failed to apply posture result",
				"entity_id", identity.ID,
				"error", err)
			if o.metrics != nil {
				o.metrics.EntityFailures.Inc()
			}
			failures++
		}
	}

	if o.metrics != nil {
		o.metrics.FindingsGenerated.Add(float64(findings))
		o.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}

	o.logger.Info("Posture evaluation completed",
		"sync_id", ev.SyncID,
		"data_source_id", ev.DataSourceID,
		"evaluated", len(targets),
		"findings", findings,
		"failures", failures)

	if o.bus != nil {
		event := AnalysisEvent{
			SyncID:       ev.SyncID,
			TenantID:     ev.TenantID,
			DataSourceID: ev.DataSourceID,
			Evaluated:    len(targets),
			Findings:     findings,
			Failures:     failures,
		}
		if err := o.bus.Publish(AnalysisSubject, event); err != nil {
			o.logger.Error("Failed to publish analysis event", "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) loadBatchContext(ctx context.Context, ev aggregate.Event) (*batchContext, error) {
	policyEntities, err := o.store.ListEntities(ctx, store.EntityFilter{
		TenantID:     ev.TenantID,
		DataSourceID: ev.DataSourceID,
		EntityType:   model.EntityTypePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}

	bc := &batchContext{groupsOf: make(map[string][]string)}
	for _, pe := range policyEntities {
		if pe.DeletedAt != nil {
			continue
		}
		p, err := coverage.PolicyFromEntity(pe)
		if err != nil {
			o.logger.Warn("Skipping unreadable policy entity",
				"entity_id", pe.ID,
				"error", err)
			continue
		}
		if p.ID == coverage.SecurityDefaultsPolicyID {
			bc.securityDefaults = p.Enabled()
			continue
		}
		bc.policies = append(bc.policies, p)
	}

	groups, err := o.store.ListEntities(ctx, store.EntityFilter{
		TenantID:     ev.TenantID,
		DataSourceID: ev.DataSourceID,
		EntityType:   model.EntityTypeGroup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	groupExternalID := make(map[string]string, len(groups))
	for _, g := range groups {
		groupExternalID[g.ID] = g.ExternalID
	}

	roles, err := o.store.ListEntities(ctx, store.EntityFilter{
		TenantID:     ev.TenantID,
		DataSourceID: ev.DataSourceID,
		EntityType:   model.EntityTypeRole,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	rolesByID := make(map[string]*model.Entity, len(roles))
	for _, r := range roles {
		rolesByID[r.ID] = r
	}

	relationships, err := o.store.ListRelationships(ctx, ev.TenantID, ev.DataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	for _, rel := range relationships {
		if rel.Type != model.RelTypeMemberOf {
			continue
		}
		ext, ok := groupExternalID[rel.ChildEntityID]
		if !ok {
			o.logger.Warn("Membership references missing group entity",
				"relationship_id", rel.ID,
				"group_entity_id", rel.ChildEntityID)
			continue
		}
		bc.groupsOf[rel.ParentEntityID] = append(bc.groupsOf[rel.ParentEntityID], ext)
	}

	snapshot := o.cfg.GetSnapshot()
	bc.admins = AdminIdentities(relationships, rolesByID, snapshot.AdminRoleNames, o.logger)
	return bc, nil
}

// selectTargets limits evaluation to changed identities when that is sound.
// A changed policy (or an unenumerated change set) forces a full pass, since
// policy scope changes affect every identity.
func (o *Orchestrator) selectTargets(identities []*model.Entity, ev aggregate.Event, bc *batchContext) []*model.Entity {
	if ev.ChangedEntityIDs == nil {
		return identities
	}

	changed := make(map[string]struct{}, len(ev.ChangedEntityIDs))
	for _, id := range ev.ChangedEntityIDs {
		changed[id] = struct{}{}
	}

	byID := make(map[string]*model.Entity, len(identities))
	for _, e := range identities {
		byID[e.ID] = e
	}

	var targets []*model.Entity
	for id := range changed {
		e, ok := byID[id]
		if !ok {
			// Changed entity is not an identity: a policy, group or role
			// change can widen or narrow scope for anyone.
			return identities
		}
		targets = append(targets, e)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets
}

func (o *Orchestrator) evaluate(identity *model.Entity, bc *batchContext) (model.CoverageFinding, bool) {
	isAdmin := bc.admins[identity.ID]
	finding := coverage.Evaluate(coverage.Input{
		Identity:                identity,
		Policies:                bc.policies,
		SecurityDefaultsEnabled: bc.securityDefaults,
		GroupIDs:                bc.groupsOf[identity.ID],
		IsAdmin:                 isAdmin,
	})
	return finding, isAdmin
}

// EvaluateIdentity runs coverage evaluation for a single identity on demand,
// used by the read-only HTTP API. It loads a fresh batch context scoped to
// the identity's data source.
func (o *Orchestrator) EvaluateIdentity(ctx context.Context, entityID string) (model.CoverageFinding, bool, error) {
	identity, err := o.store.GetEntity(ctx, entityID)
	if err != nil {
		return model.CoverageFinding{}, false, fmt.Errorf("failed to load entity: %w", err)
	}
	if identity == nil || identity.EntityType != model.EntityTypeIdentity {
		return model.CoverageFinding{}, false, fmt.Errorf("entity %s: %w", entityID, ErrUnknownIdentity)
	}

	bc, err := o.loadBatchContext(ctx, aggregate.Event{
		TenantID:     identity.TenantID,
		DataSourceID: identity.DataSourceID,
	})
	if err != nil {
		return model.CoverageFinding{}, false, err
	}

	finding, isAdmin := o.evaluate(identity, bc)
	return finding, isAdmin, nil
}

// severityFor maps (coverage, isAdmin) to an alert severity. Full coverage
// has no finding.
func severityFor(cov model.Coverage, isAdmin bool) model.Severity {
	switch cov {
	case model.CoverageNone:
		if isAdmin {
			return model.SeverityCritical
		}
		return model.SeverityHigh
	case model.CoveragePartial:
		if isAdmin {
			return model.SeverityHigh
		}
		return model.SeverityMedium
	default:
		return ""
	}
}

func (o *Orchestrator) applyFinding(ctx context.Context, identity *model.Entity, finding model.CoverageFinding, isAdmin bool) error {
	if err := o.applyTags(ctx, identity, finding.Coverage, isAdmin); err != nil {
		return err
	}

	if finding.Coverage == model.CoverageFull {
		return o.lifecycle.Resolve(ctx, identity.ID)
	}

	alertType := AlertTypeNoMFA
	message := fmt.Sprintf("Account %q has no MFA enforcement", identity.Normalized.Name)
	if finding.Coverage == model.CoveragePartial {
		alertType = AlertTypePartialMFA
		message = fmt.Sprintf("Account %q has partial MFA enforcement", identity.Normalized.Name)
	}

	metadata := map[string]interface{}{
		"coverage": string(finding.Coverage),
		"admin":    isAdmin,
	}
	if finding.Reason != "" {
		metadata["reason"] = finding.Reason
	}
	if len(identity.Normalized.Licenses) == 0 {
		metadata["unlicensed"] = true
	}

	// Only one of the two owned alert types may stay active; resolve the
	// other before applying so a none→partial transition does not leave a
	// stale companion alert.
	other := AlertTypeNoMFA
	if alertType == AlertTypeNoMFA {
		other = AlertTypePartialMFA
	}
	stale, err := o.store.ListActiveAlerts(ctx, identity.ID, []string{other})
	if err != nil {
		return fmt.Errorf("failed to query companion alerts: %w", err)
	}
	if len(stale) > 0 {
		if err := o.lifecycle.ResolveTypes(ctx, identity.ID, []string{other}); err != nil {
			return err
		}
	}

	return o.lifecycle.Apply(ctx, lifecycle.Finding{
		EntityID:  identity.ID,
		TenantID:  identity.TenantID,
		AlertType: alertType,
		Severity:  severityFor(finding.Coverage, isAdmin),
		Message:   message,
		Metadata:  metadata,
	})
}

// applyTags writes the symmetric difference of the owned tag categories:
// desired owned tags unioned with every tag the pipeline does not own, with
// a store write only when the result differs from what is stored.
func (o *Orchestrator) applyTags(ctx context.Context, identity *model.Entity, cov model.Coverage, isAdmin bool) error {
	ownedSet := map[string]struct{}{
		TagAdmin:      {},
		TagNoMFA:      {},
		TagPartialMFA: {},
	}

	var desired []string
	if isAdmin {
		desired = append(desired, TagAdmin)
	}
	switch cov {
	case model.CoverageNone:
		desired = append(desired, TagNoMFA)
	case model.CoveragePartial:
		desired = append(desired, TagPartialMFA)
	}

	var next []string
	for _, tag := range identity.Normalized.Tags {
		if _, owned := ownedSet[tag]; !owned {
			next = append(next, tag)
		}
	}
	next = append(next, desired...)
	sort.Strings(next)

	current := append([]string(nil), identity.Normalized.Tags...)
	sort.Strings(current)
	if equalStrings(current, next) {
		return nil
	}

	patch := store.EntityPatch{ID: identity.ID, Tags: &next}
	if err := o.store.UpdateEntities(ctx, []store.EntityPatch{patch}); err != nil {
		return fmt.Errorf("failed to update tags: %w", err)
	}
	o.logger.Info("Tags updated",
		"entity_id", identity.ID,
		"tags", next)
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
