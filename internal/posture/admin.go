package posture

import (
	"log/slog"
	"strings"

	"github.com/stratosec/idposture/internal/model"
)

// IsAdminRole reports whether a role name marks administrative privilege:
// the name contains "administrator" (case-insensitive) or matches the
// configured allow-list of known admin role names.
func IsAdminRole(name string, allowList []string) bool {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "administrator") {
		return true
	}
	for _, known := range allowList {
		if strings.EqualFold(name, known) {
			return true
		}
	}
	return false
}

// AdminIdentities classifies every identity with at least one role-assignment
// relationship to an administrative role. Computed once per batch from the
// relationship graph and reused by coverage evaluation and severity
// assignment. A role-assignment pointing at a missing role entity is a data
// inconsistency: it is logged and skipped.
func AdminIdentities(relationships []*model.Relationship, rolesByID map[string]*model.Entity, allowList []string, logger *slog.Logger) map[string]bool {
	admins := make(map[string]bool)
	for _, rel := range relationships {
		if rel.Type != model.RelTypeAssignedRole {
			continue
		}
		role, ok := rolesByID[rel.ChildEntityID]
		if !ok {
			logger.Warn("Role assignment references missing role entity",
				"relationship_id", rel.ID,
				"role_entity_id", rel.ChildEntityID)
			continue
		}
		if IsAdminRole(role.Normalized.Name, allowList) {
			admins[rel.ParentEntityID] = true
		}
	}
	return admins
}
