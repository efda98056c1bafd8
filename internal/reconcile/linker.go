package reconcile

import (
	"log/slog"

	"github.com/stratosec/idposture/internal/model"
)

// DirectoryLinker is the built-in LinkFunc for generic directory payloads.
// It derives identity→group, identity→role and identity→license edges from
// reference lists the ingestion stage leaves in each identity's raw payload
// ("member_of", "roles", "licenses": arrays of external ids). Integrations
// with richer linking logic supply their own LinkFunc instead.
func DirectoryLinker(logger *slog.Logger) LinkFunc {
	return func(entities []*model.Entity, dataSourceID string) []Descriptor {
		byExternalID := make(map[model.EntityType]map[string]*model.Entity)
		for _, e := range entities {
			if e.DeletedAt != nil {
				continue
			}
			byType, ok := byExternalID[e.EntityType]
			if !ok {
				byType = make(map[string]*model.Entity)
				byExternalID[e.EntityType] = byType
			}
			byType[e.ExternalID] = e
		}

		var desired []Descriptor
		link := func(identity *model.Entity, refType model.EntityType, relType string, refs []string) {
			for _, ref := range refs {
				target, ok := byExternalID[refType][ref]
				if !ok {
					// Reference to an entity this sync never delivered;
					// skip it and let a later run pick it up.
					logger.Warn("Skipping dangling reference",
						"identity_id", identity.ID,
						"ref_type", refType,
						"external_id", ref)
					continue
				}
				desired = append(desired, Descriptor{
					ParentID: identity.ID,
					ChildID:  target.ID,
					Type:     relType,
					Metadata: map[string]interface{}{"source": "directory"},
				})
			}
		}

		for _, identity := range byExternalID[model.EntityTypeIdentity] {
			link(identity, model.EntityTypeGroup, model.RelTypeMemberOf, stringList(identity.RawData["member_of"]))
			link(identity, model.EntityTypeRole, model.RelTypeAssignedRole, stringList(identity.RawData["roles"]))
			link(identity, model.EntityTypeLicense, model.RelTypeHasLicense, identity.Normalized.Licenses)
		}
		return desired
	}
}

// stringList coerces a decoded JSON array into a string slice, dropping
// non-string members.
func stringList(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		var out []string
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
