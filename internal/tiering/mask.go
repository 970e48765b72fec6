package tiering

import "cartograph/internal/types"

// Masker projects full domain records down to a tier-appropriate view.
// It is pure and safe for concurrent use; the input record is never mutated.
type Masker struct {
	catalog *Catalog
}

// NewMasker returns a masker backed by the given catalogue.
func NewMasker(catalog *Catalog) *Masker {
	return &Masker{catalog: catalog}
}

// Mask returns the tier-gated projection of a domain record. Field-groups are
// passed through, filtered to an allow-list, or replaced with an explicit null
// according to the viewer's tier. Whenever data was withheld, the projection
// carries a "<group>_gated": true flag so clients can render upgrade prompts
// without string-matching on missing keys.
//
// Unknown tiers are projected as free.
func (m *Masker) Mask(d *types.Domain, tier types.Tier) types.MaskedDomain {
	out := types.MaskedDomain{
		Scalars: d.Scalars(),
		Groups:  make(types.FieldGroupSet, len(FieldGroupNames)),
		Gated:   make(map[string]bool, len(FieldGroupNames)),
	}

	for _, group := range FieldGroupNames {
		policy := m.catalog.GroupPolicy(group, tier)
		blob := d.Groups[group]

		switch {
		case policy.Hidden:
			out.Groups[group] = nil
			out.Gated[group] = true

		case policy.Full():
			out.Groups[group] = blob

		default:
			filtered, withheld := filterKeys(blob, policy.AllowedKeys)
			out.Groups[group] = filtered
			if withheld {
				out.Gated[group] = true
			}
		}
	}

	return out
}

// filterKeys copies the allowed sub-keys out of a group blob. The second
// return value reports whether the blob held keys that were withheld. A nil
// blob (group not yet populated by the pipeline) stays nil and is not flagged
// as gated: there was nothing to withhold.
func filterKeys(blob types.JSONMap, allowed []string) (types.JSONMap, bool) {
	if blob == nil {
		return nil, false
	}

	filtered := make(types.JSONMap, len(allowed))
	for _, key := range allowed {
		if v, ok := blob[key]; ok {
			filtered[key] = v
		}
	}
	return filtered, len(blob) > len(filtered)
}
