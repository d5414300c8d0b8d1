package manifest

import "errors"

// ErrBaselineRequired is returned by Files when m is a delta-manifest and
// no baseline was supplied.
var ErrBaselineRequired = errors.New("manifest: delta-manifest requires a baseline")

// Files returns the effective file list for a checkin manifest (spec
// §4.2 "Iteration"). For a baseline manifest it is simply the sorted F
// cards. For a delta-manifest, baseline must be the parsed baseline
// manifest; the two sorted lists are merged in lockstep by filename: the
// overlay entry wins where present (an overlay entry with an empty UUID
// means the file was deleted and is omitted), otherwise the baseline
// entry passes through unchanged.
func (m *Manifest) Files(baseline *Manifest) ([]FileCard, error) {
	if m.Kind != Checkin {
		return nil, errors.New("manifest: Files is only defined for checkin manifests")
	}
	if !m.IsDelta() {
		return m.FCards, nil
	}
	if baseline == nil {
		return nil, ErrBaselineRequired
	}
	return mergeFiles(baseline.FCards, m.FCards), nil
}

func mergeFiles(base, overlay []FileCard) []FileCard {
	out := make([]FileCard, 0, len(base)+len(overlay))
	i, j := 0, 0
	for i < len(base) || j < len(overlay) {
		switch {
		case j >= len(overlay) || (i < len(base) && base[i].Name < overlay[j].Name):
			out = append(out, base[i])
			i++
		case i >= len(base) || overlay[j].Name < base[i].Name:
			if overlay[j].UUID != "" {
				out = append(out, overlay[j])
			}
			j++
		default: // same filename: overlay replaces (or deletes) baseline
			if overlay[j].UUID != "" {
				out = append(out, overlay[j])
			}
			i++
			j++
		}
	}
	return out
}
