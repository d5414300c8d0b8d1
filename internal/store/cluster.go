package store

import (
	"sort"

	"github.com/vcscore/vcscore/internal/manifest"
)

// defaultUnclusteredThreshold and defaultMaxClusterSize are the spec §4.1
// "Cluster maintenance" values: once more than the threshold of
// non-phantom rids are unclustered, seal them into one or more cluster
// artifacts of at most the chunk size each. Overridable per deployment
// via SetClusterLimits.
const (
	defaultUnclusteredThreshold = 100
	defaultMaxClusterSize       = 800
)

// SetClusterLimits overrides the cluster-maintenance defaults. Values
// below one keep the current setting.
func (r *Repository) SetClusterLimits(threshold, maxSize int) {
	if threshold > 0 {
		r.unclusteredThreshold = threshold
	}
	if maxSize > 0 {
		r.maxClusterSize = maxSize
	}
}

// SealClusters seals unclustered non-phantom artifacts into new cluster
// artifacts once their count exceeds the unclustered threshold, returning
// the rids of any clusters it created. Phantoms are left in unclustered,
// per invariant I6 (spec §8): a cluster never names an artifact without
// content.
func (r *Repository) SealClusters() ([]RID, error) {
	pending, err := r.IterUnclustered()
	if err != nil {
		return nil, err
	}

	type member struct {
		rid  RID
		uuid string
	}
	members := make([]member, 0, len(pending))
	for _, rid := range pending {
		phantom, err := r.IsPhantom(rid)
		if err != nil {
			return nil, err
		}
		if phantom {
			continue
		}
		uuid, err := r.UUIDOf(rid)
		if err != nil {
			return nil, err
		}
		members = append(members, member{rid: rid, uuid: uuid})
	}

	if len(members) <= r.unclusteredThreshold {
		return nil, nil
	}

	sort.Slice(members, func(i, j int) bool { return members[i].uuid < members[j].uuid })

	var sealed []RID
	for start := 0; start < len(members); start += r.maxClusterSize {
		end := start + r.maxClusterSize
		if end > len(members) {
			end = len(members)
		}
		chunk := members[start:end]

		uuids := make([]string, len(chunk))
		rids := make([]RID, len(chunk))
		for i, m := range chunk {
			uuids[i] = m.uuid
			rids[i] = m.rid
		}

		body, err := manifest.Serialize(&manifest.Manifest{ClusterMembers: uuids})
		if err != nil {
			return nil, err
		}
		clusterRid, err := r.Put(body, PutOptions{})
		if err != nil {
			return nil, err
		}
		if err := r.ClearUnclustered(rids); err != nil {
			return nil, err
		}
		sealed = append(sealed, clusterRid)
	}
	return sealed, nil
}
