package version

import (
	"context"
	"fmt"

	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
)

// branchOf loads the certificate of v's branch and verifies that v lies on
// the branch over r.
func branchOf(ctx context.Context, h Reader, v Version, r region.Region) (BirthCertificate, error) {
	cert, err := h.Branch(ctx, v.Branch)
	if err != nil {
		return BirthCertificate{}, err
	}
	if v.Timestamp < cert.InitialTimestamp {
		return BirthCertificate{}, fmt.Errorf("version %s predates its branch starting at %d", v, cert.InitialTimestamp)
	}
	if !cert.Region.IsSupersetOf(r) {
		return BirthCertificate{}, fmt.Errorf("branch %s covers %s, not %s", v.Branch, cert.Region, r)
	}
	return cert, nil
}

// IsAncestor reports whether the state named by ancestor precedes the state
// named by descendant over the whole region r.
func IsAncestor(ctx context.Context, h Reader, ancestor, descendant Version, r region.Region) (bool, error) {
	switch {
	case ancestor == descendant:
		return true, nil
	case ancestor.Branch == NilBranch:
		// The nil branch only holds the pristine state, which precedes
		// everything.
		return true, nil
	case descendant.Branch == NilBranch:
		return false, nil
	case ancestor.Branch == descendant.Branch:
		return ancestor.Timestamp <= descendant.Timestamp, nil
	}

	if r.IsEmpty() {
		return true, nil
	}

	cert, err := branchOf(ctx, h, descendant, r)
	if err != nil {
		return false, err
	}

	for _, entry := range cert.Origin.Mask(r).Entries() {
		ok, err := IsAncestor(ctx, h, ancestor, entry.Value.Earliest, entry.Region)
		if err != nil || !ok {
			return false, err
		}
	}

	return true, nil
}

// FindCommon returns the most recent state shared by v1 and v2 for every key
// of r. Both histories are unwound through the birth certificates of their
// branches. Since branches may have been created for different regions,
// the result can differ from key to key.
func FindCommon(ctx context.Context, h Reader, v1, v2 Version, r region.Region) (Map, error) {
	if r.IsEmpty() {
		return Map{}, nil
	}

	switch {
	case v1.Branch == v2.Branch:
		return region.NewMap(r, New(v1.Branch, timestamp.Min(v1.Timestamp, v2.Timestamp))), nil
	case v1.Branch == NilBranch || v2.Branch == NilBranch:
		return region.NewMap(r, Zero()), nil
	}

	cert1, err := branchOf(ctx, h, v1, r)
	if err != nil {
		return Map{}, err
	}
	cert2, err := branchOf(ctx, h, v2, r)
	if err != nil {
		return Map{}, err
	}

	// Unwind the younger branch. Branches born at the same timestamp are
	// ordered by ancestry: a branch whose start descends from the other
	// branch's start is the younger one.
	unwindFirst := cert1.InitialTimestamp > cert2.InitialTimestamp
	if cert1.InitialTimestamp == cert2.InitialTimestamp {
		secondDescends, err := IsAncestor(ctx, h,
			New(v1.Branch, cert1.InitialTimestamp), New(v2.Branch, cert2.InitialTimestamp), r)
		if err != nil {
			return Map{}, err
		}
		unwindFirst = !secondDescends
	}

	unwound, other := cert1, v2
	if !unwindFirst {
		unwound, other = cert2, v1
	}

	var result Map
	for _, entry := range unwound.Origin.Mask(r).Entries() {
		common, err := FindCommon(ctx, h, entry.Value.Earliest, other, entry.Region)
		if err != nil {
			return Map{}, err
		}
		result.Update(common)
	}

	return result, nil
}
