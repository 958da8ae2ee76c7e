// Package version names points in the replication timeline and reasons about
// the ancestry of branches.
package version

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
)

// NilBranch is the branch of the pristine empty state.
var NilBranch = uuid.Nil

// Version names the state of a region after the writes up to Timestamp on
// Branch have been applied.
type Version struct {
	Branch    uuid.UUID           `json:"branch"`
	Timestamp timestamp.Timestamp `json:"timestamp"`
}

// Zero returns the version of the pristine empty state.
func Zero() Version {
	return Version{Branch: NilBranch}
}

// New returns the version at ts on branch.
func New(branch uuid.UUID, ts timestamp.Timestamp) Version {
	return Version{Branch: branch, Timestamp: ts}
}

// IsZero reports whether v is the zero version.
func (v Version) IsZero() bool {
	return v == Zero()
}

func (v Version) String() string {
	if v.Branch == NilBranch {
		return fmt.Sprintf("nil@%d", v.Timestamp)
	}
	return fmt.Sprintf("%s@%d", v.Branch, v.Timestamp)
}

// Range records the version of a region whose exact version is unknown, as
// is the case while it is backfilled. The region holds a state somewhere
// between Earliest and Latest.
type Range struct {
	Earliest Version `json:"earliest"`
	Latest   Version `json:"latest"`
}

// Coherent returns the range consisting of v only.
func Coherent(v Version) Range {
	return Range{Earliest: v, Latest: v}
}

// IsCoherent reports whether the range names a single version.
func (r Range) IsCoherent() bool {
	return r.Earliest == r.Latest
}

func (r Range) String() string {
	if r.IsCoherent() {
		return r.Earliest.String()
	}
	return fmt.Sprintf("%s..%s", r.Earliest, r.Latest)
}

// Map assigns a version to every key of a region.
type Map = region.Map[Version]

// RangeMap assigns a version range to every key of a region. Stores record
// their metadata as a RangeMap.
type RangeMap = region.Map[Range]

// CoherentMap converts a version map into a range map.
func CoherentMap(m Map) RangeMap {
	return region.Transform(m, func(_ region.Region, v Version) Range { return Coherent(v) })
}

// EarliestMap returns the earliest version of every range.
func EarliestMap(m RangeMap) Map {
	return region.Transform(m, func(_ region.Region, r Range) Version { return r.Earliest })
}

// LatestMap returns the latest version of every range.
func LatestMap(m RangeMap) Map {
	return region.Transform(m, func(_ region.Region, r Range) Version { return r.Latest })
}

// ToCoherentMap returns the versions of a range map in which every range is
// coherent.
func ToCoherentMap(m RangeMap) (Map, error) {
	var err error
	m.Visit(func(r region.Region, vr Range) {
		if err == nil && !vr.IsCoherent() {
			err = fmt.Errorf("%w: %s is at %s", ErrIncoherent, r, vr)
		}
	})
	if err != nil {
		return Map{}, err
	}
	return EarliestMap(m), nil
}

// ErrIncoherent is returned when a coherent version was expected but a
// region is in the middle of a backfill.
var ErrIncoherent = errors.New("incoherent version range")

// BirthCertificate records how a branch came to be. Every timestamp larger
// than InitialTimestamp is valid on the branch; Origin is the state the
// branch's region was in when the branch was created.
type BirthCertificate struct {
	Region           region.Region       `json:"region"`
	InitialTimestamp timestamp.Timestamp `json:"initial_timestamp"`
	Origin           RangeMap            `json:"origin"`
}

// NewBirthCertificate describes a branch starting from origin. The branch
// covers the origin's domain and starts at the largest timestamp found in
// it, so that its timestamps never go backwards.
func NewBirthCertificate(origin RangeMap) (BirthCertificate, error) {
	if origin.Len() == 0 {
		return BirthCertificate{}, errors.New("empty branch origin")
	}

	versions, err := ToCoherentMap(origin)
	if err != nil {
		return BirthCertificate{}, fmt.Errorf("branch origin: %w", err)
	}

	var initial timestamp.Timestamp
	versions.Visit(func(_ region.Region, v Version) {
		initial = timestamp.Max(initial, v.Timestamp)
	})

	return BirthCertificate{
		Region:           origin.Domain(),
		InitialTimestamp: initial,
		Origin:           origin,
	}, nil
}
