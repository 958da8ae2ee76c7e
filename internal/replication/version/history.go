package version

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
)

// Reader resolves birth certificates.
type Reader interface {
	// Branch returns the birth certificate of the branch. It returns a
	// MissingBranchError if the branch is unknown.
	Branch(ctx context.Context, id uuid.UUID) (BirthCertificate, error)
	// Branches lists the ids of all known branches.
	Branches(ctx context.Context) ([]uuid.UUID, error)
}

// History is a branch history that can be written to.
type History interface {
	Reader
	// CreateBranch records a new branch. Recording a branch twice is an
	// error.
	CreateBranch(ctx context.Context, id uuid.UUID, cert BirthCertificate) error
	// ImportBranches records every branch of the snapshot which is not yet
	// known.
	ImportBranches(ctx context.Context, snapshot Snapshot) error
	// DeleteBranches forgets about the given branches.
	DeleteBranches(ctx context.Context, ids []uuid.UUID) error
}

// Snapshot is a read-only set of birth certificates. Messages that carry
// versions attach a snapshot of the relevant branches so the receiver can
// reason about them without asking the sender.
type Snapshot struct {
	Certificates map[uuid.UUID]BirthCertificate `json:"certificates"`
}

// Branch implements Reader.
func (s Snapshot) Branch(_ context.Context, id uuid.UUID) (BirthCertificate, error) {
	cert, ok := s.Certificates[id]
	if !ok {
		return BirthCertificate{}, MissingBranchError{Branch: id}
	}
	return cert, nil
}

// Branches implements Reader.
func (s Snapshot) Branches(context.Context) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(s.Certificates))
	for id := range s.Certificates {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

// Export collects the birth certificates of the given branches and of all
// the branches they descend from.
func Export(ctx context.Context, r Reader, roots ...uuid.UUID) (Snapshot, error) {
	snapshot := Snapshot{Certificates: map[uuid.UUID]BirthCertificate{}}

	pending := append([]uuid.UUID(nil), roots...)
	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if id == NilBranch {
			continue
		}
		if _, ok := snapshot.Certificates[id]; ok {
			continue
		}

		cert, err := r.Branch(ctx, id)
		if err != nil {
			return Snapshot{}, fmt.Errorf("export branch: %w", err)
		}
		snapshot.Certificates[id] = cert
		pending = append(pending, BranchesOf(cert.Origin)...)
	}

	return snapshot, nil
}

// BranchesOf returns the distinct non-nil branches referred to by m.
func BranchesOf(m RangeMap) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{}
	var ids []uuid.UUID
	m.Visit(func(_ region.Region, vr Range) {
		for _, v := range []Version{vr.Earliest, vr.Latest} {
			if _, ok := seen[v.Branch]; ok || v.Branch == NilBranch {
				continue
			}
			seen[v.Branch] = struct{}{}
			ids = append(ids, v.Branch)
		}
	})
	return ids
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// MemoryHistory is a History kept in memory.
type MemoryHistory struct {
	mu           sync.RWMutex
	certificates map[uuid.UUID]BirthCertificate
	guard        memoryGuard
}

// NewMemoryHistory returns an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{certificates: map[uuid.UUID]BirthCertificate{}, guard: newMemoryGuard()}
}

// Branch implements Reader.
func (h *MemoryHistory) Branch(_ context.Context, id uuid.UUID) (BirthCertificate, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cert, ok := h.certificates[id]
	if !ok {
		return BirthCertificate{}, MissingBranchError{Branch: id}
	}
	return cert, nil
}

// Branches implements Reader.
func (h *MemoryHistory) Branches(context.Context) ([]uuid.UUID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(h.certificates))
	for id := range h.certificates {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

// CreateBranch implements History.
func (h *MemoryHistory) CreateBranch(_ context.Context, id uuid.UUID, cert BirthCertificate) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.certificates[id]; ok {
		return fmt.Errorf("branch %s already exists", id)
	}
	h.certificates[id] = cert
	return nil
}

// ImportBranches implements History.
func (h *MemoryHistory) ImportBranches(_ context.Context, snapshot Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, cert := range snapshot.Certificates {
		if _, ok := h.certificates[id]; !ok {
			h.certificates[id] = cert
		}
	}
	return nil
}

// DeleteBranches implements History.
func (h *MemoryHistory) DeleteBranches(_ context.Context, ids []uuid.UUID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range ids {
		delete(h.certificates, id)
	}
	return nil
}
