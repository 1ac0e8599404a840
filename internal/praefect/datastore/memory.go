package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
)

type repositoryKey struct {
	virtualStorage string
	relativePath   string
}

// recordSlot holds a single repository's record. The slot's lock serializes the mutations of the
// repository. A slot is allocated the first time a path is upserted and keeps its repository ID
// even if the first mutation fails, similar to how a database sequence doesn't reuse values.
type recordSlot struct {
	sync.RWMutex
	repositoryID int64
	key          repositoryKey
	exists       bool
	record       RepositoryMetadata
}

// MemoryRepositoryStore is an in-memory implementation of RepositoryStore. The store lock only
// guards the indexes; callers never hold it while mutating a record.
type MemoryRepositoryStore struct {
	m      sync.RWMutex
	nextID int64
	byPath map[repositoryKey]*recordSlot
	byID   map[int64]*recordSlot
}

// NewMemoryRepositoryStore returns an empty in-memory RepositoryStore.
func NewMemoryRepositoryStore() *MemoryRepositoryStore {
	return &MemoryRepositoryStore{
		byPath: make(map[repositoryKey]*recordSlot),
		byID:   make(map[int64]*recordSlot),
	}
}

//nolint: revive,stylecheck // This is documented on the interface.
func (s *MemoryRepositoryStore) GetRepositoryMetadata(ctx context.Context, q Query) (RepositoryMetadata, error) {
	if err := validateQuery(q); err != nil {
		return RepositoryMetadata{}, err
	}

	s.m.RLock()
	var slot *recordSlot
	switch q := q.(type) {
	case RepositoryIDQuery:
		slot = s.byID[q.RepositoryID]
	case PathQuery:
		slot = s.byPath[repositoryKey{q.VirtualStorage, q.RelativePath}]
	}
	s.m.RUnlock()

	if slot != nil {
		slot.RLock()
		defer slot.RUnlock()
	}

	if slot == nil || !slot.exists {
		if q, ok := q.(PathQuery); ok {
			return RepositoryMetadata{}, commonerr.NewRepositoryNotFoundError(q.VirtualStorage, q.RelativePath)
		}

		return RepositoryMetadata{}, commonerr.ErrRepositoryNotFound
	}

	return slot.record.Clone(), nil
}

//nolint: revive,stylecheck // This is documented on the interface.
func (s *MemoryRepositoryStore) Upsert(ctx context.Context, id RepositoryIdentity, mutate MutateFunc) (RepositoryMetadata, error) {
	if err := id.validate(); err != nil {
		return RepositoryMetadata{}, err
	}

	slot, err := s.resolveSlot(id)
	if err != nil {
		return RepositoryMetadata{}, err
	}

	slot.Lock()
	defer slot.Unlock()

	working := RepositoryMetadata{
		RepositoryID:   slot.repositoryID,
		VirtualStorage: slot.key.virtualStorage,
		RelativePath:   slot.key.relativePath,
		Generation:     GenerationUnknown,
	}
	if slot.exists {
		working = slot.record.Clone()
	}
	original := working.Clone()

	if err := mutate(&working); err != nil {
		return RepositoryMetadata{}, err
	}

	working.normalize()
	if err := checkMutation(original, working); err != nil {
		return RepositoryMetadata{}, err
	}

	if working.equal(original) {
		return original, nil
	}

	working.Revision = original.Revision + 1
	slot.record = working.Clone()

	if !slot.exists {
		slot.exists = true
		s.m.Lock()
		s.byID[slot.repositoryID] = slot
		s.m.Unlock()
	}

	return working, nil
}

// resolveSlot finds the slot of the identity. Slots of unknown paths are allocated when the
// identity has no repository ID.
func (s *MemoryRepositoryStore) resolveSlot(id RepositoryIdentity) (*recordSlot, error) {
	key := repositoryKey{id.VirtualStorage, id.RelativePath}
	hasPath := id.VirtualStorage != "" || id.RelativePath != ""

	if id.RepositoryID != 0 {
		s.m.RLock()
		slot := s.byID[id.RepositoryID]
		pathSlot := s.byPath[key]
		s.m.RUnlock()

		if slot == nil {
			if hasPath {
				return nil, commonerr.NewRepositoryNotFoundError(id.VirtualStorage, id.RelativePath)
			}

			return nil, commonerr.ErrRepositoryNotFound
		}

		if hasPath && pathSlot != slot {
			var actual int64
			if pathSlot != nil {
				pathSlot.RLock()
				if pathSlot.exists {
					actual = pathSlot.repositoryID
				}
				pathSlot.RUnlock()
			}

			return nil, commonerr.IdentityMismatchError{
				VirtualStorage:       id.VirtualStorage,
				RelativePath:         id.RelativePath,
				ExpectedRepositoryID: id.RepositoryID,
				ActualRepositoryID:   actual,
			}
		}

		return slot, nil
	}

	s.m.RLock()
	slot := s.byPath[key]
	s.m.RUnlock()
	if slot != nil {
		return slot, nil
	}

	s.m.Lock()
	defer s.m.Unlock()

	if slot := s.byPath[key]; slot != nil {
		return slot, nil
	}

	s.nextID++
	slot = &recordSlot{repositoryID: s.nextID, key: key}
	s.byPath[key] = slot
	return slot, nil
}

// checkMutation verifies the mutated record keeps its identity and holds the record invariants.
func checkMutation(original, mutated RepositoryMetadata) error {
	if mutated.RepositoryID != original.RepositoryID ||
		mutated.VirtualStorage != original.VirtualStorage ||
		mutated.RelativePath != original.RelativePath {
		return errors.New("repository identity can't be changed")
	}

	if mutated.Revision != original.Revision {
		return errors.New("revision is managed by the store")
	}

	for _, r := range original.Replicas {
		if _, ok := mutated.Replica(r.Storage); !ok {
			return fmt.Errorf("replica on %q can't be removed", r.Storage)
		}
	}

	return validateState(mutated)
}

//nolint: revive,stylecheck // This is documented on the interface.
func (s *MemoryRepositoryStore) ListRepositories(ctx context.Context, virtualStorage string) ([]RepositoryIdentity, error) {
	var ids []RepositoryIdentity
	for _, slot := range s.slots(virtualStorage) {
		slot.RLock()
		if slot.exists {
			ids = append(ids, slot.record.Identity())
		}
		slot.RUnlock()
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].RelativePath < ids[j].RelativePath })
	return ids, nil
}

//nolint: revive,stylecheck // This is documented on the interface.
func (s *MemoryRepositoryStore) AssignmentCounts(ctx context.Context, virtualStorage string) (map[string]int, error) {
	counts := map[string]int{}
	for _, slot := range s.slots(virtualStorage) {
		slot.RLock()
		if slot.exists {
			for _, storage := range slot.record.AssignedStorages() {
				counts[storage]++
			}
		}
		slot.RUnlock()
	}

	return counts, nil
}

func (s *MemoryRepositoryStore) slots(virtualStorage string) []*recordSlot {
	s.m.RLock()
	defer s.m.RUnlock()

	var slots []*recordSlot
	for key, slot := range s.byPath {
		if key.virtualStorage == virtualStorage {
			slots = append(slots, slot)
		}
	}

	return slots
}
