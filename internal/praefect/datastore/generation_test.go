package datastore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/testhelper"
)

// seedRepository stores a repository with the given generation and replicas.
func seedRepository(t *testing.T, rs RepositoryStore, primary string, generation int64, replicas ...Replica) RepositoryMetadata {
	t.Helper()

	ctx, cancel := testhelper.Context()
	defer cancel()

	m, err := rs.Upsert(ctx, RepositoryIdentity{VirtualStorage: vs, RelativePath: repo}, func(m *RepositoryMetadata) error {
		m.ReplicaPath = DeriveReplicaPath(m.RepositoryID)
		m.Generation = generation
		for _, r := range replicas {
			m.AddReplica(r)
		}
		m.Primary = primary
		return nil
	})
	require.NoError(t, err)
	return m
}

func replicaGenerations(m RepositoryMetadata) map[string]int64 {
	generations := make(map[string]int64, len(m.Replicas))
	for _, r := range m.Replicas {
		generations[r.Storage] = r.Generation
	}

	return generations
}

func TestGenerationComparisons(t *testing.T) {
	m := RepositoryMetadata{Generation: 2}

	for _, tc := range []struct {
		desc       string
		generation int64
		current    bool
		behind     bool
	}{
		{desc: "never replicated", generation: GenerationUnknown, behind: true},
		{desc: "behind", generation: 1, behind: true},
		{desc: "current", generation: 2, current: true},
		{desc: "ahead", generation: 3},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			r := Replica{Storage: "storage-1", Generation: tc.generation}
			require.Equal(t, tc.current, IsCurrent(m, r))
			require.Equal(t, tc.behind, IsBehind(m, r))
		})
	}

	require.Equal(t, int64(0), NextGeneration(GenerationUnknown))
	require.Equal(t, int64(5), NextGeneration(4))
}

func TestIncrementGeneration(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("creates the repository on the first write", func(t *testing.T) {
		rs := NewMemoryRepositoryStore()

		m, err := IncrementGeneration(ctx, rs, RepositoryIdentity{VirtualStorage: vs, RelativePath: repo}, "storage-1", []string{"storage-2"})
		require.NoError(t, err)

		require.Equal(t, RepositoryMetadata{
			RepositoryID:   m.RepositoryID,
			VirtualStorage: vs,
			RelativePath:   repo,
			ReplicaPath:    repo,
			Primary:        "storage-1",
			Generation:     0,
			Replicas: []Replica{
				{Storage: "storage-1", Assigned: true, Generation: 0, Healthy: true, ValidPrimary: true},
			},
			Revision: 1,
		}, m)
	})

	t.Run("only current secondaries are incremented", func(t *testing.T) {
		rs := NewMemoryRepositoryStore()
		seeded := seedRepository(t, rs, "primary", 1,
			Replica{Storage: "primary", Assigned: true, Healthy: true, Generation: 1},
			Replica{Storage: "up-to-date", Assigned: true, Healthy: true, Generation: 1},
			Replica{Storage: "outdated", Assigned: true, Healthy: true, Generation: 0},
			Replica{Storage: "never-replicated", Assigned: true, Healthy: true, Generation: GenerationUnknown},
			Replica{Storage: "not-participating", Assigned: true, Healthy: true, Generation: 1},
		)

		m, err := IncrementGeneration(ctx, rs, seeded.Identity(), "primary", []string{"up-to-date", "outdated", "never-replicated", "unknown"})
		require.NoError(t, err)

		require.Equal(t, int64(2), m.Generation)
		require.Equal(t, map[string]int64{
			"primary":           2,
			"up-to-date":        2,
			"outdated":          0,
			"never-replicated":  GenerationUnknown,
			"not-participating": 1,
		}, replicaGenerations(m))
		require.Equal(t, seeded.Revision+1, m.Revision)
	})

	t.Run("secondaries must be on the primary's generation", func(t *testing.T) {
		rs := NewMemoryRepositoryStore()
		seeded := seedRepository(t, rs, "primary", 3,
			Replica{Storage: "primary", Assigned: true, Healthy: true, Generation: 2},
			Replica{Storage: "same-as-primary", Assigned: true, Healthy: true, Generation: 2},
			Replica{Storage: "current", Assigned: true, Healthy: true, Generation: 3},
		)

		m, err := IncrementGeneration(ctx, rs, seeded.Identity(), "primary", []string{"same-as-primary", "current"})
		require.NoError(t, err)

		require.Equal(t, int64(4), m.Generation)
		require.Equal(t, map[string]int64{
			"primary":         4,
			"same-as-primary": 4,
			"current":         3,
		}, replicaGenerations(m))
	})

	t.Run("next generation is above replicas ahead of the repository", func(t *testing.T) {
		rs := NewMemoryRepositoryStore()
		seeded := seedRepository(t, rs, "primary", 1,
			Replica{Storage: "primary", Assigned: true, Healthy: true, Generation: 1},
			Replica{Storage: "ahead", Assigned: true, Healthy: true, Generation: 5},
		)

		m, err := IncrementGeneration(ctx, rs, seeded.Identity(), "primary", []string{"ahead"})
		require.NoError(t, err)

		require.Equal(t, int64(6), m.Generation)
		require.Equal(t, map[string]int64{
			"primary": 6,
			"ahead":   5,
		}, replicaGenerations(m))
	})

	t.Run("unknown primary", func(t *testing.T) {
		rs := NewMemoryRepositoryStore()
		seeded := seedRepository(t, rs, "primary", 0,
			Replica{Storage: "primary", Assigned: true, Healthy: true, Generation: 0},
		)

		_, err := IncrementGeneration(ctx, rs, seeded.Identity(), "unknown", nil)
		require.True(t, errors.Is(err, commonerr.ErrUnknownStorage), err)

		m, err := rs.GetRepositoryMetadata(ctx, ByRepositoryID(seeded.RepositoryID))
		require.NoError(t, err)
		require.Equal(t, seeded, m)
	})

	t.Run("empty primary", func(t *testing.T) {
		_, err := IncrementGeneration(ctx, NewMemoryRepositoryStore(), RepositoryIdentity{VirtualStorage: vs, RelativePath: repo}, "", nil)
		require.True(t, errors.Is(err, commonerr.ErrInvalidArgument), err)
	})
}

func TestSetGeneration(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	newRepository := func(t *testing.T) (RepositoryStore, RepositoryMetadata) {
		rs := NewMemoryRepositoryStore()
		return rs, seedRepository(t, rs, "primary", 2,
			Replica{Storage: "primary", Assigned: true, Healthy: true, Generation: 2},
			Replica{Storage: "secondary", Assigned: true, Healthy: true, Generation: 0},
		)
	}

	t.Run("replication completed", func(t *testing.T) {
		rs, seeded := newRepository(t)

		m, err := SetGeneration(ctx, rs, seeded.Identity(), "secondary", 2)
		require.NoError(t, err)
		require.Equal(t, int64(2), m.Generation)
		require.Equal(t, map[string]int64{"primary": 2, "secondary": 2}, replicaGenerations(m))

		secondary, ok := m.Replica("secondary")
		require.True(t, ok)
		require.True(t, secondary.ValidPrimary)
	})

	t.Run("generation above the repository's raises it", func(t *testing.T) {
		rs, seeded := newRepository(t)

		m, err := SetGeneration(ctx, rs, seeded.Identity(), "secondary", 4)
		require.NoError(t, err)
		require.Equal(t, int64(4), m.Generation)

		primary, ok := m.Replica("primary")
		require.True(t, ok)
		require.False(t, primary.ValidPrimary)
	})

	t.Run("same generation is a no-op", func(t *testing.T) {
		rs, seeded := newRepository(t)

		m, err := SetGeneration(ctx, rs, seeded.Identity(), "secondary", 0)
		require.NoError(t, err)
		require.Equal(t, seeded, m)
	})

	t.Run("downgrade", func(t *testing.T) {
		rs, seeded := newRepository(t)

		_, err := SetGeneration(ctx, rs, seeded.Identity(), "primary", 1)
		require.Equal(t, DowngradeAttemptedError{
			RepositoryID:        seeded.RepositoryID,
			Storage:             "primary",
			CurrentGeneration:   2,
			AttemptedGeneration: 1,
		}, err)
	})

	t.Run("unknown storage", func(t *testing.T) {
		rs, seeded := newRepository(t)

		_, err := SetGeneration(ctx, rs, seeded.Identity(), "unknown", 1)
		require.Equal(t, commonerr.StorageError{
			Kind:         commonerr.ErrUnknownStorage,
			RepositoryID: seeded.RepositoryID,
			Storage:      "unknown",
		}, err)
	})

	t.Run("repository not found", func(t *testing.T) {
		_, err := SetGeneration(ctx, NewMemoryRepositoryStore(), RepositoryIdentity{VirtualStorage: vs, RelativePath: repo}, "primary", 1)
		require.Equal(t, commonerr.NewRepositoryNotFoundError(vs, repo), err)
	})
}
