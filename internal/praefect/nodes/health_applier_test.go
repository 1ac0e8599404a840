package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/helper"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/testhelper"
)

func TestHealthApplier_Run(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	rs := datastore.NewMemoryRepositoryStore()
	m := seed(t, rs, "gitaly-1", 1, map[string]replicaState{
		"gitaly-1": {generation: 1, healthy: true},
		"gitaly-2": {generation: 1, healthy: true},
	})

	consensuses := []map[string][]string{
		{virtualStorage: {"gitaly-2"}},
		{virtualStorage: {"gitaly-1", "gitaly-2"}},
	}

	var calls int
	pool := NewConfiguredPool(map[string][]string{virtualStorage: {"gitaly-1", "gitaly-2"}}, HealthConsensusFunc(func() map[string][]string {
		// Storages and HealthyStorages are requested once per tick.
		consensus := consensuses[calls]
		calls++
		return consensus
	}))

	logger, hook := testhelper.NewCapturingLogEntry(t)
	applier := NewHealthApplier(logger, rs, pool, NewPerRepositoryElector(rs, nil), []string{virtualStorage})

	var states []datastore.RepositoryMetadata
	ticker := helper.NewCountTicker(len(consensuses), cancel)
	resetFunc := ticker.ResetFunc
	ticker.ResetFunc = func() {
		if calls > 0 {
			stored, err := rs.GetRepositoryMetadata(ctx, datastore.ByRepositoryID(m.RepositoryID))
			require.NoError(t, err)
			states = append(states, stored)
		}

		resetFunc()
	}

	require.Equal(t, context.Canceled, applier.Run(ctx, ticker))
	require.Len(t, states, 2)

	require.Equal(t, "gitaly-2", states[0].Primary)
	replica, _ := states[0].Replica("gitaly-1")
	require.False(t, replica.Healthy)
	require.Equal(t, int64(1), replica.Generation, "health changes don't touch the generation")
	require.True(t, replica.Assigned, "health changes don't touch the assignment")

	require.Equal(t, "gitaly-2", states[1].Primary, "recovered storages don't take over a valid primary")
	replica, _ = states[1].Replica("gitaly-1")
	require.True(t, replica.Healthy)
	require.True(t, replica.ValidPrimary)

	var messages []string
	for _, entry := range hook.AllEntries() {
		require.Equal(t, "HealthApplier", entry.Data["component"])
		messages = append(messages, entry.Message)
	}
	require.Equal(t, []string{
		"health applier started",
		"primary node changed",
		"replica health changed",
		"replica health changed",
		"health applier stopped",
	}, messages)
}

func TestHealthApplier_Apply_errors(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	rs := datastore.NewMemoryRepositoryStore()
	seed(t, rs, "gitaly-1", 1, map[string]replicaState{
		"gitaly-1": {generation: 1, healthy: true},
	})

	pool := NewConfiguredPool(map[string][]string{virtualStorage: {"gitaly-1"}}, StaticHealthConsensus{})
	applier := NewHealthApplier(testhelper.NewDiscardingLogEntry(t), rs, pool, NewPerRepositoryElector(rs, nil), []string{virtualStorage, "unconfigured"})

	err := applier.Apply(ctx)
	require.True(t, errors.Is(err, commonerr.ErrInvalidArgument), err)
	require.Contains(t, err.Error(), "1 virtual storages failed")

	// The configured virtual storage is applied regardless of the failing one.
	stored, err := rs.GetRepositoryMetadata(ctx, datastore.ByPath(virtualStorage, relativePath))
	require.NoError(t, err)
	require.Empty(t, stored.Primary)
	replica, _ := stored.Replica("gitaly-1")
	require.False(t, replica.Healthy)
}

func TestHealthApplier_Run_handlesErrors(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	rs := datastore.NewMemoryRepositoryStore()
	pool := NewConfiguredPool(map[string][]string{}, StaticHealthConsensus{})

	logger, hook := testhelper.NewCapturingLogEntry(t)
	applier := NewHealthApplier(logger, rs, pool, NewPerRepositoryElector(rs, nil), []string{"unconfigured"})

	require.Equal(t, context.Canceled, applier.Run(ctx, helper.NewCountTicker(1, cancel)))

	var errorEntries int
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			errorEntries++
			require.Equal(t, "applying health failed", entry.Message)
		}
	}
	require.Equal(t, 1, errorEntries)
}
