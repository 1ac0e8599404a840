package nodes

import (
	"context"
	"fmt"
	"sort"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/helper"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
)

// HealthApplier applies the health consensus of the liveness collaborator to the replicas. The
// monitoring frequency is controlled by the Ticker passed in to Run. On each tick, the health of
// every configured storage is written to its replicas and the primaries of the records whose
// health changed are re-elected.
type HealthApplier struct {
	log       *logrus.Entry
	rs        datastore.RepositoryStore
	pool      StoragePool
	elector   *PerRepositoryElector
	virtuals  []string
	handleErr func(error)
}

// NewHealthApplier returns a HealthApplier for the given virtual storages.
func NewHealthApplier(log logrus.FieldLogger, rs datastore.RepositoryStore, pool StoragePool, elector *PerRepositoryElector, virtualStorages []string) *HealthApplier {
	entry := log.WithField("component", "HealthApplier")

	virtuals := append([]string(nil), virtualStorages...)
	sort.Strings(virtuals)

	return &HealthApplier{
		log:      entry,
		rs:       rs,
		pool:     pool,
		elector:  elector,
		virtuals: virtuals,
		handleErr: func(err error) {
			entry.WithError(err).Error("applying health failed")
		},
	}
}

// Run applies the health on every tick by the Ticker until the context is canceled. Returns the
// error from the context.
func (ha *HealthApplier) Run(ctx context.Context, ticker helper.Ticker) error {
	ha.log.Info("health applier started")
	defer ha.log.Info("health applier stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := ha.Apply(ctx); err != nil {
				ha.handleErr(err)
			}
		}
	}
}

// Apply writes the current health of every configured storage to its replicas. Failures of
// individual storages don't stop the others from being applied.
func (ha *HealthApplier) Apply(ctx context.Context) error {
	ctx = ctxlogrus.ToContext(ctx, ha.log)

	var failed int
	var firstErr error
	for _, vs := range ha.virtuals {
		if err := ha.applyVirtualStorage(ctx, vs); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return fmt.Errorf("%d virtual storages failed: %w", failed, firstErr)
	}

	return nil
}

func (ha *HealthApplier) applyVirtualStorage(ctx context.Context, virtualStorage string) error {
	storages, err := ha.pool.Storages(virtualStorage)
	if err != nil {
		return fmt.Errorf("storages: %w", err)
	}

	healthyStorages, err := ha.pool.HealthyStorages(virtualStorage)
	if err != nil {
		return fmt.Errorf("healthy storages: %w", err)
	}

	healthy := make(map[string]bool, len(healthyStorages))
	for _, storage := range healthyStorages {
		healthy[storage] = true
	}

	var firstErr error
	for _, storage := range storages {
		previousPrimaries := map[int64]string{}
		updated, err := datastore.SetStorageHealth(ctx, ha.rs, virtualStorage, storage, healthy[storage], func(m *datastore.RepositoryMetadata) error {
			previousPrimaries[m.RepositoryID] = m.Primary
			ElectPrimary(m)
			return nil
		})

		for _, m := range updated {
			if previous := previousPrimaries[m.RepositoryID]; previous != m.Primary {
				ha.elector.primaryChanged(ctx, m, previous, reasonElection)
			}
		}

		if len(updated) > 0 {
			ha.log.WithFields(logrus.Fields{
				"virtual_storage": virtualStorage,
				"storage":         storage,
				"healthy":         healthy[storage],
				"repositories":    len(updated),
			}).Info("replica health changed")
		}

		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage %q: %w", storage, err)
		}
	}

	return firstErr
}
