package nodes

import (
	"sort"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/config"
)

// HealthConsensus returns a map of healthy storages in each virtual storage as determined by the
// liveness collaborator.
type HealthConsensus interface {
	HealthConsensus() map[string][]string
}

// StaticHealthConsensus is a HealthConsensus that doesn't change. It's used when no liveness
// source is configured, in which case every configured storage is considered healthy.
type StaticHealthConsensus map[string][]string

//nolint: revive,stylecheck // This is documented on the interface.
func (hc StaticHealthConsensus) HealthConsensus() map[string][]string { return hc }

// StoragePool provides the storages of the virtual storages.
type StoragePool interface {
	// Storages returns the configured storages of the virtual storage sorted by name.
	Storages(virtualStorage string) ([]string, error)
	// HealthyStorages returns the configured storages of the virtual storage which are currently
	// healthy, sorted by name.
	HealthyStorages(virtualStorage string) ([]string, error)
}

// ConfiguredPool is a StoragePool backed by the configuration and a HealthConsensus.
type ConfiguredPool struct {
	storages  map[string][]string
	consensus HealthConsensus
}

// NewConfiguredPool returns a pool of the given storages by virtual storage.
func NewConfiguredPool(storages map[string][]string, consensus HealthConsensus) *ConfiguredPool {
	sorted := make(map[string][]string, len(storages))
	for vs, names := range storages {
		names = append([]string(nil), names...)
		sort.Strings(names)
		sorted[vs] = names
	}

	return &ConfiguredPool{storages: sorted, consensus: consensus}
}

// NewPoolFromConfig returns a pool of the storages configured in cfg.
func NewPoolFromConfig(cfg config.Config, consensus HealthConsensus) *ConfiguredPool {
	return NewConfiguredPool(cfg.StorageNames(), consensus)
}

//nolint: revive,stylecheck // This is documented on the interface.
func (p *ConfiguredPool) Storages(virtualStorage string) ([]string, error) {
	storages, ok := p.storages[virtualStorage]
	if !ok {
		return nil, commonerr.NewInvalidArgumentError("unknown virtual storage %q", virtualStorage)
	}

	return append([]string(nil), storages...), nil
}

//nolint: revive,stylecheck // This is documented on the interface.
func (p *ConfiguredPool) HealthyStorages(virtualStorage string) ([]string, error) {
	storages, err := p.Storages(virtualStorage)
	if err != nil {
		return nil, err
	}

	healthy := make(map[string]struct{})
	for _, storage := range p.consensus.HealthConsensus()[virtualStorage] {
		healthy[storage] = struct{}{}
	}

	result := storages[:0]
	for _, storage := range storages {
		if _, ok := healthy[storage]; ok {
			result = append(result, storage)
		}
	}

	return result, nil
}
