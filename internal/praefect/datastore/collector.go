package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
)

var descUnavailableRepositories = prometheus.NewDesc(
	"gitaly_praefect_unavailable_repositories",
	"Number of repositories that have no healthy, up to date replicas.",
	[]string{"virtual_storage"},
	nil,
)

// RepositoryStoreCollector collects metrics from the RepositoryStore.
type RepositoryStoreCollector struct {
	log             logrus.FieldLogger
	rs              RepositoryStore
	virtualStorages []string
	timeout         time.Duration
}

// NewRepositoryStoreCollector returns a new collector.
func NewRepositoryStoreCollector(log logrus.FieldLogger, virtualStorages []string, rs RepositoryStore, timeout time.Duration) *RepositoryStoreCollector {
	return &RepositoryStoreCollector{
		log:             log.WithField("component", "RepositoryStoreCollector"),
		rs:              rs,
		virtualStorages: virtualStorages,
		timeout:         timeout,
	}
}

//nolint: revive,stylecheck // This is documented on the interface.
func (c *RepositoryStoreCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

//nolint: revive,stylecheck // This is documented on the interface.
func (c *RepositoryStoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, vs := range c.virtualStorages {
		unavailable, err := c.countUnavailable(ctx, vs)
		if err != nil {
			c.log.WithError(err).WithField("virtual_storage", vs).Error("failed collecting unavailable repository count metric")
			continue
		}

		ch <- prometheus.MustNewConstMetric(descUnavailableRepositories, prometheus.GaugeValue, float64(unavailable), vs)
	}
}

// countUnavailable counts the repositories of the virtual storage which have no replica that could
// act as a primary, indicating their replicas are either unhealthy or out of date. Repositories
// removed while counting are skipped.
func (c *RepositoryStoreCollector) countUnavailable(ctx context.Context, virtualStorage string) (int, error) {
	ids, err := c.rs.ListRepositories(ctx, virtualStorage)
	if err != nil {
		return 0, fmt.Errorf("list repositories: %w", err)
	}

	var unavailable int
	for _, id := range ids {
		m, err := c.rs.GetRepositoryMetadata(ctx, id.Query())
		if err != nil {
			if errors.Is(err, commonerr.ErrRepositoryNotFound) {
				continue
			}

			return 0, fmt.Errorf("get repository metadata: %w", err)
		}

		if !IsAvailable(m) {
			unavailable++
		}
	}

	return unavailable, nil
}

// IsAvailable returns whether any replica of the repository is able to act as its primary.
func IsAvailable(m RepositoryMetadata) bool {
	for _, r := range m.Replicas {
		if r.ValidPrimary {
			return true
		}
	}

	return false
}
