package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/log"
)

// Duration is a time.Duration that is decoded from a string such as "3s" in the TOML file.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalText parses the duration with time.ParseDuration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration with time.Duration's String.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Logging contains logging configuration values.
type Logging struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// Failover configures how replica health is consumed.
type Failover struct {
	// MonitorInterval is the interval at which the reported health of the storages is applied to
	// the replicas. The default value is 3s.
	MonitorInterval Duration `toml:"monitor_interval,omitempty"`
}

// Replicas configures the replica verification.
type Replicas struct {
	// ChecksumCacheSize is the number of replica checksums cached by RepositoryReplicas.
	// Checksums are cached per storage, replica path and generation.
	ChecksumCacheSize int `toml:"checksum_cache_size,omitempty"`
}

// Config is a container for everything found in the TOML config file
type Config struct {
	PrometheusListenAddr string            `toml:"prometheus_listen_addr,omitempty"`
	VirtualStorages      []*VirtualStorage `toml:"virtual_storage,omitempty"`
	Logging              Logging           `toml:"logging,omitempty"`
	DB                   `toml:"database,omitempty"`
	Failover             Failover `toml:"failover,omitempty"`
	Replicas             Replicas `toml:"replicas,omitempty"`
}

// VirtualStorage represents a set of nodes for a storage
type VirtualStorage struct {
	Name  string  `toml:"name,omitempty"`
	Nodes []*Node `toml:"node,omitempty"`
	// DefaultReplicationFactor is the replication factor set for new repositories.
	// A valid value is inclusive between 1 and the number of configured storages in the
	// virtual storage. Setting the value to 0 assigns every configured storage.
	DefaultReplicationFactor int `toml:"default_replication_factor,omitempty"`
}

// FromFile loads the config for the passed file path
func FromFile(filePath string) (Config, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := &Config{
		Failover: Failover{MonitorInterval: Duration(3 * time.Second)},
		Replicas: Replicas{ChecksumCacheSize: 1024},
	}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	// The database credentials are commonly injected through the environment rather than
	// being written in the configuration file.
	if err := envconfig.Process("praefect_database", &conf.DB); err != nil {
		return Config{}, fmt.Errorf("envconfig: %w", err)
	}

	conf.setDefaults()

	return *conf, nil
}

var (
	errDuplicateStorage         = errors.New("internal gitaly storages are not unique")
	errGitalyWithoutAddr        = errors.New("all gitaly nodes must have an address")
	errGitalyWithoutStorage     = errors.New("all gitaly nodes must have a storage")
	errNoGitalyServers          = errors.New("no primary gitaly backends configured")
	errNoVirtualStorages        = errors.New("no virtual storages configured")
	errStorageAddressDuplicate  = errors.New("multiple storages have the same address")
	errVirtualStoragesNotUnique = errors.New("virtual storages must have unique names")
	errVirtualStorageUnnamed    = errors.New("virtual storages must have a name")
)

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	if len(c.VirtualStorages) == 0 {
		return errNoVirtualStorages
	}

	if c.Replicas.ChecksumCacheSize < 0 {
		return fmt.Errorf("replicas.checksum_cache_size was %d but must be >=0", c.Replicas.ChecksumCacheSize)
	}

	allAddresses := make(map[string]struct{})
	virtualStorages := make(map[string]struct{}, len(c.VirtualStorages))

	for _, virtualStorage := range c.VirtualStorages {
		if virtualStorage.Name == "" {
			return errVirtualStorageUnnamed
		}

		if len(virtualStorage.Nodes) == 0 {
			return fmt.Errorf("virtual storage %q: %w", virtualStorage.Name, errNoGitalyServers)
		}

		if _, ok := virtualStorages[virtualStorage.Name]; ok {
			return fmt.Errorf("virtual storage %q: %w", virtualStorage.Name, errVirtualStoragesNotUnique)
		}
		virtualStorages[virtualStorage.Name] = struct{}{}

		storages := make(map[string]struct{}, len(virtualStorage.Nodes))
		for _, node := range virtualStorage.Nodes {
			if node.Storage == "" {
				return fmt.Errorf("virtual storage %q: %w", virtualStorage.Name, errGitalyWithoutStorage)
			}

			if node.Address == "" {
				return fmt.Errorf("virtual storage %q: %w", virtualStorage.Name, errGitalyWithoutAddr)
			}

			if _, found := storages[node.Storage]; found {
				return fmt.Errorf("virtual storage %q: %w", virtualStorage.Name, errDuplicateStorage)
			}
			storages[node.Storage] = struct{}{}

			if _, found := allAddresses[node.Address]; found {
				return fmt.Errorf("virtual storage %q: address %q : %w", virtualStorage.Name, node.Address, errStorageAddressDuplicate)
			}
			allAddresses[node.Address] = struct{}{}
		}

		if virtualStorage.DefaultReplicationFactor < 0 {
			return fmt.Errorf("virtual storage %q has a negative default replication factor", virtualStorage.Name)
		}

		if virtualStorage.DefaultReplicationFactor > len(virtualStorage.Nodes) {
			return fmt.Errorf(
				"virtual storage %q has a default replication factor (%d) which is higher than the number of storages (%d)",
				virtualStorage.Name, virtualStorage.DefaultReplicationFactor, len(virtualStorage.Nodes),
			)
		}
	}

	return nil
}

// NeedsSQL returns true if the metadata should be stored in Postgres rather than in memory.
func (c *Config) NeedsSQL() bool {
	return c.DB.Host != ""
}

// ConfigureLogger applies the logging configuration to the default loggers.
func (c *Config) ConfigureLogger() (*logrus.Entry, error) {
	if err := log.Configure(log.Loggers, c.Logging.Format, c.Logging.Level); err != nil {
		return nil, err
	}

	return log.Default(), nil
}

func (c *Config) setDefaults() {
	if c.Failover.MonitorInterval.Duration() == 0 {
		c.Failover.MonitorInterval = Duration(3 * time.Second)
	}
}

// VirtualStorageNames returns names of all virtual storages configured.
func (c *Config) VirtualStorageNames() []string {
	names := make([]string, len(c.VirtualStorages))
	for i, virtual := range c.VirtualStorages {
		names[i] = virtual.Name
	}
	return names
}

// StorageNames returns storage names by virtual storage.
func (c *Config) StorageNames() map[string][]string {
	storages := make(map[string][]string, len(c.VirtualStorages))
	for _, vs := range c.VirtualStorages {
		nodes := make([]string, len(vs.Nodes))
		for i, n := range vs.Nodes {
			nodes[i] = n.Storage
		}

		storages[vs.Name] = nodes
	}

	return storages
}

// DefaultReplicationFactors returns a map with the default replication factors of
// the virtual storages.
func (c Config) DefaultReplicationFactors() map[string]int {
	replicationFactors := make(map[string]int, len(c.VirtualStorages))
	for _, vs := range c.VirtualStorages {
		replicationFactors[vs.Name] = vs.DefaultReplicationFactor
	}

	return replicationFactors
}

// DB holds database configuration data.
type DB struct {
	Host        string `toml:"host,omitempty" envconfig:"host"`
	Port        int    `toml:"port,omitempty" envconfig:"port"`
	User        string `toml:"user,omitempty" envconfig:"user"`
	Password    string `toml:"password,omitempty" envconfig:"password"`
	DBName      string `toml:"dbname,omitempty" envconfig:"dbname"`
	SSLMode     string `toml:"sslmode,omitempty" envconfig:"sslmode"`
	SSLCert     string `toml:"sslcert,omitempty" envconfig:"sslcert"`
	SSLKey      string `toml:"sslkey,omitempty" envconfig:"sslkey"`
	SSLRootCert string `toml:"sslrootcert,omitempty" envconfig:"sslrootcert"`
}
