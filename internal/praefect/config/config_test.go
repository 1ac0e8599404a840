package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	vs1Nodes := []*Node{
		{Storage: "internal-1.0", Address: "localhost:23456"},
		{Storage: "internal-2.0", Address: "localhost:23457"},
		{Storage: "internal-3.0", Address: "localhost:23458"},
	}

	vs2Nodes := []*Node{
		// storage can have same name as storage in another virtual storage, but all addresses must be unique
		{Storage: "internal-1.0", Address: "localhost:33456"},
		{Storage: "internal-2.1", Address: "localhost:33457"},
		{Storage: "internal-3.1", Address: "localhost:33458"},
	}

	testCases := []struct {
		desc         string
		changeConfig func(*Config)
		errMsg       string
	}{
		{
			desc:         "Valid config",
			changeConfig: func(*Config) {},
		},
		{
			desc: "Invalid checksum cache size",
			changeConfig: func(cfg *Config) {
				cfg.Replicas.ChecksumCacheSize = -1
			},
			errMsg: "replicas.checksum_cache_size was -1 but must be >=0",
		},
		{
			desc: "No virtual storages",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = nil
			},
			errMsg: "no virtual storages configured",
		},
		{
			desc: "duplicate storage",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = []*VirtualStorage{
					{
						Name: "default",
						Nodes: append(vs1Nodes, &Node{
							Storage: vs1Nodes[0].Storage,
							Address: "localhost:23459",
						}),
					},
				}
			},
			errMsg: `virtual storage "default": internal gitaly storages are not unique`,
		},
		{
			desc: "Node storage has no name",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = []*VirtualStorage{
					{Name: "default", Nodes: []*Node{{Storage: "", Address: "localhost:23456"}}},
				}
			},
			errMsg: `virtual storage "default": all gitaly nodes must have a storage`,
		},
		{
			desc: "Node storage has no address",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = []*VirtualStorage{
					{Name: "default", Nodes: []*Node{{Storage: "internal", Address: ""}}},
				}
			},
			errMsg: `virtual storage "default": all gitaly nodes must have an address`,
		},
		{
			desc: "Virtual storage has no name",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = []*VirtualStorage{
					{Name: "", Nodes: vs1Nodes},
				}
			},
			errMsg: `virtual storages must have a name`,
		},
		{
			desc: "Virtual storage not unique",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = []*VirtualStorage{
					{Name: "default", Nodes: vs1Nodes},
					{Name: "default", Nodes: vs2Nodes},
				}
			},
			errMsg: `virtual storage "default": virtual storages must have unique names`,
		},
		{
			desc: "Virtual storage has no nodes",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = []*VirtualStorage{
					{Name: "default", Nodes: vs1Nodes},
					{Name: "secondary", Nodes: nil},
				}
			},
			errMsg: `virtual storage "secondary": no primary gitaly backends configured`,
		},
		{
			desc: "Node storage has address duplicate",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = []*VirtualStorage{
					{Name: "default", Nodes: vs1Nodes},
					{Name: "secondary", Nodes: append(vs2Nodes, &Node{Storage: "internal-4.1", Address: vs1Nodes[1].Address})},
				}
			},
			errMsg: `virtual storage "secondary": address "localhost:23457" : multiple storages have the same address`,
		},
		{
			desc: "default replication factor too high",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = []*VirtualStorage{
					{
						Name:                     "default",
						DefaultReplicationFactor: 2,
						Nodes:                    []*Node{{Storage: "storage-1", Address: "localhost:23456"}},
					},
				}
			},
			errMsg: `virtual storage "default" has a default replication factor (2) which is higher than the number of storages (1)`,
		},
		{
			desc: "default replication factor negative",
			changeConfig: func(cfg *Config) {
				cfg.VirtualStorages = []*VirtualStorage{
					{
						Name:                     "default",
						DefaultReplicationFactor: -1,
						Nodes:                    []*Node{{Storage: "storage-1", Address: "localhost:23456"}},
					},
				}
			},
			errMsg: `virtual storage "default" has a negative default replication factor`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			config := Config{
				VirtualStorages: []*VirtualStorage{
					{Name: "default", Nodes: vs1Nodes},
					{Name: "secondary", Nodes: vs2Nodes},
				},
			}

			tc.changeConfig(&config)

			err := config.Validate()
			if tc.errMsg == "" {
				require.NoError(t, err)
				return
			}

			require.EqualError(t, err, tc.errMsg)
		})
	}
}

func TestConfigParsing(t *testing.T) {
	testCases := []struct {
		desc     string
		filePath string
		expected Config
	}{
		{
			desc:     "check all configuration values",
			filePath: "testdata/config.toml",
			expected: Config{
				PrometheusListenAddr: "127.0.0.1:9652",
				Logging: Logging{
					Level:  "info",
					Format: "json",
				},
				VirtualStorages: []*VirtualStorage{
					{
						Name:                     "praefect",
						DefaultReplicationFactor: 2,
						Nodes: []*Node{
							{Address: "tcp://gitaly-internal-1.example.com", Storage: "praefect-internal-1"},
							{Address: "tcp://gitaly-internal-2.example.com", Storage: "praefect-internal-2"},
							{Address: "tcp://gitaly-internal-3.example.com", Storage: "praefect-internal-3"},
						},
					},
					{
						Name: "other",
						Nodes: []*Node{
							{Address: "tcp://gitaly-other.example.com", Storage: "praefect-internal-1"},
						},
					},
				},
				DB: DB{
					Host:        "1.2.3.4",
					Port:        5432,
					User:        "praefect",
					Password:    "db-secret",
					DBName:      "praefect_production",
					SSLMode:     "require",
					SSLCert:     "/path/to/cert",
					SSLKey:      "/path/to/key",
					SSLRootCert: "/path/to/root-cert",
				},
				Failover: Failover{MonitorInterval: Duration(5 * time.Second)},
				Replicas: Replicas{ChecksumCacheSize: 512},
			},
		},
		{
			desc:     "defaults are set when values are omitted",
			filePath: "testdata/config.overwritedefaults.toml",
			expected: Config{
				VirtualStorages: []*VirtualStorage{
					{
						Name: "praefect",
						Nodes: []*Node{
							{Address: "tcp://gitaly-internal-1.example.com", Storage: "praefect-internal-1"},
						},
					},
				},
				Failover: Failover{MonitorInterval: Duration(3 * time.Second)},
				Replicas: Replicas{ChecksumCacheSize: 1024},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg, err := FromFile(tc.filePath)
			require.NoError(t, err)
			require.Equal(t, tc.expected, cfg)
			require.NoError(t, cfg.Validate())
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := FromFile("testdata/does-not-exist.toml")
		require.True(t, os.IsNotExist(err), err)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("[[virtual_storage]\n"), 0o644))

		_, err := FromFile(path)
		require.Error(t, err)
	})

	t.Run("invalid duration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("[failover]\nmonitor_interval = \"often\"\n"), 0o644))

		_, err := FromFile(path)
		require.Error(t, err)
	})
}

func TestConfigParsing_environment(t *testing.T) {
	for key, value := range map[string]string{
		"PRAEFECT_DATABASE_HOST":     "db.internal",
		"PRAEFECT_DATABASE_PORT":     "6432",
		"PRAEFECT_DATABASE_PASSWORD": "env-secret",
	} {
		require.NoError(t, os.Setenv(key, value))
		defer func(key string) { require.NoError(t, os.Unsetenv(key)) }(key)
	}

	cfg, err := FromFile("testdata/config.toml")
	require.NoError(t, err)
	require.Equal(t, DB{
		Host:        "db.internal",
		Port:        6432,
		User:        "praefect",
		Password:    "env-secret",
		DBName:      "praefect_production",
		SSLMode:     "require",
		SSLCert:     "/path/to/cert",
		SSLKey:      "/path/to/key",
		SSLRootCert: "/path/to/root-cert",
	}, cfg.DB)

	require.NoError(t, os.Setenv("PRAEFECT_DATABASE_PORT", "not-a-port"))
	_, err = FromFile("testdata/config.toml")
	require.Error(t, err)
}

func TestVirtualStorageNames(t *testing.T) {
	conf := Config{VirtualStorages: []*VirtualStorage{{Name: "praefect-1"}, {Name: "praefect-2"}}}
	require.Equal(t, []string{"praefect-1", "praefect-2"}, conf.VirtualStorageNames())
}

func TestStorageNames(t *testing.T) {
	conf := Config{
		VirtualStorages: []*VirtualStorage{
			{Name: "virtual-storage-1", Nodes: []*Node{{Storage: "gitaly-1"}, {Storage: "gitaly-2"}}},
			{Name: "virtual-storage-2", Nodes: []*Node{{Storage: "gitaly-3"}, {Storage: "gitaly-4"}}},
		}}
	require.Equal(t, map[string][]string{
		"virtual-storage-1": {"gitaly-1", "gitaly-2"},
		"virtual-storage-2": {"gitaly-3", "gitaly-4"},
	}, conf.StorageNames())
}

func TestDefaultReplicationFactors(t *testing.T) {
	for _, tc := range []struct {
		desc                      string
		virtualStorages           []*VirtualStorage
		defaultReplicationFactors map[string]int
	}{
		{
			desc:                      "replication factors set on some",
			virtualStorages:           []*VirtualStorage{{Name: "virtual-storage-1", DefaultReplicationFactor: 0}, {Name: "virtual-storage-2", DefaultReplicationFactor: 1}},
			defaultReplicationFactors: map[string]int{"virtual-storage-1": 0, "virtual-storage-2": 1},
		},
		{
			desc:                      "returns always initialized map",
			virtualStorages:           []*VirtualStorage{},
			defaultReplicationFactors: map[string]int{},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.defaultReplicationFactors, Config{VirtualStorages: tc.virtualStorages}.DefaultReplicationFactors())
		})
	}
}

func TestNeedsSQL(t *testing.T) {
	testCases := []struct {
		desc     string
		config   Config
		expected bool
	}{
		{
			desc:     "default",
			config:   Config{},
			expected: false,
		},
		{
			desc:     "database configured",
			config:   Config{DB: DB{Host: "1.2.3.4"}},
			expected: true,
		},
		{
			desc:     "database without a host",
			config:   Config{DB: DB{User: "praefect", DBName: "praefect_production"}},
			expected: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.config.NeedsSQL())
		})
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))

	require.Error(t, d.UnmarshalText([]byte("90")))
}
