// Package config provides a reusable loader for vcscored's configuration
// file and environment variables, mirroring the teacher's pkg/config
// pattern: a typed struct with mapstructure tags, populated by viper from a
// YAML file merged with VCSCORE_*-prefixed environment overrides.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/vcscore/vcscore/pkg/utils"
)

// Config is the unified configuration for one vcscored node.
type Config struct {
	Repository struct {
		// Path is the bbolt database file backing the repository (spec §6).
		Path string `mapstructure:"path" yaml:"path"`
	} `mapstructure:"repository" yaml:"repository"`

	Server struct {
		ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	} `mapstructure:"server" yaml:"server"`

	Sync struct {
		// MaxUploadBytes bounds one outbound message in client mode
		// (`vcscored sync`, spec §4.4.2 "max-upload"); MaxDownloadBytes
		// bounds one reply in server mode (spec §4.4.3 "max-download").
		MaxUploadBytes      int `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
		MaxDownloadBytes    int `mapstructure:"max_download_bytes" yaml:"max_download_bytes"`
		MaxPhantomsPerRound int `mapstructure:"max_phantoms_per_round" yaml:"max_phantoms_per_round"`
		MaxLoginRetries     int `mapstructure:"max_login_retries" yaml:"max_login_retries"`
	} `mapstructure:"sync" yaml:"sync"`

	Cluster struct {
		// UnclusteredThreshold/MaxClusterSize override the §4.1 cluster
		// maintenance defaults, applied to the repository via
		// store.SetClusterLimits at startup.
		UnclusteredThreshold int `mapstructure:"unclustered_threshold" yaml:"unclustered_threshold"`
		MaxClusterSize       int `mapstructure:"max_cluster_size" yaml:"max_cluster_size"`
	} `mapstructure:"cluster" yaml:"cluster"`

	Schema struct {
		// Content/Aux are the schema-version strings exchanged via the
		// sync protocol's config cards (spec §6 "content/aux schema
		// negotiation").
		Content string `mapstructure:"content" yaml:"content"`
		Aux     string `mapstructure:"aux" yaml:"aux"`
	} `mapstructure:"schema" yaml:"schema"`

	Logging struct {
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"logging" yaml:"logging"`

	Project struct {
		Code string `mapstructure:"code" yaml:"code"`
		Name string `mapstructure:"name" yaml:"name"`
	} `mapstructure:"project" yaml:"project"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repository.path", "vcscore.db")
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("sync.max_upload_bytes", 250*1024)
	v.SetDefault("sync.max_download_bytes", 5*1024*1024)
	v.SetDefault("sync.max_phantoms_per_round", 500)
	v.SetDefault("sync.max_login_retries", 1)
	v.SetDefault("cluster.unclustered_threshold", 100)
	v.SetDefault("cluster.max_cluster_size", 800)
	v.SetDefault("schema.content", "2.0")
	v.SetDefault("schema.aux", "1.0")
	v.SetDefault("logging.level", "info")
}

// Load reads name.yaml (searching the working directory and /etc/vcscored)
// and merges VCSCORE_*-prefixed environment overrides, e.g.
// VCSCORE_SERVER_LISTEN_ADDR overrides server.listen_addr. If the named
// file does not exist, defaults and environment overrides still apply —
// a config file is convenience, not a requirement (spec §9 "a bare
// `vcscored serve` with no file should still run").
func Load(name string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if name == "" {
		name = "vcscore"
	}
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vcscored")

	v.SetEnvPrefix("VCSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the VCSCORE_CONFIG_NAME
// environment variable to pick the config file's base name.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("VCSCORE_CONFIG_NAME", ""))
}
