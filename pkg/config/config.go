package config

// Package config provides a reusable loader for the archive daemon's
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"

	"github.com/spf13/viper"

	"chainarchive/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config represents the unified configuration for an archive daemon. It
// mirrors the structure of the YAML files under cmd/config in the teacher
// repo this package was adapted from, extended with the sections this
// daemon actually needs.
type Config struct {
	Network struct {
		ID           string `mapstructure:"id" json:"id"`
		ListenAddr   string `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag string `mapstructure:"discovery_tag" json:"discovery_tag"`
	} `mapstructure:"network" json:"network"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	// Archive configures the archive manager and slice catalog (§4.4/§4.5).
	Archive struct {
		Root            string `mapstructure:"root" json:"root"`
		ArchiveSize     uint32 `mapstructure:"archive_size" json:"archive_size"`
		KeyArchiveSize  uint32 `mapstructure:"key_archive_size" json:"key_archive_size"`
		SubSliceSize    uint32 `mapstructure:"sub_slice_size" json:"sub_slice_size"`
		TempBucketSecs  int64  `mapstructure:"temp_bucket_secs" json:"temp_bucket_secs"`
		TempTTLSecs     int64  `mapstructure:"temp_ttl_secs" json:"temp_ttl_secs"`
		ArchiveTTLSecs  int64  `mapstructure:"archive_ttl_secs" json:"archive_ttl_secs"`
		AsyncBatchCount int    `mapstructure:"async_batch_count" json:"async_batch_count"`
	} `mapstructure:"archive" json:"archive"`

	// CellStore configures the content-addressed cell graph (§4.2).
	CellStore struct {
		Path               string `mapstructure:"path" json:"path"`
		DepthCutoff        int    `mapstructure:"depth_cutoff" json:"depth_cutoff"`
		MigrationBatchSize int    `mapstructure:"migration_batch_size" json:"migration_batch_size"`
	} `mapstructure:"cell_store" json:"cell_store"`

	// LiteServer configures the lite-query dispatcher surface (§4.9, §6).
	LiteServer struct {
		ListenAddr       string  `mapstructure:"listen_addr" json:"listen_addr"`
		QueryTimeoutMS   int     `mapstructure:"query_timeout_ms" json:"query_timeout_ms"`
		RateLimitPerSec  float64 `mapstructure:"rate_limit_per_sec" json:"rate_limit_per_sec"`
		RateLimitBurst   int     `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`
		ValidatorConsole string  `mapstructure:"validator_console_addr" json:"validator_console_addr"`
	} `mapstructure:"lite_server" json:"lite_server"`

	// GC configures the retention sweep (§4.5 "run_gc", §3 "Lifecycle").
	GC struct {
		IntervalSecs int `mapstructure:"interval_secs" json:"interval_secs"`
	} `mapstructure:"gc" json:"gc"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	setDefaults()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up matching process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ARCHIVED_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ARCHIVED_ENV", ""))
}

// setDefaults seeds viper with the defaults a freshly initialized db-root
// should run with absent any config file overrides.
func setDefaults() {
	viper.SetDefault("archive.archive_size", uint32(20000))
	viper.SetDefault("archive.key_archive_size", uint32(200000))
	viper.SetDefault("archive.sub_slice_size", uint32(100))
	viper.SetDefault("archive.temp_bucket_secs", int64(3600))
	viper.SetDefault("archive.temp_ttl_secs", int64(3600))
	viper.SetDefault("archive.archive_ttl_secs", int64(86400*365))
	viper.SetDefault("archive.async_batch_count", 100)

	viper.SetDefault("cell_store.depth_cutoff", 8)
	viper.SetDefault("cell_store.migration_batch_size", 256)

	viper.SetDefault("lite_server.query_timeout_ms", 10000)
	viper.SetDefault("lite_server.rate_limit_per_sec", float64(50))
	viper.SetDefault("lite_server.rate_limit_burst", 100)

	viper.SetDefault("gc.interval_secs", 60)
}
