package config

// Package config provides a reusable loader for erik relay configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"erik/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// DiskMapping maps a lowercased HTTPS authority to a local base directory
// the fetch resolver should read fixtures from instead of dialing out.
type DiskMapping struct {
	Host    string `mapstructure:"host" json:"host"`
	BaseDir string `mapstructure:"base_dir" json:"base_dir"`
}

// Config is the unified configuration for an erik relay process. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	RRDP struct {
		NotifyURI    string        `mapstructure:"notify_uri" json:"notify_uri"`
		UserAgent    string        `mapstructure:"user_agent" json:"user_agent"`
		PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
		InsecureTLS  bool          `mapstructure:"insecure_tls" json:"insecure_tls"`
	} `mapstructure:"rrdp" json:"rrdp"`

	Fetch struct {
		DiskMappings []DiskMapping `mapstructure:"disk_mappings" json:"disk_mappings"`
	} `mapstructure:"fetch" json:"fetch"`

	Index struct {
		Scope string `mapstructure:"scope" json:"scope"`
	} `mapstructure:"index" json:"index"`

	HTTP struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"http" json:"http"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	return LoadWithFile(env, "")
}

// LoadWithFile behaves like Load, except that when configFile is non-empty
// it is read directly (via viper.SetConfigFile) instead of searching
// cmd/config and config for a file named "default".
func LoadWithFile(env, configFile string) (*Config, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("default")
		viper.AddConfigPath("cmd/config")
		viper.AddConfigPath("config")
		viper.SetConfigType("yaml")
	}
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("ERIK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up ERIK_* overrides loaded from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if AppConfig.RRDP.UserAgent == "" {
		AppConfig.RRDP.UserAgent = "erik-relay/0.1"
	}
	if AppConfig.RRDP.PollInterval == 0 {
		AppConfig.RRDP.PollInterval = 5 * time.Minute
	}
	if AppConfig.HTTP.ListenAddr == "" {
		AppConfig.HTTP.ListenAddr = ":8080"
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ERIK_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ERIK_ENV", ""))
}
