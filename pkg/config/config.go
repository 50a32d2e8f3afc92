/*
Copyright © 2020 GUILLAUME FOURNIER

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables overriding the configuration,
// ONACCESS_SCANNER_SOCKET_PATH overrides scanner.socket_path
const EnvPrefix = "ONACCESS"

// Config is the daemon configuration
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Mounts    MountsConfig    `mapstructure:"mounts"`
	// PolicyFile is the on-access policy document, watched for changes
	PolicyFile string `mapstructure:"policy_file" validate:"required,startswith=/"`
}

// LoggingConfig - operational and detection logs
type LoggingConfig struct {
	Level      string              `mapstructure:"level" validate:"required,oneof=trace debug info warn warning error"`
	Format     string              `mapstructure:"format" validate:"required,oneof=text json"`
	Output     string              `mapstructure:"output" validate:"required"`
	Detections DetectionsLogConfig `mapstructure:"detections"`
}

// DetectionsLogConfig - rotated detection audit log
type DetectionsLogConfig struct {
	// Path is empty to log detections on stdout
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// ScannerConfig - scanning engine connection and scan workers
type ScannerConfig struct {
	SocketPath string        `mapstructure:"socket_path" validate:"required,startswith=/"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	Workers    int           `mapstructure:"workers" validate:"gte=1,lte=256"`
}

// QueueConfig - scan request queue
type QueueConfig struct {
	Capacity int `mapstructure:"capacity" validate:"gte=1"`
	// DropWarnInterval rate limits the "queue full" warnings
	DropWarnInterval time.Duration `mapstructure:"drop_warn_interval" validate:"gt=0"`
	ProcessCacheSize int           `mapstructure:"process_cache_size" validate:"gte=1"`
}

// TelemetryConfig - counters, report and metrics endpoint
type TelemetryConfig struct {
	MaxFileSystems int           `mapstructure:"max_filesystems" validate:"gte=1"`
	CounterLimit   uint64        `mapstructure:"counter_limit" validate:"gte=1"`
	ReportInterval time.Duration `mapstructure:"report_interval" validate:"gt=0"`
	// Output is one of none, json or table
	Output string `mapstructure:"output" validate:"oneof=none json table"`
	// MetricsAddress serves Prometheus metrics when set
	MetricsAddress string `mapstructure:"metrics_address" validate:"omitempty,hostname_port"`
}

// MountsConfig - mount table interfaces and denied file systems
type MountsConfig struct {
	MountInfo           string   `mapstructure:"mountinfo" validate:"required,startswith=/"`
	SysFs               string   `mapstructure:"sysfs" validate:"required,startswith=/"`
	ExcludedFileSystems []string `mapstructure:"excluded_filesystems"`
}

var validate = validator.New()

// Load reads the configuration file at path, environment variables and
// defaults, in decreasing priority. An empty path only uses the environment
// and the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "couldn't read configuration %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "couldn't decode configuration")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its validation tags
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return errors.Errorf("invalid configuration: %s failed on '%s' (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return errors.Wrap(err, "invalid configuration")
}
