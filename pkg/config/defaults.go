package config

import (
	"math"
	"time"

	"github.com/spf13/viper"

	"github.com/Gui774ume/onaccess/pkg/mount"
	"github.com/Gui774ume/onaccess/pkg/scan"
	"github.com/Gui774ume/onaccess/pkg/utils"
)

// Default values, also the keys environment variables can override
var defaults = map[string]interface{}{
	"policy_file": "/etc/onaccess/policy.yaml",

	"logging.level":                   "info",
	"logging.format":                  "text",
	"logging.output":                  "stderr",
	"logging.detections.path":         "/var/log/onaccess/detections.log",
	"logging.detections.max_size_mb":  100,
	"logging.detections.max_backups":  5,
	"logging.detections.max_age_days": 30,

	"scanner.socket_path": scan.DefaultSocketPath,
	"scanner.timeout":     scan.DefaultTimeout,
	"scanner.max_retries": scan.DefaultMaxRetries,
	"scanner.retry_delay": scan.DefaultRetryDelay,
	"scanner.workers":     4,

	"queue.capacity":           1000,
	"queue.drop_warn_interval": 10 * time.Second,
	"queue.process_cache_size": 1024,

	"telemetry.max_filesystems": mount.DefaultMaxFileSystems,
	"telemetry.counter_limit":   uint64(math.MaxUint64 - 1),
	"telemetry.report_interval": time.Minute,
	"telemetry.output":          "none",
	"telemetry.metrics_address": "",

	"mounts.mountinfo":            utils.ProcSelfMountinfoPath,
	"mounts.sysfs":                "/sys",
	"mounts.excluded_filesystems": mount.DefaultExcludedFileSystems,
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
