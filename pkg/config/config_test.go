package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/etc/onaccess/policy.yaml", cfg.PolicyFile)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "/run/onaccess/scanner.sock", cfg.Scanner.SocketPath)
	require.Equal(t, 5, cfg.Scanner.MaxRetries)
	require.Equal(t, time.Second, cfg.Scanner.RetryDelay)
	require.Equal(t, 1000, cfg.Queue.Capacity)
	require.Equal(t, 100, cfg.Telemetry.MaxFileSystems)
	require.Equal(t, uint64(1<<64-2), cfg.Telemetry.CounterLimit)
	require.Equal(t, "/proc/self/mountinfo", cfg.Mounts.MountInfo)
	require.Contains(t, cfg.Mounts.ExcludedFileSystems, "squashfs")
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeFile(t, "onaccess.yaml", `
logging:
  level: debug
  format: json
scanner:
  socket_path: /var/run/engine.sock
  retry_delay: 250ms
  workers: 8
queue:
  capacity: 64
telemetry:
  metrics_address: 127.0.0.1:9090
`)
	t.Setenv("ONACCESS_SCANNER_MAX_RETRIES", "2")
	t.Setenv("ONACCESS_POLICY_FILE", "/opt/policy.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, "/var/run/engine.sock", cfg.Scanner.SocketPath)
	require.Equal(t, 250*time.Millisecond, cfg.Scanner.RetryDelay)
	require.Equal(t, 8, cfg.Scanner.Workers)
	require.Equal(t, 2, cfg.Scanner.MaxRetries)
	require.Equal(t, 64, cfg.Queue.Capacity)
	require.Equal(t, "127.0.0.1:9090", cfg.Telemetry.MetricsAddress)
	require.Equal(t, "/opt/policy.yaml", cfg.PolicyFile)
	// untouched keys keep their default
	require.Equal(t, 30*time.Second, cfg.Scanner.Timeout)
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	var testCases = []struct {
		comment string
		content string
	}{
		{comment: "unknown log level", content: "logging:\n  level: loud\n"},
		{comment: "relative socket path", content: "scanner:\n  socket_path: engine.sock\n"},
		{comment: "no worker", content: "scanner:\n  workers: 0\n"},
		{comment: "empty queue", content: "queue:\n  capacity: 0\n"},
		{comment: "unknown telemetry output", content: "telemetry:\n  output: xml\n"},
		{comment: "bad metrics address", content: "telemetry:\n  metrics_address: not an address\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.comment, func(t *testing.T) {
			_, err := Load(writeFile(t, "onaccess.yaml", tc.content))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
