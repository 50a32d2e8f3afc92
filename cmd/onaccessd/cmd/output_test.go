package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Gui774ume/onaccess/pkg/telemetry"
)

type staticSource struct {
	calls atomic.Int32
	t     telemetry.Telemetry
}

func (s *staticSource) Telemetry() telemetry.Telemetry {
	s.calls.Add(1)
	return s.t
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	helper := telemetry.NewHelper()
	helper.SetStrings(telemetry.KeyFileSystems, []string{"xfs", "ext4"})
	helper.AddTelemetry(telemetry.Telemetry{PercentageEventsDropped: 12.5, PercentageScanErrors: 1})

	require.NoError(t, JSONOutput{output: &buf}.Write(helper))
	require.True(t, strings.HasSuffix(buf.String(), "\n"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, 12.5, decoded[telemetry.KeyEventsDropped])
	require.Equal(t, float64(1), decoded[telemetry.KeyScanErrors])
	require.Equal(t, []interface{}{"ext4", "xfs"}, decoded[telemetry.KeyFileSystems])
}

func TestTableOutput(t *testing.T) {
	var buf bytes.Buffer
	out := NewTableOutput(&buf)
	helper := telemetry.NewHelper()
	helper.AddTelemetry(telemetry.Telemetry{PercentageEventsDropped: 50})
	helper.Set(telemetry.KeyMarkedMountCount, 3)
	helper.SetStrings(telemetry.KeyFileSystems, []string{"ext4", "nfs4"})

	require.NoError(t, out.Write(helper))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "TS"))
	require.Contains(t, lines[1], "50.00%")
	require.Contains(t, lines[1], "0.00%")
	require.Contains(t, lines[1], "ext4,nfs4")
}

func TestReporterCollectsPeriodically(t *testing.T) {
	source := &staticSource{t: telemetry.Telemetry{PercentageScanErrors: 25}}
	helper := telemetry.NewHelper()
	r, err := NewReporter(source, helper, "none", "", 5*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return source.calls.Load() >= 2 }, 5*time.Second, time.Millisecond)
	r.Close()

	value, ok := helper.Get(telemetry.KeyScanErrors)
	require.True(t, ok)
	require.Equal(t, 25.0, value)
}
