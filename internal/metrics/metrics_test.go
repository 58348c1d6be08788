package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("capture")
	IncStart("capture")
	IncCrash("capture")
	assert.Equal(t, 2.0, testutil.ToFloat64(workloadStarts.WithLabelValues("capture")))
	assert.Equal(t, 1.0, testutil.ToFloat64(workloadCrashes.WithLabelValues("capture")))

	all := []string{"inactive", "running"}
	SetState("capture", "running", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(workloadState.WithLabelValues("capture", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(workloadState.WithLabelValues("capture", "inactive")))

	SetConnected("camera_35", true)
	IncSegment("camera_35", "checkpoint")
	SetDiskFree(1 << 30)
	SetUploadBacklog(map[string]int{"PENDING": 3})

	expected := `
# HELP camwarden_disk_free_bytes Free bytes on the capture volume.
# TYPE camwarden_disk_free_bytes gauge
camwarden_disk_free_bytes 1.073741824e+09
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "camwarden_disk_free_bytes"))
	assert.Equal(t, 3.0, testutil.ToFloat64(uploadBacklog.WithLabelValues("PENDING")))
}
