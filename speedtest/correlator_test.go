package speedtest

import (
	"math"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func finishedRunState(downloadElapsed, uploadElapsed time.Duration) RunState {
	start := time.Unix(1700000000, 0)

	return RunState{
		Token:             Token("0123456789abcdef0123456789abcdef"),
		Phase:             PhaseUploadFinished,
		PayloadSize:       10_000_000,
		DownloadFirstByte: start,
		DownloadFollowup:  start.Add(downloadElapsed),
		DownloadSent:      10_000_000,
		DownloadWindows:   []float64{70, 80, 90, 80},
		UploadFirstByte:   start.Add(2 * time.Second),
		UploadLastByte:    start.Add(2*time.Second + uploadElapsed),
		UploadSize:        5_000_000,
		UploadWindows:     []float64{40, 80, 120},
		RTTSamples:        []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
	}
}

func TestThroughput_OneSecond(t *testing.T) {
	rate, err := NewCorrelator(time.Millisecond).Throughput(10_000_000, time.Second)

	assert.NilError(t, err)
	assert.Equal(t, rate.BitsPerSecond, 80_000_000.0)
	assert.Equal(t, rate.Measurable, true)
	assert.Equal(t, rate.Humanized, "80.0 Mbps")
}

func TestThroughput_BelowResolution(t *testing.T) {
	rate, err := NewCorrelator(time.Millisecond).Throughput(10_000_000, 200*time.Microsecond)

	assert.ErrorIs(t, err, ErrUnmeasurable)
	assert.Equal(t, rate.Measurable, false)
	assert.Equal(t, rate.BitsPerSecond, 0.0)
}

func TestThroughput_NoBytes(t *testing.T) {
	_, err := NewCorrelator(time.Millisecond).Throughput(0, time.Second)

	assert.ErrorIs(t, err, ErrIncompleteMeasurement)
}

func TestThroughput_PositiveAndFinite(t *testing.T) {
	correlator := NewCorrelator(time.Millisecond)

	for _, size := range []int64{1, 1000, 25_000_000, math.MaxInt64} {
		for _, elapsed := range []time.Duration{time.Millisecond, 37 * time.Millisecond, time.Second, time.Hour} {
			rate, err := correlator.Throughput(size, elapsed)

			assert.NilError(t, err)
			assert.Assert(t, rate.BitsPerSecond > 0, "%d bytes in %s", size, elapsed)
			assert.Assert(t, !math.IsInf(rate.BitsPerSecond, 0), "%d bytes in %s", size, elapsed)
		}
	}
}

func TestComputeMetrics(t *testing.T) {
	metrics, err := NewCorrelator(time.Millisecond).ComputeMetrics(finishedRunState(time.Second, 500*time.Millisecond))

	assert.NilError(t, err)
	assert.Equal(t, metrics.Download.BitsPerSecond, 80_000_000.0)
	assert.Equal(t, metrics.Upload.BitsPerSecond, 80_000_000.0)
	assert.Equal(t, metrics.Upload.Bytes, int64(5_000_000))
	assert.Assert(t, metrics.Measurable())
	assert.Equal(t, metrics.DownloadWindows.NSamples, 4)
	assert.Equal(t, metrics.DownloadWindows.Mean, 80.0)
	assert.Equal(t, metrics.UploadWindows.NSamples, 3)
	assert.Equal(t, metrics.Latency.NSamples, 3)
	assert.Equal(t, metrics.Latency.Min, 10.0)
	assert.Equal(t, metrics.Latency.Max, 30.0)
	assert.Equal(t, metrics.LatencyHumanized, "20.0ms")
}

func TestComputeMetrics_UnmeasurableDownload(t *testing.T) {
	metrics, err := NewCorrelator(time.Millisecond).ComputeMetrics(finishedRunState(200*time.Microsecond, time.Second))

	assert.NilError(t, err)
	assert.Equal(t, metrics.Download.Measurable, false)
	assert.Equal(t, metrics.Download.Humanized, "inconclusive")
	assert.Equal(t, metrics.Upload.Measurable, true)
	assert.Assert(t, !metrics.Measurable())
}

func TestComputeMetrics_Idempotent(t *testing.T) {
	correlator := NewCorrelator(time.Millisecond)
	state := finishedRunState(1234*time.Millisecond, 987*time.Millisecond)

	first, err := correlator.ComputeMetrics(state)
	assert.NilError(t, err)
	second, err := correlator.ComputeMetrics(state)
	assert.NilError(t, err)

	assert.DeepEqual(t, first, second)
}

func TestComputeMetrics_Incomplete(t *testing.T) {
	correlator := NewCorrelator(time.Millisecond)

	for _, phase := range []Phase{PhaseCreated, PhaseDownloadStarted, PhaseDownloadFinished, PhaseUploadStarted, PhaseAborted, PhaseExpired} {
		state := finishedRunState(time.Second, time.Second)
		state.Phase = phase

		_, err := correlator.ComputeMetrics(state)
		assert.ErrorIs(t, err, ErrIncompleteMeasurement, phase.String())
	}

	state := finishedRunState(time.Second, time.Second)
	state.DownloadFollowup = time.Time{}
	_, err := correlator.ComputeMetrics(state)
	assert.ErrorIs(t, err, ErrIncompleteMeasurement)

	state = finishedRunState(time.Second, time.Second)
	state.UploadFirstByte = time.Time{}
	_, err = correlator.ComputeMetrics(state)
	assert.ErrorIs(t, err, ErrIncompleteMeasurement)
}
