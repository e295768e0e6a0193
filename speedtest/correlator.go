package speedtest

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

const DefaultResolution = time.Millisecond

// Correlator turns the instants recorded for a run into metrics. It holds
// no state besides its configuration, so equal inputs give equal outputs.
type Correlator struct {
	resolution time.Duration
}

func NewCorrelator(resolution time.Duration) *Correlator {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &Correlator{resolution: resolution}
}

func (c *Correlator) Resolution() time.Duration {
	return c.resolution
}

// Throughput returns bytes*8 divided by elapsed seconds. Windows shorter
// than the resolution yield ErrUnmeasurable.
func (c *Correlator) Throughput(bytes int64, elapsed time.Duration) (Rate, error) {
	rate := Rate{Bytes: bytes, Elapsed: elapsed}

	if bytes <= 0 {
		return rate, errors.Wrapf(ErrIncompleteMeasurement, "%d bytes transferred", bytes)
	}
	if elapsed < c.resolution {
		rate.Humanized = "inconclusive"
		return rate, errors.Wrapf(ErrUnmeasurable, "%s < %s", elapsed, c.resolution)
	}

	bps := float64(bytes) * 8 / elapsed.Seconds()
	if math.IsInf(bps, 0) || math.IsNaN(bps) || bps <= 0 {
		rate.Humanized = "inconclusive"
		return rate, errors.Wrapf(ErrUnmeasurable, "%d bytes in %s", bytes, elapsed)
	}

	rate.BitsPerSecond = bps
	rate.Measurable = true
	rate.Humanized = FormatBitsPerSecond(bps)
	return rate, nil
}

// ComputeMetrics requires a run that went through both transfer phases.
// Unmeasurable directions are part of the result, not an error.
func (c *Correlator) ComputeMetrics(state RunState) (*Metrics, error) {
	if state.Phase != PhaseUploadFinished && state.Phase != PhaseCompleted {
		return nil, errors.Wrapf(ErrIncompleteMeasurement, "run %s is %s", state.Token, state.Phase)
	}
	if state.DownloadFirstByte.IsZero() || state.DownloadFollowup.IsZero() {
		return nil, errors.Wrapf(ErrIncompleteMeasurement, "run %s: download instants missing", state.Token)
	}
	if state.UploadFirstByte.IsZero() || state.UploadLastByte.IsZero() {
		return nil, errors.Wrapf(ErrIncompleteMeasurement, "run %s: upload instants missing", state.Token)
	}

	download, err := c.Throughput(state.PayloadSize, state.DownloadElapsed())
	if err != nil && !errors.Is(err, ErrUnmeasurable) {
		return nil, errors.Wrap(err, "download")
	}

	upload, err := c.Throughput(state.UploadSize, state.UploadElapsed())
	if err != nil && !errors.Is(err, ErrUnmeasurable) {
		return nil, errors.Wrap(err, "upload")
	}

	metrics := &Metrics{
		Token:           state.Token,
		Download:        download,
		Upload:          upload,
		DownloadWindows: getF64Stats(state.DownloadWindows),
		UploadWindows:   getF64Stats(state.UploadWindows),
		Latency:         getDurationMSStats(state.RTTSamples),
	}
	if metrics.Latency != nil {
		metrics.LatencyHumanized = FormatMilliseconds(metrics.Latency.Mean)
	}

	return metrics, nil
}
