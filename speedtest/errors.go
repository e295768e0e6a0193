package speedtest

import "github.com/pkg/errors"

var (
	// ErrCapacityExceeded means the registry holds its maximum number of
	// concurrent runs; the caller should back off and retry later.
	ErrCapacityExceeded = errors.New("too many concurrent runs")

	// ErrNotFound covers unknown, malformed, evicted and released tokens.
	ErrNotFound = errors.New("run not found")

	// ErrPhaseMismatch rejects out-of-order, replayed and duplicate requests.
	ErrPhaseMismatch = errors.New("phase mismatch")

	ErrIncompleteDownload = errors.New("download interrupted before the payload was sent")
	ErrIncompleteUpload   = errors.New("upload interrupted before the body was received")
	ErrUploadTooLarge     = errors.New("upload exceeds the configured limit")

	// ErrUnmeasurable is a valid, inconclusive outcome: the measured window
	// is shorter than the clock resolution we are willing to trust.
	ErrUnmeasurable = errors.New("elapsed time below measurement resolution")

	ErrIncompleteMeasurement = errors.New("run has not recorded the instants needed for a measurement")
)
