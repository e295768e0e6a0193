package speedtest

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

const uploadBufferSize = 32 * 1024

type UploadReport struct {
	Size      int64
	FirstByte time.Time
	LastByte  time.Time
}

// Uploader is the sink for the upload phase. Bodies are read through one
// fixed buffer and dropped, so memory does not grow with the upload size.
type Uploader struct {
	registry *Registry
	maxSize  int64 // 0 means unlimited
	logger   *slog.Logger
}

func NewUploader(registry *Registry, maxSize int64, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		registry: registry,
		maxSize:  maxSize,
		logger:   logger,
	}
}

func (u *Uploader) MaxSize() int64 {
	return u.maxSize
}

func (u *Uploader) Begin(token Token) (RunState, error) {
	return u.registry.TransitionWith(token, PhaseDownloadFinished, PhaseUploadStarted, nil)
}

// Consume drains body. declared is the length announced by the client, or
// a negative value when unknown.
func (u *Uploader) Consume(ctx context.Context, run RunState, body io.Reader, declared int64) (*UploadReport, error) {
	if u.maxSize > 0 && declared > u.maxSize {
		return nil, u.Abort(run, 0, errors.Wrapf(ErrUploadTooLarge, "%d bytes announced, limit is %d", declared, u.maxSize))
	}

	sampler := NewSamplingReader(body, u.registry.Clock(), func() {
		_ = u.registry.Touch(run.Token)
	})
	buf := make([]byte, uploadBufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, u.Abort(run, sampler.Size, errors.Wrapf(ErrIncompleteUpload, "%v", err))
		}

		_, err := sampler.Read(buf)

		if u.maxSize > 0 && sampler.Size > u.maxSize {
			return nil, u.Abort(run, sampler.Size, errors.Wrapf(ErrUploadTooLarge, "limit is %d bytes", u.maxSize))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, u.Abort(run, sampler.Size, errors.Wrapf(ErrIncompleteUpload, "%v", err))
		}
	}

	if sampler.Size == 0 {
		return nil, u.Abort(run, 0, errors.Wrap(ErrIncompleteUpload, "empty body"))
	}
	if declared >= 0 && sampler.Size != declared {
		return nil, u.Abort(run, sampler.Size, errors.Wrapf(ErrIncompleteUpload, "%d of %d announced bytes received", sampler.Size, declared))
	}

	_, err := u.registry.TransitionWith(run.Token, PhaseUploadStarted, PhaseUploadFinished, func(state *RunState) error {
		state.UploadFirstByte = sampler.FirstAt
		state.UploadLastByte = sampler.LastAt
		state.UploadSize = sampler.Size
		state.UploadWindows = sampler.Windows
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &UploadReport{
		Size:      sampler.Size,
		FirstByte: sampler.FirstAt,
		LastByte:  sampler.LastAt,
	}, nil
}

// Abort moves an upload in progress to PhaseAborted and returns cause.
func (u *Uploader) Abort(run RunState, received int64, cause error) error {
	if err := u.registry.Transition(run.Token, PhaseUploadStarted, PhaseAborted); err != nil {
		u.logger.Debug("upload abort skipped",
			slog.String("token", run.Token.String()),
			slog.String("error", err.Error()),
		)
	}

	u.logger.Warn("upload aborted",
		slog.String("token", run.Token.String()),
		slog.Int64("received", received),
		slog.String("cause", cause.Error()),
	)

	return cause
}
