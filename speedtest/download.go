package speedtest

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
)

const DefaultChunkSize = 32000

// fillerAlphabet never forms "--" or ">", so the payload can sit inside an
// HTML comment without terminating it.
const fillerAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Envelope is the protocol content negotiated with the page renderer. Prefix
// precedes the payload, Marker follows it and must make the client issue the
// download follow-up request. Neither counts towards the payload.
type Envelope struct {
	Prefix []byte
	Marker []byte
}

func (e Envelope) ContentLength(payloadSize int64) int64 {
	return int64(len(e.Prefix)) + payloadSize + int64(len(e.Marker))
}

// StreamWriter is a response body that can push buffered bytes to the
// transport on demand.
type StreamWriter interface {
	io.Writer
	Flush() error
}

type Downloader struct {
	registry *Registry
	filler   []byte
	logger   *slog.Logger
}

func NewDownloader(registry *Registry, chunkSize int, logger *slog.Logger) *Downloader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	filler := make([]byte, chunkSize)
	for i := range filler {
		filler[i] = fillerAlphabet[rand.IntN(len(fillerAlphabet))]
	}

	return &Downloader{
		registry: registry,
		filler:   filler,
		logger:   logger,
	}
}

// Begin claims the download of a freshly created run. It must succeed before
// any byte of the response is written.
func (d *Downloader) Begin(token Token) (RunState, error) {
	return d.registry.TransitionWith(token, PhaseCreated, PhaseDownloadStarted, nil)
}

// Stream writes prefix, payload and marker. It returns the number of payload
// bytes handed to the transport. If the client goes away first, the run is
// aborted and ErrIncompleteDownload is returned.
func (d *Downloader) Stream(ctx context.Context, run RunState, w StreamWriter, envelope Envelope) (int64, error) {
	if _, err := w.Write(envelope.Prefix); err != nil {
		return d.abort(run, 0, err)
	}
	if err := w.Flush(); err != nil {
		return d.abort(run, 0, err)
	}

	sampler := NewSamplingWriter(w, d.registry.Clock(), func() {
		_ = d.registry.Touch(run.Token)
	})

	for remaining := run.PayloadSize; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return d.abort(run, sampler.Size, err)
		}

		chunk := d.filler
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		n, err := sampler.Write(chunk)
		remaining -= int64(n)
		if err != nil {
			return d.abort(run, sampler.Size, err)
		}
	}

	_, err := d.registry.Update(run.Token, func(state *RunState) error {
		state.DownloadFirstByte = sampler.FirstAt
		state.DownloadSent = sampler.Size
		state.DownloadWindows = sampler.Windows
		return nil
	}, PhaseDownloadStarted)
	if err != nil {
		return sampler.Size, err
	}

	if _, err := w.Write(envelope.Marker); err != nil {
		return d.abort(run, sampler.Size, errors.Wrap(err, "marker not delivered"))
	}
	if err := w.Flush(); err != nil {
		return d.abort(run, sampler.Size, errors.Wrap(err, "marker not delivered"))
	}

	return sampler.Size, nil
}

func (d *Downloader) abort(run RunState, sent int64, cause error) (int64, error) {
	_, err := d.registry.TransitionWith(run.Token, PhaseDownloadStarted, PhaseAborted, func(state *RunState) error {
		state.DownloadSent = sent
		return nil
	})
	if err != nil {
		// the follow-up already arrived or the run is gone
		d.logger.Debug("download abort skipped",
			slog.String("token", run.Token.String()),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Warn("download aborted",
		slog.String("token", run.Token.String()),
		slog.Int64("sent", sent),
		slog.Int64("payload", run.PayloadSize),
		slog.String("cause", cause.Error()),
	)

	return sent, errors.Wrapf(ErrIncompleteDownload, "%d of %d payload bytes sent: %v", sent, run.PayloadSize, cause)
}

// FinishDownload records the arrival of the follow-up request provoked by
// the marker. A follow-up arriving while the payload is still in flight, or
// a second follow-up, is rejected with ErrPhaseMismatch.
func (d *Downloader) FinishDownload(token Token, arrivedAt time.Time) (RunState, error) {
	return d.registry.TransitionWith(token, PhaseDownloadStarted, PhaseDownloadFinished, func(state *RunState) error {
		if state.DownloadFirstByte.IsZero() || state.DownloadSent < state.PayloadSize {
			return errors.Wrapf(ErrPhaseMismatch, "run %s: follow-up with %d of %d payload bytes sent", token, state.DownloadSent, state.PayloadSize)
		}
		if arrivedAt.Before(state.DownloadFirstByte) {
			return errors.Wrapf(ErrPhaseMismatch, "run %s: follow-up predates the first payload byte", token)
		}
		state.DownloadFollowup = arrivedAt
		return nil
	})
}
