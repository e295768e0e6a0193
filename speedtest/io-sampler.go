package speedtest

import (
	"io"
	"time"
)

const (
	ioSamplingWindowWidth = 100 * time.Millisecond
	ioSamplingMaxWindows  = 4096
	progressInterval      = time.Second
)

// IOSampler tallies the bytes of one transfer and timestamps its first and
// last I/O events. Rates are folded into fixed-width windows as the transfer
// goes, so memory stays bounded whatever the transfer size.
type IOSampler struct {
	Size    int64
	FirstAt time.Time
	LastAt  time.Time
	Windows []float64 // Mbps

	clock       Clock
	windowStart time.Time
	windowSize  int64

	progress     func()
	lastProgress time.Time
}

func newIOSampler(clk Clock, progress func()) IOSampler {
	return IOSampler{
		Windows:  []float64{},
		clock:    clk,
		progress: progress,
	}
}

func (s *IOSampler) account(at time.Time, size int) {
	if size <= 0 {
		return
	}

	if s.FirstAt.IsZero() {
		s.FirstAt = at
		s.windowStart = at
		s.lastProgress = at
	} else {
		s.windowSize += int64(size)
		sinceStart := at.Sub(s.windowStart)
		if sinceStart > ioSamplingWindowWidth {
			if len(s.Windows) < ioSamplingMaxWindows {
				s.Windows = append(s.Windows, float64(8*s.windowSize)/float64(sinceStart.Microseconds()))
			}
			s.windowStart = at
			s.windowSize = 0
		}
	}

	s.LastAt = at
	s.Size += int64(size)

	if s.progress != nil && at.Sub(s.lastProgress) >= progressInterval {
		s.lastProgress = at
		s.progress()
	}
}

// SamplingReader stamps each read after it returns: that is when the bytes
// have arrived.
type SamplingReader struct {
	IOSampler
	r io.Reader
}

func NewSamplingReader(r io.Reader, clk Clock, progress func()) *SamplingReader {
	return &SamplingReader{
		IOSampler: newIOSampler(clk, progress),
		r:         r,
	}
}

func (r *SamplingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.account(r.clock.Now(), n)
	return n, err
}

// SamplingWriter stamps each write before it is issued: that is when the
// bytes are handed to the transport.
type SamplingWriter struct {
	IOSampler
	w io.Writer
}

func NewSamplingWriter(w io.Writer, clk Clock, progress func()) *SamplingWriter {
	return &SamplingWriter{
		IOSampler: newIOSampler(clk, progress),
		w:         w,
	}
}

func (w *SamplingWriter) Write(p []byte) (int, error) {
	at := w.clock.Now()
	n, err := w.w.Write(p)
	w.account(at, n)
	return n, err
}
