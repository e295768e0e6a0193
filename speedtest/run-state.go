package speedtest

import "time"

// RunState is one measurement session. Zero instants are unset.
type RunState struct {
	Token       Token
	Phase       Phase
	PayloadSize int64

	DownloadFirstByte time.Time
	DownloadFollowup  time.Time
	DownloadSent      int64
	DownloadWindows   []float64 // Mbps, one per sampling window

	UploadFirstByte time.Time
	UploadLastByte  time.Time
	UploadSize      int64
	UploadWindows   []float64 // Mbps, one per sampling window

	PingSeq        int
	PingDepartedAt time.Time
	RTTSamples     []time.Duration

	CreatedAt     time.Time
	LastTouchedAt time.Time
}

func (s *RunState) clone() RunState {
	ret := *s
	if s.DownloadWindows != nil {
		ret.DownloadWindows = append([]float64(nil), s.DownloadWindows...)
	}
	if s.UploadWindows != nil {
		ret.UploadWindows = append([]float64(nil), s.UploadWindows...)
	}
	if s.RTTSamples != nil {
		ret.RTTSamples = append([]time.Duration(nil), s.RTTSamples...)
	}
	return ret
}

func (s *RunState) DownloadElapsed() time.Duration {
	return elapsedBetween(s.DownloadFirstByte, s.DownloadFollowup)
}

func (s *RunState) UploadElapsed() time.Duration {
	return elapsedBetween(s.UploadFirstByte, s.UploadLastByte)
}
