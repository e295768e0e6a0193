package speedtest

import "time"

// Rate is the throughput of one direction. When Measurable is false the
// elapsed window was below the measurement resolution and BitsPerSecond is
// zero.
type Rate struct {
	Bytes         int64         `json:"bytes"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	BitsPerSecond float64       `json:"bits_per_second"`
	Measurable    bool          `json:"measurable"`
	Humanized     string        `json:"humanized"`
}

type Metrics struct {
	Token    Token `json:"token"`
	Download Rate  `json:"download"`
	Upload   Rate  `json:"upload"`

	// DownloadWindows and UploadWindows summarize the per-window rates in
	// Mbps. Download windows are paced by the transport accepting bytes.
	DownloadWindows *Stats `json:"download_windows,omitempty"`
	UploadWindows   *Stats `json:"upload_windows,omitempty"`

	// Latency summarizes the round trips of the ping chain in milliseconds.
	Latency          *Stats `json:"latency,omitempty"`
	LatencyHumanized string `json:"latency_humanized,omitempty"`
}

// Measurable reports whether both directions produced a throughput.
func (m *Metrics) Measurable() bool {
	return m.Download.Measurable && m.Upload.Measurable
}
