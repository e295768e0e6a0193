package client

import (
	"time"

	"github.com/makotom/nsspeed/speedtest"
)

type Run struct {
	Token       string `json:"token"`
	DownloadURL string `json:"download_url"`
}

// DownlinkMeasurement pairs what the client saw of the download with the
// rate the server derived from the follow-up request.
type DownlinkMeasurement struct {
	Received       int64
	Duration       time.Duration
	Download       speedtest.Rate `json:"download"`
	UploadURL      string         `json:"upload_url"`
	PingURL        string         `json:"ping_url"`
	MaxUploadBytes int64          `json:"max_upload_bytes"`
}

type UplinkMeasurement struct {
	Size      int64  `json:"size"`
	ResultURL string `json:"result_url"`
	Duration  time.Duration
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
