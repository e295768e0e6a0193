package server

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"

	"github.com/makotom/nsspeed/speedtest"
)

// pixelGIF is a transparent 1x1 GIF closing the ping chain.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

var pages = template.Must(template.New("pages").Parse(`
{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex, nofollow">
<title>nsspeed: {{.}}</title>
</head>
<body>
{{end}}

{{define "tail"}}</body>
</html>
{{end}}

{{define "download-head"}}{{template "head" "downloading"}}<h1>Downloading</h1>
<p>Transferring {{.PayloadSize}}. This page moves on by itself when the transfer is done.</p>
{{end}}

{{define "download-tail"}}
<meta http-equiv="refresh" content="0;url={{.CompleteURL}}">
<p><a href="{{.CompleteURL}}">Continue</a></p>
{{template "tail"}}{{end}}

{{define "index"}}{{template "head" "speed test"}}<h1>Speed test</h1>
<p>This test measures your download speed, upload speed and latency without running any script in your browser.</p>
<p>The download transfers {{.PayloadSize}}. For the upload you will be asked to pick a file of your own.</p>
<form method="post" action="/run">
<button type="submit">Start a test</button>
</form>
{{template "tail"}}{{end}}

{{define "started"}}{{template "head" "ready"}}<h1>Ready</h1>
<p>The download of {{.PayloadSize}} starts when you follow the link below. The page keeps loading until it is done; please wait for it to move on by itself.</p>
<p><a href="{{.DownloadURL}}">Start the download</a></p>
{{template "tail"}}{{end}}

{{define "complete"}}{{template "head" "download done"}}<h1>Download done</h1>
<p>Download: <strong>{{.Download}}</strong></p>
<img src="{{.PingURL}}" width="1" height="1" alt="">
<h2>Upload</h2>
<p>Pick a file to upload; larger files give more accurate figures.{{if .MaxUpload}} Files up to {{.MaxUpload}} are accepted.{{end}}</p>
<form method="post" action="{{.UploadURL}}" enctype="multipart/form-data">
<input type="file" name="file" required>
<button type="submit">Upload</button>
</form>
{{template "tail"}}{{end}}

{{define "result"}}{{template "head" "results"}}<h1>Results</h1>
<table>
<tr><th>Download</th><td>{{.Download}}</td><td>{{.DownloadSize}} in {{.DownloadElapsed}}</td></tr>
<tr><th>Upload</th><td>{{.Upload}}</td><td>{{.UploadSize}} in {{.UploadElapsed}}</td></tr>
{{if .Latency}}<tr><th>Latency</th><td>{{.Latency}}</td><td>{{.LatencyRange}}</td></tr>{{end}}
</table>
{{if .Inconclusive}}<p>Some transfers completed faster than this server can time reliably; try again with a larger file.</p>{{end}}
<p><a href="/">Test again</a></p>
{{template "tail"}}{{end}}

{{define "error"}}{{template "head" "error"}}<h1>Error {{.StatusCode}}</h1>
<p>{{.Message}}</p>
<p><code>{{.Code}}</code></p>
<p><a href="/">Start over</a></p>
{{template "tail"}}{{end}}
`))

type downloadPage struct {
	PayloadSize string
	CompleteURL string
}

type indexPage struct {
	PayloadSize string
}

type startedPage struct {
	PayloadSize string
	DownloadURL string
}

type completePage struct {
	Download  string
	PingURL   string
	UploadURL string
	MaxUpload string
}

type resultPage struct {
	Download        string
	DownloadSize    string
	DownloadElapsed string
	Upload          string
	UploadSize      string
	UploadElapsed   string
	Latency         string
	LatencyRange    string
	Inconclusive    bool
}

type errorPage struct {
	StatusCode int
	Code       string
	Message    string
}

func newResultPage(metrics *speedtest.Metrics) resultPage {
	page := resultPage{
		Download:        metrics.Download.Humanized,
		DownloadSize:    speedtest.FormatBytes(metrics.Download.Bytes),
		DownloadElapsed: speedtest.FormatDuration(metrics.Download.Elapsed),
		Upload:          metrics.Upload.Humanized,
		UploadSize:      speedtest.FormatBytes(metrics.Upload.Bytes),
		UploadElapsed:   speedtest.FormatDuration(metrics.Upload.Elapsed),
		Inconclusive:    !metrics.Measurable(),
	}
	if metrics.Latency != nil {
		page.Latency = metrics.LatencyHumanized
		page.LatencyRange = fmt.Sprintf("%s to %s over %d round trips",
			speedtest.FormatMilliseconds(metrics.Latency.Min),
			speedtest.FormatMilliseconds(metrics.Latency.Max),
			metrics.Latency.NSamples,
		)
	}
	return page
}

// renderPage executes the template into a buffer first, so a template
// failure can still be reported with a proper status.
func (s *Server) renderPage(w http.ResponseWriter, statusCode int, name string, data any) {
	buf := bytes.Buffer{}
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("page rendering failed",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	setNoStoreHeaders(w.Header())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// downloadEnvelope wraps the payload of token into an HTML comment. Once the
// browser has parsed past the payload, the refresh in the marker sends it to
// the follow-up URL. html/template drops comments from template text, so the
// comment delimiters are added here.
func downloadEnvelope(token speedtest.Token, payloadSize int64) (speedtest.Envelope, error) {
	page := downloadPage{
		PayloadSize: speedtest.FormatBytes(payloadSize),
		CompleteURL: completeURL(token),
	}

	prefix := bytes.Buffer{}
	if err := pages.ExecuteTemplate(&prefix, "download-head", page); err != nil {
		return speedtest.Envelope{}, errors.Wrap(err, "could not render the download page")
	}
	prefix.WriteString("<!--")

	marker := bytes.NewBufferString("-->")
	if err := pages.ExecuteTemplate(marker, "download-tail", page); err != nil {
		return speedtest.Envelope{}, errors.Wrap(err, "could not render the download page")
	}

	return speedtest.Envelope{
		Prefix: prefix.Bytes(),
		Marker: marker.Bytes(),
	}, nil
}

func downloadURL(token speedtest.Token) string {
	return "/run/" + token.String() + "/download"
}

func completeURL(token speedtest.Token) string {
	return "/run/" + token.String() + "/download/complete"
}

func uploadURL(token speedtest.Token) string {
	return "/run/" + token.String() + "/upload"
}

func resultURL(token speedtest.Token) string {
	return "/run/" + token.String() + "/result"
}

func pingURL(token speedtest.Token, seq int) string {
	return fmt.Sprintf("/run/%s/ping/%d", token, seq)
}
