package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/makotom/nsspeed/speedtest"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, mutate func(config *Config)) (*Server, *httptest.Server) {
	t.Helper()

	config := Config{
		Registry: speedtest.RegistryConfig{
			PayloadSize:   2_000_000,
			MaxRuns:       16,
			IdleTimeout:   time.Minute,
			SweepInterval: time.Second,
			// loopback transfers are fast; anything above zero is a valid window
			Resolution: time.Nanosecond,
		},
		PingSamples:   5,
		EnableMetrics: true,
	}
	if mutate != nil {
		mutate(&config)
	}

	s := New(config, nil, testLogger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return s, ts
}

func doJSON(t *testing.T, method, url string, body io.Reader, v any) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	assert.NilError(t, err)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()

	if v != nil {
		assert.NilError(t, json.NewDecoder(resp.Body).Decode(v))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp
}

func startRun(t *testing.T, ts *httptest.Server) speedtest.Token {
	t.Helper()

	dto := startRunDTO{}
	resp := doJSON(t, http.MethodPost, ts.URL+"/run", nil, &dto)
	assert.Equal(t, resp.StatusCode, http.StatusCreated)

	token, err := speedtest.ParseToken(dto.Token)
	assert.NilError(t, err)
	assert.Equal(t, dto.DownloadURL, "/run/"+dto.Token+"/download")
	return token
}

func download(t *testing.T, ts *httptest.Server, token speedtest.Token) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(ts.URL + downloadURL(token))
	assert.NilError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	return resp, body
}

func finishDownload(t *testing.T, ts *httptest.Server, token speedtest.Token) downloadDoneDTO {
	t.Helper()

	resp, _ := download(t, ts, token)
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	dto := downloadDoneDTO{}
	resp = doJSON(t, http.MethodGet, ts.URL+completeURL(token), nil, &dto)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	return dto
}

func TestServer_FullRunJSON(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token := startRun(t, ts)

	resp, body := download(t, ts, token)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.ContentLength, int64(len(body)))
	assert.Equal(t, resp.Header.Get("Cache-Control"), "no-store, no-cache, no-transform, must-revalidate, max-age=0")
	assert.Equal(t, resp.Header.Get("Content-Encoding"), "")
	assert.Assert(t, !resp.Uncompressed)
	assert.Equal(t, resp.Header.Get("Link"), "</run/"+token.String()+"/download/complete>; rel=\"next\"")
	assert.Equal(t, resp.Header.Get("ETag"), "")
	assert.Equal(t, resp.Header.Get("Last-Modified"), "")

	envelope, err := downloadEnvelope(token, 2_000_000)
	assert.NilError(t, err)
	assert.Equal(t, int64(len(body)), envelope.ContentLength(2_000_000))
	assert.Assert(t, bytes.HasSuffix(body, envelope.Marker))

	done := downloadDoneDTO{}
	resp = doJSON(t, http.MethodGet, ts.URL+completeURL(token), nil, &done)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Assert(t, done.Download.Measurable)
	assert.Equal(t, done.UploadURL, uploadURL(token))

	resp, err = http.Get(ts.URL + done.PingURL)
	assert.NilError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.Header.Get("Content-Type"), "image/gif")

	uploaded := uploadDoneDTO{}
	resp = doJSON(t, http.MethodPost, ts.URL+done.UploadURL, bytes.NewReader(make([]byte, 1_000_000)), &uploaded)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, uploaded.Size, int64(1_000_000))

	metrics := speedtest.Metrics{}
	resp = doJSON(t, http.MethodGet, ts.URL+uploaded.ResultURL, nil, &metrics)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, metrics.Token, token)
	assert.Equal(t, metrics.Download.Bytes, int64(2_000_000))
	assert.Assert(t, metrics.Download.BitsPerSecond > 0)
	assert.Equal(t, metrics.Upload.Bytes, int64(1_000_000))
	assert.Assert(t, metrics.Upload.BitsPerSecond > 0)
	assert.Equal(t, metrics.Latency.NSamples, 5)

	again := speedtest.Metrics{}
	resp = doJSON(t, http.MethodGet, ts.URL+uploaded.ResultURL, nil, &again)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.DeepEqual(t, again, metrics)
}

func TestServer_FullRunHTML(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.PostForm(ts.URL+"/run", nil)
	assert.NilError(t, err)
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	_, rest, found := strings.Cut(string(page), "href=\"/run/")
	assert.Assert(t, found, string(page))
	token, err := speedtest.ParseToken(rest[:32])
	assert.NilError(t, err)

	_, body := download(t, ts, token)
	assert.Assert(t, cmp.Contains(string(body), "<meta http-equiv=\"refresh\" content=\"0;url=/run/"+token.String()+"/download/complete\">"))

	resp, err = http.Get(ts.URL + completeURL(token))
	assert.NilError(t, err)
	page, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Assert(t, cmp.Contains(string(page), "enctype=\"multipart/form-data\""))
	assert.Assert(t, cmp.Contains(string(page), pingURL(token, 0)))

	form := bytes.Buffer{}
	writer := multipart.NewWriter(&form)
	file, err := writer.CreateFormFile(uploadFormField, "random.bin")
	assert.NilError(t, err)
	_, err = file.Write(make([]byte, 500_000))
	assert.NilError(t, err)
	assert.NilError(t, writer.Close())

	resp, err = http.Post(ts.URL+uploadURL(token), writer.FormDataContentType(), &form)
	assert.NilError(t, err)
	page, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.NilError(t, err)

	// the 303 has been followed to the result page
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.Request.URL.Path, resultURL(token))
	assert.Assert(t, cmp.Contains(string(page), "<h1>Results</h1>"))
	assert.Assert(t, cmp.Contains(string(page), "500KB in"))
}

func TestServer_SecondDownloadConflicts(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token := startRun(t, ts)

	resp, _ := download(t, ts, token)
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	dto := errorDTO{}
	resp = doJSON(t, http.MethodGet, ts.URL+downloadURL(token), nil, &dto)
	assert.Equal(t, resp.StatusCode, http.StatusConflict)
	assert.Equal(t, dto.Code, string(CodePhaseMismatch))
}

func TestServer_DuplicateFollowupConflicts(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token := startRun(t, ts)
	finishDownload(t, ts, token)

	dto := errorDTO{}
	resp := doJSON(t, http.MethodGet, ts.URL+completeURL(token), nil, &dto)
	assert.Equal(t, resp.StatusCode, http.StatusConflict)
	assert.Equal(t, dto.Code, string(CodePhaseMismatch))
}

func TestServer_HeadDoesNotStartDownload(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token := startRun(t, ts)

	resp, err := http.Head(ts.URL + downloadURL(token))
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusMethodNotAllowed)

	resp, _ = download(t, ts, token)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}

func TestServer_ResultBeforeUpload(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token := startRun(t, ts)
	finishDownload(t, ts, token)

	dto := errorDTO{}
	resp := doJSON(t, http.MethodGet, ts.URL+resultURL(token), nil, &dto)
	assert.Equal(t, resp.StatusCode, http.StatusConflict)
	assert.Equal(t, dto.Code, string(CodeIncompleteMeasurement))
}

func TestServer_UnknownToken(t *testing.T) {
	_, ts := newTestServer(t, nil)

	for _, path := range []string{
		"/run/0123456789abcdef0123456789abcdef/result",
		"/run/not-a-token/result",
		"/run/0123456789abcdef0123456789abcdef/download",
		"/run/0123456789abcdef0123456789abcdef/ping/0",
	} {
		dto := errorDTO{}
		resp := doJSON(t, http.MethodGet, ts.URL+path, nil, &dto)
		assert.Equal(t, resp.StatusCode, http.StatusNotFound, path)
		assert.Equal(t, dto.Code, string(CodeRunNotFound), path)
	}

	resp, err := http.Get(ts.URL + "/run/0123456789abcdef0123456789abcdef/result")
	assert.NilError(t, err)
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
	assert.Equal(t, resp.Header.Get("Content-Type"), "text/html; charset=utf-8")
	assert.Assert(t, cmp.Contains(string(page), string(CodeRunNotFound)))
}

func TestServer_CapacityExceeded(t *testing.T) {
	_, ts := newTestServer(t, func(config *Config) {
		config.Registry.MaxRuns = 1
	})
	startRun(t, ts)

	dto := errorDTO{}
	resp := doJSON(t, http.MethodPost, ts.URL+"/run", nil, &dto)
	assert.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)
	assert.Equal(t, resp.Header.Get("Retry-After"), "30")
	assert.Equal(t, dto.Code, string(CodeCapacityExceeded))
}

func TestServer_UploadTooLarge(t *testing.T) {
	_, ts := newTestServer(t, func(config *Config) {
		config.MaxUploadSize = 1000
	})
	token := startRun(t, ts)
	done := finishDownload(t, ts, token)
	assert.Equal(t, done.MaxUploadBytes, int64(1000))

	dto := errorDTO{}
	resp := doJSON(t, http.MethodPost, ts.URL+uploadURL(token), bytes.NewReader(make([]byte, 5000)), &dto)
	assert.Equal(t, resp.StatusCode, http.StatusRequestEntityTooLarge)
	assert.Equal(t, dto.Code, string(CodeUploadTooLarge))

	resp = doJSON(t, http.MethodGet, ts.URL+resultURL(token), nil, &dto)
	assert.Equal(t, resp.StatusCode, http.StatusConflict)
	assert.Equal(t, dto.Code, string(CodeIncompleteMeasurement))
}

func TestServer_UploadFormWithoutFile(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token := startRun(t, ts)
	finishDownload(t, ts, token)

	form := bytes.Buffer{}
	writer := multipart.NewWriter(&form)
	assert.NilError(t, writer.WriteField("comment", "no file here"))
	assert.NilError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+uploadURL(token), &form)
	assert.NilError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

func TestServer_PingChainOutOfOrder(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token := startRun(t, ts)
	finishDownload(t, ts, token)

	dto := errorDTO{}
	resp := doJSON(t, http.MethodGet, ts.URL+pingURL(token, 3), nil, &dto)
	assert.Equal(t, resp.StatusCode, http.StatusConflict)

	resp = doJSON(t, http.MethodGet, ts.URL+"/run/"+token.String()+"/ping/-1", nil, &dto)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestServer_Ping(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/ping")
	assert.NilError(t, err)
	resp.Body.Close()

	assert.Equal(t, resp.StatusCode, http.StatusNoContent)
	assert.Equal(t, resp.Header.Get("Cache-Control"), "no-store")
}

func TestServer_Metrics(t *testing.T) {
	_, ts := newTestServer(t, nil)
	startRun(t, ts)

	resp, err := http.Get(ts.URL + "/metrics")
	assert.NilError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.NilError(t, err)

	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Assert(t, cmp.Contains(string(body), "nsspeed_runs_created_total 1"))
	assert.Assert(t, cmp.Contains(string(body), "nsspeed_runs_active 1"))
}

func TestServer_MetricsDisabled(t *testing.T) {
	_, ts := newTestServer(t, func(config *Config) {
		config.EnableMetrics = false
	})

	resp, err := http.Get(ts.URL + "/metrics")
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestServer_ServeUntilCancelled(t *testing.T) {
	s, _ := newTestServer(t, func(config *Config) {
		config.ShapeWriteBytes = 1_000_000
		config.ShapeReadBytes = 1_000_000
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- s.Serve(ctx, listener)
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/ping")
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNoContent)

	cancel()
	select {
	case err := <-served:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestDownloadEnvelope_SharesPageLayout(t *testing.T) {
	token := speedtest.Token("0123456789abcdef0123456789abcdef")
	envelope, err := downloadEnvelope(token, 2_000_000)
	assert.NilError(t, err)

	head := bytes.Buffer{}
	assert.NilError(t, pages.ExecuteTemplate(&head, "head", "downloading"))
	tail := bytes.Buffer{}
	assert.NilError(t, pages.ExecuteTemplate(&tail, "tail", nil))

	assert.Assert(t, bytes.HasPrefix(envelope.Prefix, head.Bytes()))
	assert.Assert(t, bytes.HasSuffix(envelope.Prefix, []byte("<!--")))
	assert.Check(t, cmp.Contains(string(envelope.Prefix), "Transferring 2.00MB."))

	assert.Assert(t, bytes.HasPrefix(envelope.Marker, []byte("-->")))
	assert.Assert(t, bytes.HasSuffix(envelope.Marker, tail.Bytes()))
	assert.Check(t, cmp.Contains(string(envelope.Marker),
		`<meta http-equiv="refresh" content="0;url=/run/0123456789abcdef0123456789abcdef/download/complete">`))
}

func TestWriteJSON_EncodingFailureIsLogged(t *testing.T) {
	logs := &bytes.Buffer{}
	s := New(Config{}, nil, slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	recorder := httptest.NewRecorder()
	s.writeJSON(recorder, http.StatusOK, map[string]float64{"rate": math.Inf(1)})

	assert.Equal(t, recorder.Code, http.StatusOK)
	assert.Check(t, cmp.Contains(logs.String(), "response not delivered"))
	assert.Check(t, cmp.Contains(logs.String(), "status=200"))
}

func TestMapError(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
		code   ErrorCode
	}{
		{speedtest.ErrCapacityExceeded, http.StatusServiceUnavailable, CodeCapacityExceeded},
		{errors.Wrap(speedtest.ErrNotFound, "run x"), http.StatusNotFound, CodeRunNotFound},
		{errors.Wrap(speedtest.ErrPhaseMismatch, "run x"), http.StatusConflict, CodePhaseMismatch},
		{speedtest.ErrIncompleteMeasurement, http.StatusConflict, CodeIncompleteMeasurement},
		{speedtest.ErrUploadTooLarge, http.StatusRequestEntityTooLarge, CodeUploadTooLarge},
		{speedtest.ErrIncompleteUpload, http.StatusBadRequest, CodeIncompleteUpload},
		{speedtest.ErrIncompleteDownload, http.StatusBadRequest, CodeIncompleteDownload},
		{context.Canceled, 499, CodeCancelled},
		{errors.New("disk on fire"), http.StatusInternalServerError, CodeInternalError},
	} {
		httpErr := MapError(tc.err)
		assert.Equal(t, httpErr.StatusCode, tc.status, tc.err.Error())
		assert.Equal(t, httpErr.Code, tc.code, tc.err.Error())
		assert.ErrorIs(t, httpErr, tc.err)
	}

	assert.Assert(t, MapError(nil) == nil)
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 203.0.113.9")

	assert.Equal(t, clientAddr(req, false), "192.0.2.1")
	assert.Equal(t, clientAddr(req, true), "198.51.100.7")

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, clientAddr(req, true), "192.0.2.1")

	req.RemoteAddr = "pipe"
	assert.Equal(t, clientAddr(req, false), "pipe")
}
