package server

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/makotom/nsspeed/speedtest"
)

// uploadFormField names the file input of the upload form.
const uploadFormField = "file"

type startRunDTO struct {
	Token       string `json:"token"`
	DownloadURL string `json:"download_url"`
}

type downloadDoneDTO struct {
	Download       speedtest.Rate `json:"download"`
	UploadURL      string         `json:"upload_url"`
	PingURL        string         `json:"ping_url"`
	MaxUploadBytes int64          `json:"max_upload_bytes"`
}

type uploadDoneDTO struct {
	Size      int64  `json:"size"`
	ResultURL string `json:"result_url"`
}

// responseStream lets the download generator push bytes out of the
// response buffers after the prefix and the marker.
type responseStream struct {
	http.ResponseWriter
	controller *http.ResponseController
}

func newResponseStream(w http.ResponseWriter) *responseStream {
	return &responseStream{
		ResponseWriter: w,
		controller:     http.NewResponseController(w),
	}
}

func (s *responseStream) Flush() error {
	return s.controller.Flush()
}

// HandleIndex handles GET /.
func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, http.StatusOK, "index", indexPage{
		PayloadSize: speedtest.FormatBytes(s.config.Registry.PayloadSize),
	})
}

// HandleStartRun handles POST /run.
func (s *Server) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	token, err := s.registry.Create()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.runsCreated.Inc()

	s.logger.Info("run started",
		slog.String("token", token.String()),
		slog.String("client", clientAddr(r, s.config.TrustForwardedFor)),
	)

	if wantsJSON(r) {
		setNoStoreHeaders(w.Header())
		w.Header().Set("Location", downloadURL(token))
		s.writeJSON(w, http.StatusCreated, startRunDTO{
			Token:       token.String(),
			DownloadURL: downloadURL(token),
		})
		return
	}

	s.renderPage(w, http.StatusOK, "started", startedPage{
		PayloadSize: speedtest.FormatBytes(s.config.Registry.PayloadSize),
		DownloadURL: downloadURL(token),
	})
}

// HandleDownload handles GET /run/{token}/download. Errors can only be
// reported until the first byte is written; after that an interrupted
// stream is visible to the client as a short body.
func (s *Server) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		// a HEAD would consume the run without transferring anything
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token, err := speedtest.ParseToken(r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// rendered before the run is claimed, so a failure leaves it untouched
	envelope, err := downloadEnvelope(token, s.config.Registry.PayloadSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.downloader.Begin(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	setDownloadHeaders(w.Header(), envelope.ContentLength(run.PayloadSize), completeURL(token))
	w.WriteHeader(http.StatusOK)

	sent, err := s.downloader.Stream(r.Context(), run, newResponseStream(w), envelope)
	if err != nil {
		s.logger.Debug("download stream ended early",
			slog.String("token", token.String()),
			slog.String("client", clientAddr(r, s.config.TrustForwardedFor)),
			slog.Int64("sent", sent),
		)
	}
}

// HandleDownloadComplete handles GET /run/{token}/download/complete. The
// arrival instant is read before anything else happens.
func (s *Server) HandleDownloadComplete(w http.ResponseWriter, r *http.Request) {
	arrivedAt := s.clock.Now()

	token, err := speedtest.ParseToken(r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	state, err := s.downloader.FinishDownload(token, arrivedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rate, err := s.registry.Correlator().Throughput(state.PayloadSize, state.DownloadElapsed())
	if err != nil && !errors.Is(err, speedtest.ErrUnmeasurable) {
		s.writeError(w, r, err)
		return
	}

	if wantsJSON(r) {
		setNoStoreHeaders(w.Header())
		s.writeJSON(w, http.StatusOK, downloadDoneDTO{
			Download:       rate,
			UploadURL:      uploadURL(token),
			PingURL:        pingURL(token, 0),
			MaxUploadBytes: s.uploader.MaxSize(),
		})
		return
	}

	page := completePage{
		Download:  rate.Humanized,
		PingURL:   pingURL(token, 0),
		UploadURL: uploadURL(token),
	}
	if s.uploader.MaxSize() > 0 {
		page.MaxUpload = speedtest.FormatBytes(s.uploader.MaxSize())
	}
	s.renderPage(w, http.StatusOK, "complete", page)
}

// uploadBody picks what to measure from an upload request: the file part
// of a form post, or the raw body otherwise. The returned length is -1 when
// it is not known in advance.
func uploadBody(r *http.Request) (io.Reader, int64, error) {
	form, err := r.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) {
		return r.Body, r.ContentLength, nil
	}
	if err != nil {
		return nil, 0, err
	}

	for {
		part, err := form.NextPart()
		if err == io.EOF {
			return nil, 0, errors.New("form carries no file")
		}
		if err != nil {
			return nil, 0, err
		}
		if part.FormName() == uploadFormField {
			return part, -1, nil
		}
	}
}

// HandleUpload handles POST /run/{token}/upload.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	token, err := speedtest.ParseToken(r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.uploader.Begin(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, declared, err := uploadBody(r)
	if err != nil {
		s.writeError(w, r, s.uploader.Abort(run, 0, errors.Wrapf(speedtest.ErrIncompleteUpload, "%v", err)))
		return
	}

	report, err := s.uploader.Consume(r.Context(), run, body, declared)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Debug("upload received",
		slog.String("token", token.String()),
		slog.Int64("size", report.Size),
		slog.Duration("elapsed", report.LastByte.Sub(report.FirstByte)),
	)

	if wantsJSON(r) {
		setNoStoreHeaders(w.Header())
		s.writeJSON(w, http.StatusOK, uploadDoneDTO{
			Size:      report.Size,
			ResultURL: resultURL(token),
		})
		return
	}

	setNoStoreHeaders(w.Header())
	http.Redirect(w, r, resultURL(token), http.StatusSeeOther)
}

// HandlePingHop handles GET /run/{token}/ping/{seq}: every hop but the last
// redirects to the next one, the last one is an image.
func (s *Server) HandlePingHop(w http.ResponseWriter, r *http.Request) {
	arrivedAt := s.clock.Now()

	token, err := speedtest.ParseToken(r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	seq, err := strconv.Atoi(r.PathValue("seq"))
	if err != nil || seq < 0 {
		s.writeError(w, r, errors.Wrapf(speedtest.ErrNotFound, "probe %q", r.PathValue("seq")))
		return
	}

	hop, err := s.prober.Hop(token, seq, arrivedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	setNoStoreHeaders(w.Header())

	if !hop.Last {
		http.Redirect(w, r, pingURL(token, hop.Next), http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixelGIF)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}

// HandleResult handles GET /run/{token}/result.
func (s *Server) HandleResult(w http.ResponseWriter, r *http.Request) {
	token, err := speedtest.ParseToken(r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	metrics, err := s.registry.Result(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if wantsJSON(r) {
		setNoStoreHeaders(w.Header())
		s.writeJSON(w, http.StatusOK, metrics)
		return
	}

	s.renderPage(w, http.StatusOK, "result", newResultPage(metrics))
}

// HandlePing handles GET /ping: an empty answer, sent right away.
func (s *Server) HandlePing(w http.ResponseWriter, r *http.Request) {
	delay, err := s.prober.Probe(func() error {
		setNoStoreHeaders(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return http.NewResponseController(w).Flush()
	})
	if err != nil {
		s.logger.Debug("ping not flushed", slog.String("error", err.Error()))
		return
	}

	s.metrics.probeDelay.Observe(delay.Seconds())
}
