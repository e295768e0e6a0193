package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/makotom/nsspeed/speedtest"
)

const (
	defaultRTTWindow = 2 * time.Second // probes keep starting until this is exceeded

	// the ping chain of a run is longer than the 10 redirects net/http
	// follows by default
	maxRedirects = 32

	contentTypeJSON = "application/json"
)

type Client struct {
	base      *url.URL
	http      *http.Client
	rttWindow time.Duration
}

// New returns a client for the server at baseURL. Requests go through
// http.DefaultTransport, see SetTransportProtocol.
func New(baseURL string) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server URL %q", baseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}

	return &Client{
		base: base,
		http: &http.Client{
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		rttWindow: defaultRTTWindow,
	}, nil
}

func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URL %q from server", ref)
	}
	return c.base.ResolveReference(u).String(), nil
}

func (c *Client) do(ctx context.Context, method, ref string, body io.Reader, contentType string) (*http.Response, error) {
	target, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeJSON)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.http.Do(req)
}

func flushHTTPResponse(resp *http.Response) (int64, error) {
	flushedSize, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return flushedSize, err
	}
	return flushedSize, resp.Body.Close()
}

// decodeResponse fills v from a response carrying wantStatus and turns any
// other status into an error naming the server's error code.
func decodeResponse(resp *http.Response, wantStatus int, v any) error {
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		apiErr := apiError{}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
			return errors.Errorf("unexpected response: %s", resp.Status)
		}
		return errors.Errorf("unexpected response: %s: %s", resp.Status, apiErr.Message)
	}

	if v == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(v), "malformed response")
}

func (c *Client) StartRun(ctx context.Context) (*Run, error) {
	resp, err := c.do(ctx, http.MethodPost, "/run", nil, "")
	if err != nil {
		return nil, err
	}

	run := &Run{}
	if err := decodeResponse(resp, http.StatusCreated, run); err != nil {
		return nil, err
	}
	return run, nil
}

// nextLink extracts the target of rel="next" from a Link header.
func nextLink(header string) (string, bool) {
	for _, link := range strings.Split(header, ",") {
		segments := strings.Split(link, ";")
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}

		for _, param := range segments[1:] {
			key, value, _ := strings.Cut(strings.TrimSpace(param), "=")
			if strings.EqualFold(key, "rel") && strings.Trim(value, `"`) == "next" {
				return strings.Trim(target, "<>"), true
			}
		}
	}
	return "", false
}

// MeasureDownlink fetches the payload of run, then issues the follow-up
// request a browser would issue once the marker arrives.
func (c *Client) MeasureDownlink(ctx context.Context, run *Run) (*DownlinkMeasurement, error) {
	start := time.Now()

	resp, err := c.do(ctx, http.MethodGet, run.DownloadURL, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeResponse(resp, http.StatusOK, nil)
	}

	next, ok := nextLink(resp.Header.Get("Link"))
	received, err := flushHTTPResponse(resp)
	if err != nil {
		return nil, errors.Wrapf(err, "download interrupted after %d bytes", received)
	}
	if !ok {
		return nil, errors.New("download response names no follow-up")
	}

	end := time.Now()

	resp, err = c.do(ctx, http.MethodGet, next, nil, "")
	if err != nil {
		return nil, err
	}

	ret := &DownlinkMeasurement{
		Received: received,
		Duration: end.Sub(start),
	}
	if err := decodeResponse(resp, http.StatusOK, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// FollowPingChain walks the redirect chain starting at pingURL and returns
// the number of hops taken.
func (c *Client) FollowPingChain(ctx context.Context, pingURL string) (int, error) {
	hops := 0

	target, err := c.resolve(pingURL)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	chain := *c.http
	chain.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		hops = len(via)
		return c.http.CheckRedirect(req, via)
	}

	resp, err := chain.Do(req)
	if err != nil {
		return hops, err
	}
	if resp.StatusCode != http.StatusOK {
		return hops, decodeResponse(resp, http.StatusOK, nil)
	}
	if _, err := flushHTTPResponse(resp); err != nil {
		return hops, err
	}

	return hops + 1, nil
}

// MeasureUplink posts size bytes to uploadURL as a raw body.
func (c *Client) MeasureUplink(ctx context.Context, uploadURL string, size int64) (*UplinkMeasurement, error) {
	body := bytes.NewReader(make([]byte, size))

	start := time.Now()

	resp, err := c.do(ctx, http.MethodPost, uploadURL, body, "application/octet-stream")
	if err != nil {
		return nil, err
	}

	end := time.Now()

	ret := &UplinkMeasurement{Duration: end.Sub(start)}
	if err := decodeResponse(resp, http.StatusOK, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Client) FetchResult(ctx context.Context, resultURL string) (*speedtest.Metrics, error) {
	resp, err := c.do(ctx, http.MethodGet, resultURL, nil, "")
	if err != nil {
		return nil, err
	}

	metrics := &speedtest.Metrics{}
	if err := decodeResponse(resp, http.StatusOK, metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// MeasureRTT times stateless probes until the RTT window is exceeded.
func (c *Client) MeasureRTT(ctx context.Context) (*speedtest.Stats, error) {
	durations := []time.Duration{}

	for start := time.Now(); time.Since(start) < c.rttWindow; {
		probeStart := time.Now()

		resp, err := c.do(ctx, http.MethodGet, "/ping", nil, "")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusNoContent {
			return nil, decodeResponse(resp, http.StatusNoContent, nil)
		}
		if _, err := flushHTTPResponse(resp); err != nil {
			return nil, err
		}

		durations = append(durations, time.Since(probeStart))
	}

	if len(durations) == 0 {
		return nil, errors.Errorf("no probe completed within %v", c.rttWindow)
	}
	return speedtest.SummarizeDurations(durations), nil
}
