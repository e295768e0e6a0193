package client

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/makotom/nsspeed/speedtest"
)

const (
	defaultDialTimeout = 10 * time.Second

	DefaultUploadBytes = int64(10_000_000)
)

type Options struct {
	BaseURL           string
	TransportProtocol string
	UploadBytes       int64
	RTTWindow         time.Duration // defaults to 2s
}

func formatDeciles(deciles []float64) string {
	numStrs := []string{}

	for _, decile := range deciles {
		numStrs = append(numStrs, fmt.Sprintf("%.3f", decile))
	}

	return fmt.Sprintf("%v", numStrs)
}

func printStats(printer *log.Logger, label string, unit string, stats *speedtest.Stats) {
	if stats == nil {
		printer.Printf("%s-n: 0\n", label)
		return
	}

	printer.Printf("%s-mean: %.3f %s\n", label, stats.Mean, unit)
	printer.Printf("%s-stderr: %.3f %s\n", label, stats.StdErr, unit)
	printer.Printf("%s-min: %.3f %s\n", label, stats.Min, unit)
	printer.Printf("%s-max: %.3f %s\n", label, stats.Max, unit)
	printer.Printf("%s-deciles: %s %s\n", label, formatDeciles(stats.Deciles), unit)
	printer.Printf("%s-n: %d\n", label, stats.NSamples)
}

func printRate(printer *log.Logger, label string, rate speedtest.Rate, clientSide time.Duration) {
	printer.Printf("%s-rate: %s\n", label, rate.Humanized)
	if rate.Measurable {
		printer.Printf("%s-mbps: %.3f Mbps\n", label, rate.BitsPerSecond/1e6)
	}
	printer.Printf("%s-tx: %.3f MiB\n", label, float64(rate.Bytes)/1024/1024)
	printer.Printf("%s-elapsed: %s\n", label, speedtest.FormatDuration(rate.Elapsed))
	printer.Printf("%s-elapsed-client: %s\n", label, speedtest.FormatDuration(clientSide))
}

func SetTransportProtocol(protocol string, dialTimeout time.Duration) {
	// cf. https://go.googlesource.com/go/+/refs/tags/go1.22.1/src/net/http/transport.go#43
	// cf. https://go.googlesource.com/go/+/refs/tags/go1.22.1/src/net/http/transport.go#140
	http.DefaultTransport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext(ctx, protocol, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// a gzip-negotiated payload would not measure the link
		DisableCompression: true,
	}
}

// RunAndPrint drives one complete run against the server the way a browser
// would and prints what it measured.
func RunAndPrint(ctx context.Context, printer *log.Logger, opts Options) error {
	SetTransportProtocol(opts.TransportProtocol, defaultDialTimeout)

	c, err := New(opts.BaseURL)
	if err != nil {
		return err
	}
	if opts.RTTWindow > 0 {
		c.rttWindow = opts.RTTWindow
	}
	if opts.UploadBytes <= 0 {
		opts.UploadBytes = DefaultUploadBytes
	}

	rttStats, err := c.MeasureRTT(ctx)
	if err != nil {
		return errors.Wrap(err, "RTT measurement failed")
	}
	printStats(printer, "RTT", "ms", rttStats)
	printer.Println()

	run, err := c.StartRun(ctx)
	if err != nil {
		return errors.Wrap(err, "could not start a run")
	}
	printer.Printf("Run: %s\n", run.Token)
	printer.Println()

	downlink, err := c.MeasureDownlink(ctx, run)
	if err != nil {
		return errors.Wrap(err, "downlink measurement failed")
	}
	printRate(printer, "Downlink", downlink.Download, downlink.Duration)
	printer.Println()

	hops, err := c.FollowPingChain(ctx, downlink.PingURL)
	if err != nil {
		return errors.Wrap(err, "ping chain failed")
	}

	uploadBytes := opts.UploadBytes
	if downlink.MaxUploadBytes > 0 && uploadBytes > downlink.MaxUploadBytes {
		uploadBytes = downlink.MaxUploadBytes
	}
	uplink, err := c.MeasureUplink(ctx, downlink.UploadURL, uploadBytes)
	if err != nil {
		return errors.Wrap(err, "uplink measurement failed")
	}

	metrics, err := c.FetchResult(ctx, uplink.ResultURL)
	if err != nil {
		return errors.Wrap(err, "could not fetch the result")
	}

	printStats(printer, "Downlink-windows", "Mbps", metrics.DownloadWindows)
	printer.Println()

	printRate(printer, "Uplink", metrics.Upload, uplink.Duration)
	printStats(printer, "Uplink-windows", "Mbps", metrics.UploadWindows)
	printer.Println()

	printer.Printf("Chain-hops: %d\n", hops)
	printStats(printer, "Chain-RTT", "ms", metrics.Latency)

	return nil
}
