// Package config resolves the server settings from command-line flags,
// NSSPEED_* environment variables and an optional YAML file, in that order
// of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/makotom/nsspeed/server"
	"github.com/makotom/nsspeed/speedtest"
)

const EnvPrefix = "NSSPEED"

const (
	KeyListen            = "listen"
	KeyPayloadBytes      = "payload-bytes"
	KeyChunkBytes        = "chunk-bytes"
	KeyMaxRuns           = "max-runs"
	KeyIdleTimeout       = "idle-timeout"
	KeySweepInterval     = "sweep-interval"
	KeyResultGrace       = "result-grace"
	KeyResultCacheSize   = "result-cache-size"
	KeyResolution        = "resolution"
	KeyMaxUploadBytes    = "max-upload-bytes"
	KeyPingSamples       = "ping-samples"
	KeyTrustForwardedFor = "trust-forwarded-for"
	KeyShapeWriteBytes   = "shape-write-bytes"
	KeyShapeReadBytes    = "shape-read-bytes"
	KeyMetrics           = "metrics"
	KeyLogLevel          = "log-level"
	KeyLogFormat         = "log-format"
)

// maxPingSamples keeps the ping chain under the redirect limit of browsers.
const maxPingSamples = 19

type Config struct {
	Listen            string
	PayloadBytes      int64
	ChunkBytes        int
	MaxRuns           int
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	ResultGrace       time.Duration
	ResultCacheSize   int
	Resolution        time.Duration
	MaxUploadBytes    int64
	PingSamples       int
	TrustForwardedFor bool
	ShapeWriteBytes   int
	ShapeReadBytes    int
	Metrics           bool
	LogLevel          string
	LogFormat         string
}

func Default() Config {
	return Config{
		Listen:          ":8080",
		PayloadBytes:    25_000_000,
		ChunkBytes:      speedtest.DefaultChunkSize,
		MaxRuns:         1024,
		IdleTimeout:     10 * time.Minute,
		SweepInterval:   30 * time.Second,
		ResultGrace:     15 * time.Minute,
		ResultCacheSize: 4096,
		Resolution:      speedtest.DefaultResolution,
		PingSamples:     speedtest.DefaultPingSamples,
		Metrics:         true,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// RegisterFlags adds one flag per setting to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()

	flags.String(KeyListen, d.Listen, "Address to listen on")
	flags.Int64(KeyPayloadBytes, d.PayloadBytes, "Size of the download payload in bytes")
	flags.Int(KeyChunkBytes, d.ChunkBytes, "Size of the chunks the payload is written in")
	flags.Int(KeyMaxRuns, d.MaxRuns, "Maximum number of concurrent runs")
	flags.Duration(KeyIdleTimeout, d.IdleTimeout, "Inactivity after which a run is evicted")
	flags.Duration(KeySweepInterval, d.SweepInterval, "Interval between eviction sweeps")
	flags.Duration(KeyResultGrace, d.ResultGrace, "How long results stay available after a run completes")
	flags.Int(KeyResultCacheSize, d.ResultCacheSize, "Maximum number of results kept after completion")
	flags.Duration(KeyResolution, d.Resolution, "Shortest transfer time a throughput is reported for")
	flags.Int64(KeyMaxUploadBytes, d.MaxUploadBytes, "Largest accepted upload in bytes (0 for no limit)")
	flags.Int(KeyPingSamples, d.PingSamples, "Round trips sampled by the ping chain")
	flags.Bool(KeyTrustForwardedFor, d.TrustForwardedFor, "Log the first X-Forwarded-For entry as the client address")
	flags.Int(KeyShapeWriteBytes, d.ShapeWriteBytes, "Cap every connection's sending rate in bytes per second (0 for none)")
	flags.Int(KeyShapeReadBytes, d.ShapeReadBytes, "Cap every connection's receiving rate in bytes per second (0 for none)")
	flags.Bool(KeyMetrics, d.Metrics, "Serve prometheus metrics on /metrics")
	flags.String(KeyLogLevel, d.LogLevel, "Log level (debug, info, warn, error)")
	flags.String(KeyLogFormat, d.LogFormat, "Log format (text, json)")
}

func newViper() *viper.Viper {
	v := viper.New()

	d := Default()
	v.SetDefault(KeyListen, d.Listen)
	v.SetDefault(KeyPayloadBytes, d.PayloadBytes)
	v.SetDefault(KeyChunkBytes, d.ChunkBytes)
	v.SetDefault(KeyMaxRuns, d.MaxRuns)
	v.SetDefault(KeyIdleTimeout, d.IdleTimeout)
	v.SetDefault(KeySweepInterval, d.SweepInterval)
	v.SetDefault(KeyResultGrace, d.ResultGrace)
	v.SetDefault(KeyResultCacheSize, d.ResultCacheSize)
	v.SetDefault(KeyResolution, d.Resolution)
	v.SetDefault(KeyMaxUploadBytes, d.MaxUploadBytes)
	v.SetDefault(KeyPingSamples, d.PingSamples)
	v.SetDefault(KeyTrustForwardedFor, d.TrustForwardedFor)
	v.SetDefault(KeyShapeWriteBytes, d.ShapeWriteBytes)
	v.SetDefault(KeyShapeReadBytes, d.ShapeReadBytes)
	v.SetDefault(KeyMetrics, d.Metrics)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// Load resolves the configuration. flags may be nil; configFile may be
// empty.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := newViper()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "could not read %s", configFile)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "could not bind flags")
		}
	}

	c := &Config{
		Listen:            v.GetString(KeyListen),
		PayloadBytes:      v.GetInt64(KeyPayloadBytes),
		ChunkBytes:        v.GetInt(KeyChunkBytes),
		MaxRuns:           v.GetInt(KeyMaxRuns),
		IdleTimeout:       v.GetDuration(KeyIdleTimeout),
		SweepInterval:     v.GetDuration(KeySweepInterval),
		ResultGrace:       v.GetDuration(KeyResultGrace),
		ResultCacheSize:   v.GetInt(KeyResultCacheSize),
		Resolution:        v.GetDuration(KeyResolution),
		MaxUploadBytes:    v.GetInt64(KeyMaxUploadBytes),
		PingSamples:       v.GetInt(KeyPingSamples),
		TrustForwardedFor: v.GetBool(KeyTrustForwardedFor),
		ShapeWriteBytes:   v.GetInt(KeyShapeWriteBytes),
		ShapeReadBytes:    v.GetInt(KeyShapeReadBytes),
		Metrics:           v.GetBool(KeyMetrics),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         v.GetString(KeyLogFormat),
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.PayloadBytes <= 0:
		return errors.Errorf("%s must be > 0 (got %d)", KeyPayloadBytes, c.PayloadBytes)
	case c.ChunkBytes <= 0:
		return errors.Errorf("%s must be > 0 (got %d)", KeyChunkBytes, c.ChunkBytes)
	case c.MaxRuns <= 0:
		return errors.Errorf("%s must be > 0 (got %d)", KeyMaxRuns, c.MaxRuns)
	case c.IdleTimeout <= 0:
		return errors.Errorf("%s must be > 0 (got %v)", KeyIdleTimeout, c.IdleTimeout)
	case c.SweepInterval <= 0:
		return errors.Errorf("%s must be > 0 (got %v)", KeySweepInterval, c.SweepInterval)
	case c.ResultGrace <= 0:
		return errors.Errorf("%s must be > 0 (got %v)", KeyResultGrace, c.ResultGrace)
	case c.ResultCacheSize <= 0:
		return errors.Errorf("%s must be > 0 (got %d)", KeyResultCacheSize, c.ResultCacheSize)
	case c.Resolution <= 0:
		return errors.Errorf("%s must be > 0 (got %v)", KeyResolution, c.Resolution)
	case c.MaxUploadBytes < 0:
		return errors.Errorf("%s must be >= 0 (got %d)", KeyMaxUploadBytes, c.MaxUploadBytes)
	case c.PingSamples <= 0 || c.PingSamples > maxPingSamples:
		return errors.Errorf("%s must be between 1 and %d (got %d)", KeyPingSamples, maxPingSamples, c.PingSamples)
	case c.ShapeWriteBytes < 0 || c.ShapeReadBytes < 0:
		return errors.Errorf("%s and %s must be >= 0", KeyShapeWriteBytes, KeyShapeReadBytes)
	}
	return nil
}

func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Listen: c.Listen,
		Registry: speedtest.RegistryConfig{
			PayloadSize:     c.PayloadBytes,
			MaxRuns:         c.MaxRuns,
			IdleTimeout:     c.IdleTimeout,
			SweepInterval:   c.SweepInterval,
			Resolution:      c.Resolution,
			ResultGrace:     c.ResultGrace,
			ResultCacheSize: c.ResultCacheSize,
		},
		ChunkSize:         c.ChunkBytes,
		MaxUploadSize:     c.MaxUploadBytes,
		PingSamples:       c.PingSamples,
		TrustForwardedFor: c.TrustForwardedFor,
		EnableMetrics:     c.Metrics,
		ShapeWriteBytes:   c.ShapeWriteBytes,
		ShapeReadBytes:    c.ShapeReadBytes,
	}
}
