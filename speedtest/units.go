package speedtest

import (
	"fmt"
	"time"
)

var (
	rateSuffixes = []string{" bps", " Kbps", " Mbps", " Gbps", " Tbps", " Pbps", " Ebps", " Zbps", " Ybps"}
	sizeSuffixes = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}
)

// formatSI scales value by powers of 1000 and keeps three significant
// digits for small mantissas.
func formatSI(value float64, suffixes []string) string {
	order := 0
	for value >= 1000 && order < len(suffixes)-1 {
		value /= 1000
		order += 1
	}

	switch {
	case value < 10:
		return fmt.Sprintf("%.2f%s", value, suffixes[order])
	case value < 100:
		return fmt.Sprintf("%.1f%s", value, suffixes[order])
	default:
		return fmt.Sprintf("%d%s", int64(value), suffixes[order])
	}
}

func FormatBitsPerSecond(bps float64) string {
	return formatSI(bps, rateSuffixes)
}

func FormatBytes(size int64) string {
	return formatSI(float64(size), sizeSuffixes)
}

func FormatDuration(d time.Duration) string {
	return FormatMilliseconds(float64(d.Microseconds()) / 1000)
}

func FormatMilliseconds(ms float64) string {
	switch {
	case ms < 10:
		return fmt.Sprintf("%.2fms", ms)
	case ms < 100:
		return fmt.Sprintf("%.1fms", ms)
	default:
		return fmt.Sprintf("%dms", int64(ms))
	}
}
