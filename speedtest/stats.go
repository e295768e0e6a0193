package speedtest

import (
	"math"
	"sort"
	"time"
)

type Stats struct {
	NSamples int       `json:"n"`
	Mean     float64   `json:"mean"`
	StdDev   float64   `json:"stddev"`
	StdErr   float64   `json:"stderr"`
	Min      float64   `json:"min"`
	MinIndex int       `json:"-"`
	Max      float64   `json:"max"`
	MaxIndex int       `json:"-"`
	Deciles  []float64 `json:"deciles"`
}

func getMean(series []float64) float64 {
	ret := float64(0)
	nSamplesF64 := float64(len(series))

	for _, element := range series {
		ret += element / nSamplesF64
	}

	return ret
}

func getSquareMean(series []float64) float64 {
	ret := float64(0)
	nSamplesF64 := float64(len(series))

	for _, element := range series {
		ret += element * element / nSamplesF64
	}

	return ret
}

func getStdDevUsingMean(series []float64, mean float64) float64 {
	// rounding can push a zero variance slightly below zero
	return math.Sqrt(math.Max(getSquareMean(series)-(mean*mean), 0))
}

func getDeciles(series []float64) []float64 {
	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)

	ret := []float64{}
	lastIndex := float64(len(sorted) - 1)
	for decile := 1; decile < 10; decile += 1 {
		ret = append(ret, sorted[int(math.Round(lastIndex*float64(decile)/10))])
	}

	return ret
}

func getF64Stats(series []float64) *Stats {
	if len(series) == 0 {
		return nil
	}

	ret := &Stats{
		Min:      math.Inf(1),
		Max:      math.Inf(-1),
		MinIndex: 0,
		MaxIndex: 0,
	}

	for index, element := range series {
		if element < ret.Min {
			ret.Min = element
			ret.MinIndex = index
		}
		if element > ret.Max {
			ret.Max = element
			ret.MaxIndex = index
		}
	}

	ret.NSamples = len(series)
	ret.Mean = getMean(series)
	ret.StdDev = getStdDevUsingMean(series, ret.Mean)
	ret.StdErr = ret.StdDev / math.Sqrt(float64(ret.NSamples))
	ret.Deciles = getDeciles(series)

	return ret
}

func getDurationMSStats(durations []time.Duration) *Stats {
	durationSamples := []float64{}

	for _, duration := range durations {
		durationMSF64 := float64(duration.Microseconds()) / 1000
		durationSamples = append(durationSamples, durationMSF64)
	}

	return getF64Stats(durationSamples)
}

// SummarizeDurations returns millisecond statistics of durations, or nil
// when there is nothing to summarize.
func SummarizeDurations(durations []time.Duration) *Stats {
	return getDurationMSStats(durations)
}
