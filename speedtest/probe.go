package speedtest

import (
	"time"

	"github.com/pkg/errors"
)

const DefaultPingSamples = 10

// Prober serves latency probes. Stateless probes only measure how long the
// server itself took to answer. Chained probes belong to a run: each hop
// redirects to the next, so the gap between a hop's departure and the next
// hop's arrival is one full round trip seen from the server.
type Prober struct {
	registry *Registry
	clock    Clock
	samples  int
}

type Hop struct {
	Seq  int
	Next int
	Last bool
	RTT  time.Duration // zero on the first hop
}

func NewProber(registry *Registry, samples int) *Prober {
	if samples <= 0 {
		samples = DefaultPingSamples
	}
	return &Prober{
		registry: registry,
		clock:    registry.Clock(),
		samples:  samples,
	}
}

func (p *Prober) Samples() int {
	return p.samples
}

// Probe answers a stateless probe through respond and returns the time
// spent between arrival and the response being handed to the transport.
func (p *Prober) Probe(respond func() error) (time.Duration, error) {
	arrivedAt := p.clock.Now()
	err := respond()
	return p.clock.Since(arrivedAt), err
}

// Hop records hop seq of the chain of a run. Hops must arrive in order,
// starting at zero; the chain has Samples()+1 hops.
func (p *Prober) Hop(token Token, seq int, arrivedAt time.Time) (Hop, error) {
	hop := Hop{Seq: seq, Next: seq + 1, Last: seq == p.samples}

	_, err := p.registry.Update(token, func(state *RunState) error {
		if seq != state.PingSeq || seq > p.samples {
			return errors.Wrapf(ErrPhaseMismatch, "run %s: probe %d out of order, expecting %d", token, seq, state.PingSeq)
		}

		if seq > 0 {
			hop.RTT = arrivedAt.Sub(state.PingDepartedAt)
			state.RTTSamples = append(state.RTTSamples, hop.RTT)
		}
		state.PingSeq = seq + 1
		state.PingDepartedAt = p.clock.Now()
		return nil
	}, PhaseDownloadFinished, PhaseUploadStarted, PhaseUploadFinished)
	if err != nil {
		return Hop{}, err
	}

	return hop, nil
}
