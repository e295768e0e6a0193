package speedtest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type RegistryConfig struct {
	PayloadSize     int64
	MaxRuns         int
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	Resolution      time.Duration
	ResultGrace     time.Duration
	ResultCacheSize int
}

type runEntry struct {
	mu    sync.Mutex
	state RunState
	gone  bool // set once the entry has left the map; guarded by mu
}

// Registry owns every live run. The map is guarded by mu; the fields of a
// run are guarded by the entry's own mutex, so requests for different tokens
// never contend beyond a map lookup. Lock order is Registry.mu, then
// runEntry.mu; data transfer never happens under either.
type Registry struct {
	mu   sync.RWMutex
	runs map[Token]*runEntry

	config     RegistryConfig
	clock      Clock
	correlator *Correlator
	results    *ResultCache
	logger     *slog.Logger

	// OnEvict, when set, is called for every run removed by the sweep.
	OnEvict func(state RunState)

	// OnComplete, when set, is called once per run with its final metrics.
	OnComplete func(metrics *Metrics)
}

func NewRegistry(config RegistryConfig, clk Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = NewClock()
	}
	return &Registry{
		runs:       make(map[Token]*runEntry),
		config:     config,
		clock:      clk,
		correlator: NewCorrelator(config.Resolution),
		results:    NewResultCache(config.ResultCacheSize, config.ResultGrace),
		logger:     logger,
	}
}

func (r *Registry) Clock() Clock {
	return r.clock
}

func (r *Registry) Correlator() *Correlator {
	return r.correlator
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Create registers a new run in PhaseCreated and returns its token.
func (r *Registry) Create() (Token, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.MaxRuns > 0 && len(r.runs) >= r.config.MaxRuns {
		return "", errors.Wrapf(ErrCapacityExceeded, "%d runs in flight", len(r.runs))
	}

	token := newToken()
	for r.runs[token] != nil {
		token = newToken()
	}

	r.runs[token] = &runEntry{
		state: RunState{
			Token:         token,
			Phase:         PhaseCreated,
			PayloadSize:   r.config.PayloadSize,
			CreatedAt:     now,
			LastTouchedAt: now,
		},
	}

	r.logger.Debug("run created", slog.String("token", token.String()))

	return token, nil
}

func (r *Registry) lookup(token Token) (*runEntry, error) {
	r.mu.RLock()
	entry, exists := r.runs[token]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Wrapf(ErrNotFound, "run %s", token)
	}
	return entry, nil
}

// withEntry runs fn with the entry of token locked.
func (r *Registry) withEntry(token Token, fn func(entry *runEntry) error) error {
	entry, err := r.lookup(token)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.gone {
		return errors.Wrapf(ErrNotFound, "run %s", token)
	}
	return fn(entry)
}

// Get returns a copy of the run; later mutations are not reflected in it.
func (r *Registry) Get(token Token) (RunState, error) {
	var ret RunState
	err := r.withEntry(token, func(entry *runEntry) error {
		ret = entry.state.clone()
		return nil
	})
	return ret, err
}

func (r *Registry) Touch(token Token) error {
	return r.withEntry(token, func(entry *runEntry) error {
		entry.state.LastTouchedAt = r.clock.Now()
		return nil
	})
}

// Transition moves the run from expected to next. It fails with
// ErrPhaseMismatch, leaving the run untouched, when the run is not in
// expected or when expected -> next is not an edge of the state machine.
func (r *Registry) Transition(token Token, expected, next Phase) error {
	_, err := r.TransitionWith(token, expected, next, nil)
	return err
}

// TransitionWith applies fn and the phase change as one atomic step. fn sees
// the run already in next and cannot change its phase. If fn fails the run is
// left untouched.
func (r *Registry) TransitionWith(token Token, expected, next Phase, fn func(state *RunState) error) (RunState, error) {
	var ret RunState
	err := r.withEntry(token, func(entry *runEntry) error {
		current := entry.state.Phase
		if current != expected {
			return errors.Wrapf(ErrPhaseMismatch, "run %s is %s, not %s", token, current, expected)
		}

		updated := entry.state.clone()
		if err := setPhase(&updated, next); err != nil {
			return err
		}
		if fn != nil {
			if err := fn(&updated); err != nil {
				return err
			}
		}
		updated.Phase = next
		updated.LastTouchedAt = r.clock.Now()

		entry.state = updated
		ret = updated.clone()
		return nil
	})
	return ret, err
}

// Update mutates the fields of a run without changing its phase. The run
// must currently be in one of allowed.
func (r *Registry) Update(token Token, fn func(state *RunState) error, allowed ...Phase) (RunState, error) {
	var ret RunState
	err := r.withEntry(token, func(entry *runEntry) error {
		current := entry.state.Phase
		if !phaseIn(current, allowed) {
			return errors.Wrapf(ErrPhaseMismatch, "run %s is %s", token, current)
		}

		updated := entry.state.clone()
		if err := fn(&updated); err != nil {
			return err
		}
		updated.Phase = current
		updated.LastTouchedAt = r.clock.Now()

		entry.state = updated
		ret = updated.clone()
		return nil
	})
	return ret, err
}

// setPhase is the only way a run changes phase; the caller holds the lock of
// the run's entry.
func setPhase(state *RunState, next Phase) error {
	if !canAdvance(state.Phase, next) {
		return errors.Wrapf(ErrPhaseMismatch, "run %s cannot go from %s to %s", state.Token, state.Phase, next)
	}
	state.Phase = next
	return nil
}

func phaseIn(phase Phase, phases []Phase) bool {
	for _, p := range phases {
		if p == phase {
			return true
		}
	}
	return false
}

func (r *Registry) release(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.runs[token]
	if !exists {
		return
	}
	entry.mu.Lock()
	entry.gone = true
	entry.mu.Unlock()
	delete(r.runs, token)
}

// Complete moves a run from UploadFinished to Completed, computes its metrics
// once, parks them in the result cache and frees the run's registry slot.
// The metrics are cached before the run is seen as Completed.
func (r *Registry) Complete(token Token) (*Metrics, error) {
	var metrics *Metrics
	_, err := r.TransitionWith(token, PhaseUploadFinished, PhaseCompleted, func(state *RunState) error {
		computed, err := r.correlator.ComputeMetrics(*state)
		if err != nil {
			return err
		}
		r.results.Add(token, computed)
		metrics = computed
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.release(token)

	r.logger.Info("run completed",
		slog.String("token", token.String()),
		slog.String("download", metrics.Download.Humanized),
		slog.String("upload", metrics.Upload.Humanized),
	)
	if r.OnComplete != nil {
		r.OnComplete(metrics)
	}

	return metrics, nil
}

// Result returns the metrics of a run. Completed runs are served from the
// result cache for the grace window, so repeated queries see the same value.
func (r *Registry) Result(token Token) (*Metrics, error) {
	if metrics, ok := r.results.Get(token); ok {
		return metrics, nil
	}

	state, err := r.Get(token)
	if err != nil {
		// completed and released by a concurrent query since the lookup above
		if cached, ok := r.results.Get(token); ok && errors.Is(err, ErrNotFound) {
			return cached, nil
		}
		return nil, err
	}

	switch state.Phase {
	case PhaseUploadFinished:
		metrics, err := r.Complete(token)
		if errors.Is(err, ErrPhaseMismatch) || errors.Is(err, ErrNotFound) {
			// lost the race against a concurrent query of the same run
			if cached, ok := r.results.Get(token); ok {
				return cached, nil
			}
		}
		return metrics, err

	case PhaseCompleted:
		if cached, ok := r.results.Get(token); ok {
			return cached, nil
		}
		return r.correlator.ComputeMetrics(state)

	default:
		return r.correlator.ComputeMetrics(state)
	}
}

// EvictExpired removes runs idle for longer than the idle timeout, whatever
// their phase, along with aborted runs. It returns the number removed.
func (r *Registry) EvictExpired() int {
	now := r.clock.Now()
	evicted := []RunState{}

	r.mu.Lock()
	for token, entry := range r.runs {
		entry.mu.Lock()
		idle := now.Sub(entry.state.LastTouchedAt)
		if idle > r.config.IdleTimeout || entry.state.Phase == PhaseAborted {
			// terminal runs keep their phase
			_ = setPhase(&entry.state, PhaseExpired)
			entry.gone = true
			evicted = append(evicted, entry.state.clone())
			delete(r.runs, token)
		}
		entry.mu.Unlock()
	}
	r.mu.Unlock()

	for _, state := range evicted {
		r.logger.Info("run evicted",
			slog.String("token", state.Token.String()),
			slog.String("phase", state.Phase.String()),
			slog.Duration("idle", now.Sub(state.LastTouchedAt)),
		)
		if r.OnEvict != nil {
			r.OnEvict(state)
		}
	}

	return len(evicted)
}

// Run sweeps the registry every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictExpired()
		}
	}
}
