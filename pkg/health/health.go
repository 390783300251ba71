// Package health serves liveness and readiness probes backed by periodic
// checks. A probe flips state only after a run of consecutive results so a
// single slow ping does not take the register offline.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind selects the probe a check contributes to.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

func (k Kind) String() string {
	if k == Liveness {
		return "liveness"
	}
	return "readiness"
}

// CheckFunc reports nil when the checked dependency is usable.
type CheckFunc func(ctx context.Context) error

// Check describes one periodic check.
type Check struct {
	Name    string
	Kind    Kind
	Timeout time.Duration
	Func    CheckFunc
	// FailAfter consecutive failures mark the check down. Defaults to 3.
	FailAfter int
	// PassAfter consecutive successes mark it up again. Defaults to 1.
	PassAfter int
}

type probe struct {
	Check

	up  atomic.Bool
	err atomic.Pointer[string]

	// Touched only by the goroutine running the probe.
	fails, passes int
}

func (p *probe) run(ctx context.Context, lg *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := p.Func(ctx)
	if err != nil {
		msg := err.Error()
		p.err.Store(&msg)
		p.passes = 0
		p.fails++
		if p.fails >= p.FailAfter && p.up.Swap(false) {
			lg.Warn("Health check down", zap.String("check", p.Name), zap.Error(err))
		}
		return
	}
	p.err.Store(nil)
	p.fails = 0
	p.passes++
	if p.passes >= p.PassAfter && !p.up.Swap(true) {
		lg.Info("Health check up", zap.String("check", p.Name))
	}
}

func (p *probe) failure() (string, bool) {
	if p.up.Load() {
		return "", false
	}
	if msg := p.err.Load(); msg != nil {
		return *msg, true
	}
	return "check is failing", true
}

// Service runs checks and serves their state over HTTP. Checks must be
// added before Run.
type Service struct {
	lg    *zap.Logger
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
}

// New creates a Service that is not ready until SetReady(true).
func New(lg *zap.Logger) *Service {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Service{lg: lg}
}

// Add registers a check. Checks start healthy.
func (s *Service) Add(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.FailAfter <= 0 {
		c.FailAfter = 3
	}
	if c.PassAfter <= 0 {
		c.PassAfter = 1
	}
	p := &probe{Check: c}
	p.up.Store(true)

	s.mu.Lock()
	s.probes = append(s.probes, p)
	s.mu.Unlock()
}

// Run executes every check immediately and then once per interval until ctx
// is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range s.snapshot() {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				p.run(ctx, s.lg)
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
			}
		})
	}
	return g.Wait()
}

// SetReady toggles the manual readiness gate, closed during drain.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Ready reports whether the gate is open and every readiness check is up.
func (s *Service) Ready() bool {
	return s.ready.Load() && len(s.failures(Readiness)) == 0
}

// Live reports whether every liveness check is up.
func (s *Service) Live() bool {
	return len(s.failures(Liveness)) == 0
}

func (s *Service) snapshot() []*probe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*probe(nil), s.probes...)
}

func (s *Service) failures(kind Kind) map[string]string {
	out := make(map[string]string)
	for _, p := range s.snapshot() {
		if p.Kind != kind {
			continue
		}
		if msg, failed := p.failure(); failed {
			out[p.Name] = msg
		}
	}
	return out
}

type report struct {
	Status string            `json:"status"`
	Probe  string            `json:"probe"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveHandler serves the liveness probe.
func (s *Service) LiveHandler(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, Liveness, s.failures(Liveness))
}

// ReadyHandler serves the readiness probe.
func (s *Service) ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	failures := s.failures(Readiness)
	if !s.ready.Load() {
		failures["gate"] = "not accepting traffic"
	}
	writeReport(w, Readiness, failures)
}

func writeReport(w http.ResponseWriter, kind Kind, failures map[string]string) {
	r := report{Status: "ok", Probe: kind.String()}
	code := http.StatusOK
	if len(failures) > 0 {
		r.Status = "unhealthy"
		r.Checks = failures
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(r)
}
