package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/log"
	"github.com/stokerhq/stoker/pkg/metrics"
	"github.com/stokerhq/stoker/pkg/types"
)

// OnLaunch is invoked with every freshly launched handle, before Ensure
// returns it. The broker uses it to attach the output demultiplexer.
type OnLaunch func(h *Handle)

// Supervisor owns the kernel subprocess pool: at most one kernel per
// notebook, at most maxKernels total. It launches lazily, watches liveness,
// and reaps kernels that go silent past the grace window.
type Supervisor struct {
	maxKernels    int
	livenessGrace time.Duration
	onLaunch      OnLaunch
	logger        zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewSupervisor creates a supervisor. onLaunch may be nil.
func NewSupervisor(maxKernels int, livenessGrace time.Duration, onLaunch OnLaunch) *Supervisor {
	return &Supervisor{
		maxKernels:    maxKernels,
		livenessGrace: livenessGrace,
		onLaunch:      onLaunch,
		logger:        log.WithComponent("supervisor"),
		handles:       make(map[string]*Handle),
	}
}

// Ensure returns the live kernel for notebookKey, launching one if none
// exists. A dead handle found in the registry counts as a restart. Returns
// ErrResourceExhausted when a new launch would exceed the pool cap.
func (s *Supervisor) Ensure(ctx context.Context, notebookKey string, spec types.KernelSpec) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restart := false
	if h, ok := s.handles[notebookKey]; ok {
		if h.Alive() {
			return h, nil
		}
		delete(s.handles, notebookKey)
		restart = true
	}

	if len(s.handles) >= s.maxKernels {
		return nil, fmt.Errorf("%w: kernel pool full (%d/%d)",
			types.ErrResourceExhausted, len(s.handles), s.maxKernels)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, err := launch(notebookKey, spec)
	if err != nil {
		return nil, err
	}
	s.handles[notebookKey] = h
	if restart {
		metrics.KernelRestarts.Inc()
	}
	if s.onLaunch != nil {
		s.onLaunch(h)
	}
	return h, nil
}

// Get returns the handle for notebookKey if one exists and is alive.
func (s *Supervisor) Get(notebookKey string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[notebookKey]
	if !ok || !h.Alive() {
		return nil, false
	}
	return h, true
}

// List returns a snapshot of live sessions.
func (s *Supervisor) List() []types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.SessionInfo, 0, len(s.handles))
	for key, h := range s.handles {
		status := "running"
		if !h.Alive() {
			status = "dead"
		}
		out = append(out, types.SessionInfo{
			NotebookKey: key,
			StartedAt:   h.StartedAt(),
			KernelPID:   h.PID(),
			Status:      status,
		})
	}
	return out
}

// Interrupt signals the notebook's kernel to abort its running cell.
func (s *Supervisor) Interrupt(notebookKey string) error {
	h, ok := s.Get(notebookKey)
	if !ok {
		return fmt.Errorf("%w: no kernel for %s", types.ErrKernelUnavailable, notebookKey)
	}
	return h.Interrupt()
}

// Shutdown stops the notebook's kernel and removes it from the pool.
func (s *Supervisor) Shutdown(ctx context.Context, notebookKey string, grace time.Duration) error {
	s.mu.Lock()
	h, ok := s.handles[notebookKey]
	delete(s.handles, notebookKey)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no kernel for %s", types.ErrKernelUnavailable, notebookKey)
	}
	return h.Stop(ctx, grace)
}

// ShutdownAll stops every kernel. Used on broker shutdown.
func (s *Supervisor) ShutdownAll(ctx context.Context, grace time.Duration) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.Stop(ctx, grace); err != nil {
				s.logger.Error().Err(err).Str("notebook_key", h.NotebookKey).Msg("kernel shutdown failed")
			}
		}(h)
	}
	wg.Wait()
}

// Watch runs the liveness loop until ctx is cancelled. Each tick pings every
// kernel; a kernel whose last frame is older than the grace window is
// presumed hung and killed. The kill closes its output stream, which is how
// in-flight executions learn about the death.
func (s *Supervisor) Watch(ctx context.Context) {
	interval := s.livenessGrace / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if !h.Alive() {
			s.remove(h)
			continue
		}
		if h.SinceLastFrame() > s.livenessGrace {
			s.logger.Warn().
				Str("notebook_key", h.NotebookKey).
				Dur("silent_for", h.SinceLastFrame()).
				Msg("kernel unresponsive, killing")
			h.kill()
			s.remove(h)
			continue
		}
		// Liveness probe. The pong it triggers refreshes the beat clock.
		_, _ = h.Send(ctx, types.Request{Type: types.FramePing})
	}
}

// remove drops a handle from the registry if it is still the registered one.
func (s *Supervisor) remove(h *Handle) {
	s.mu.Lock()
	if cur, ok := s.handles[h.NotebookKey]; ok && cur == h {
		delete(s.handles, h.NotebookKey)
	}
	s.mu.Unlock()
}
