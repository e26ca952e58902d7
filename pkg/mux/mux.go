package mux

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/log"
	"github.com/stokerhq/stoker/pkg/metrics"
	"github.com/stokerhq/stoker/pkg/types"
)

// Notifier receives client-facing notifications. Satisfied by *hub.Hub.
type Notifier interface {
	Broadcast(n types.Notification)
}

// Execution is the in-memory runtime state of one dispatched execution:
// its accumulated outputs and a one-shot completion signal. The scheduler
// creates it and waits on Done; the multiplexer appends outputs and signals
// completion exactly once.
type Execution struct {
	TaskID      string
	NotebookKey string

	mu        sync.Mutex
	outputs   []types.Frame
	failed    bool
	errMsg    string
	completed bool

	done     chan struct{}
	doneOnce sync.Once
}

func newExecution(taskID, notebookKey string) *Execution {
	return &Execution{
		TaskID:      taskID,
		NotebookKey: notebookKey,
		done:        make(chan struct{}),
	}
}

// Done returns a channel closed on the first terminal transition.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Failed reports whether an error frame was observed before completion.
// Valid after Done is closed.
func (e *Execution) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// ErrorMessage returns the recorded kernel error, if any.
func (e *Execution) ErrorMessage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errMsg
}

// Outputs returns a snapshot of the accumulated output frames in arrival
// order.
func (e *Execution) Outputs() []types.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Frame, len(e.outputs))
	copy(out, e.outputs)
	return out
}

// fail records a failure reason and signals completion. Used for kernel
// death and scheduler-side terminations; a no-op once completed.
func (e *Execution) fail(reason string) {
	e.mu.Lock()
	if !e.completed {
		e.completed = true
		e.failed = true
		e.errMsg = reason
	}
	e.mu.Unlock()
	e.doneOnce.Do(func() { close(e.done) })
}

// Mux demultiplexes one kernel's output stream into per-execution records.
// The routing loop is single-goroutine, so the orphan buffer needs no
// cross-task locking; the registry lock only guards Bind/Register racing
// the loop.
type Mux struct {
	notebookKey string
	ringSize    int
	notifier    Notifier
	logger      zerolog.Logger

	mu       sync.Mutex
	byTask   map[string]*Execution
	byParent map[string]*Execution
	orphans  map[string]*frameRing
}

// New creates a multiplexer for one kernel session. ringSize bounds the
// per-parent orphan buffer.
func New(notebookKey string, ringSize int, notifier Notifier) *Mux {
	return &Mux{
		notebookKey: notebookKey,
		ringSize:    ringSize,
		notifier:    notifier,
		logger:      log.WithComponent("mux").With().Str("notebook_key", notebookKey).Logger(),
		byTask:      make(map[string]*Execution),
		byParent:    make(map[string]*Execution),
		orphans:     make(map[string]*frameRing),
	}
}

// Register creates the runtime state for a task before dispatch.
func (m *Mux) Register(taskID string) *Execution {
	exec := newExecution(taskID, m.notebookKey)
	m.mu.Lock()
	m.byTask[taskID] = exec
	m.mu.Unlock()
	return exec
}

// Lookup returns the runtime state for a task, if registered.
func (m *Mux) Lookup(taskID string) (*Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.byTask[taskID]
	return exec, ok
}

// Bind maps a kernel message id onto a registered task, first draining any
// orphaned frames for that id in arrival order. The binding is published
// only once the orphan ring is empty: frames the routing loop appends while
// a drained batch is being delivered land back in the ring and are drained
// on the next pass, so the record never interleaves buffered and live
// frames out of arrival order.
func (m *Mux) Bind(kernelMsgID, taskID string) error {
	m.mu.Lock()
	exec, ok := m.byTask[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s not registered", types.ErrNotFound, taskID)
	}

	for {
		ring, ok := m.orphans[kernelMsgID]
		if !ok || ring.len() == 0 {
			m.byParent[kernelMsgID] = exec
			delete(m.orphans, kernelMsgID)
			m.mu.Unlock()
			return nil
		}

		buffered := ring.drain()
		metrics.OrphanFramesBuffered.Sub(float64(len(buffered)))
		m.mu.Unlock()

		for i := range buffered {
			m.deliver(exec, &buffered[i])
		}
		m.mu.Lock()
	}
}

// Release drops the routing entries for a finished task. Outputs stay
// reachable through the Execution held by the scheduler.
func (m *Mux) Release(kernelMsgID, taskID string) {
	m.mu.Lock()
	delete(m.byParent, kernelMsgID)
	delete(m.byTask, taskID)
	m.mu.Unlock()
}

// Run consumes the kernel output channel until it closes, then fails every
// still-incomplete execution. The channel closing means the subscription
// ended: kernel death or a fatal read error, either way the supervisor has
// already observed it.
func (m *Mux) Run(frames <-chan types.Frame) {
	for f := range frames {
		m.route(f)
	}
	m.failInFlight("kernel died")
}

// route dispatches one frame by parent id.
func (m *Mux) route(f types.Frame) {
	if f.Type == types.FramePong {
		// Liveness traffic, handled by the supervisor.
		return
	}
	if f.ParentID == "" {
		m.logger.Debug().Str("frame_type", string(f.Type)).Msg("frame without parent id, skipped")
		return
	}

	m.mu.Lock()
	exec, bound := m.byParent[f.ParentID]
	if !bound {
		ring, ok := m.orphans[f.ParentID]
		if !ok {
			ring = newFrameRing(m.ringSize)
			m.orphans[f.ParentID] = ring
		}
		if ring.append(f) {
			metrics.OrphanFramesDropped.Inc()
		} else {
			metrics.OrphanFramesBuffered.Inc()
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.deliver(exec, &f)
}

// deliver appends a frame to its execution, forwards it to the hub, and on
// the terminal idle frame signals completion exactly once. Frames arriving
// after completion are recorded but change no state.
func (m *Mux) deliver(exec *Execution, f *types.Frame) {
	exec.mu.Lock()
	exec.outputs = append(exec.outputs, *f)
	alreadyDone := exec.completed

	if !alreadyDone && f.Type == types.FrameError {
		exec.failed = true
		exec.errMsg = decodeError(f.Payload)
	}

	terminal := false
	if !alreadyDone && f.Idle() {
		exec.completed = true
		terminal = true
	}
	exec.mu.Unlock()

	m.forward(exec, f)

	if terminal {
		exec.doneOnce.Do(func() { close(exec.done) })
	}
}

// forward translates a kernel frame into a client notification.
func (m *Mux) forward(exec *Execution, f *types.Frame) {
	if m.notifier == nil {
		return
	}

	switch f.Type {
	case types.FrameInputRequest:
		var p types.InputRequestPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			m.logger.Warn().Err(err).Msg("malformed input_request payload, skipped")
			return
		}
		m.notifier.Broadcast(types.InputRequest{
			NotebookKey: exec.NotebookKey,
			Prompt:      p.Prompt,
			IsPassword:  p.IsPassword,
			SecretKey:   p.SecretKey,
		})
	default:
		if kind := types.OutputKindForFrame(f.Type); kind != "" {
			m.notifier.Broadcast(types.Output{
				TaskID:  exec.TaskID,
				Kind:    kind,
				Payload: f.Payload,
			})
		}
	}
}

// failInFlight completes every incomplete execution with the given reason.
func (m *Mux) failInFlight(reason string) {
	m.mu.Lock()
	execs := make([]*Execution, 0, len(m.byTask))
	for _, exec := range m.byTask {
		execs = append(execs, exec)
	}
	m.mu.Unlock()

	for _, exec := range execs {
		exec.fail(reason)
	}
}

// OrphanCount returns the number of buffered orphan frames for a parent id.
func (m *Mux) OrphanCount(kernelMsgID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ring, ok := m.orphans[kernelMsgID]; ok {
		return ring.len()
	}
	return 0
}

func decodeError(payload json.RawMessage) string {
	var p types.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "execution error"
	}
	if p.Value == "" {
		return p.Name
	}
	return p.Name + ": " + p.Value
}
