package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/log"
	"github.com/stokerhq/stoker/pkg/metrics"
	"github.com/stokerhq/stoker/pkg/mux"
	"github.com/stokerhq/stoker/pkg/storage"
	"github.com/stokerhq/stoker/pkg/types"
)

// finishedCacheSize bounds how many finished executions keep their outputs
// queryable after release.
const finishedCacheSize = 256

// Kernel is the slice of a kernel handle the scheduler needs.
type Kernel interface {
	Send(ctx context.Context, req types.Request) (string, error)
	Alive() bool
}

// Kernels launches and addresses kernels by notebook. Satisfied by an
// adapter over the supervisor.
type Kernels interface {
	Ensure(ctx context.Context, notebookKey string, spec types.KernelSpec) (Kernel, error)
	Interrupt(notebookKey string) error
}

// Options configures a Scheduler.
type Options struct {
	QueueCap    int
	ExecTimeout time.Duration
	RingSize    int
	// SpecFor resolves the kernel spec to launch for a notebook.
	SpecFor func(notebookKey string) types.KernelSpec
}

// Scheduler turns durable execution rows into kernel dispatches. Each
// notebook gets one session worker draining a bounded queue, so executions
// for a notebook run strictly one at a time while notebooks proceed
// independently.
type Scheduler struct {
	store    storage.Store
	kernels  Kernels
	notifier mux.Notifier
	opts     Options
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessions  map[string]*session
	muxes     map[string]*mux.Mux
	running   map[string]*runningTask
	tombstone map[string]struct{}
	maxIndex  map[string]int

	finished *lru.Cache[string, *mux.Execution]
}

type session struct {
	notebookKey string
	queue       chan string
	// queued counts reserved slots, guarded by Scheduler.mu. It is always
	// at least the channel length, so a successful reservation guarantees
	// the later send cannot block.
	queued int
}

type runningTask struct {
	exec        *mux.Execution
	kernel      Kernel
	kernelMsgID string
	cancel      context.CancelFunc
}

// New creates a scheduler. Call Run-side effects begin with Submit; Shutdown
// stops the workers.
func New(store storage.Store, kernels Kernels, notifier mux.Notifier, opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	finished, _ := lru.New[string, *mux.Execution](finishedCacheSize)
	return &Scheduler{
		store:     store,
		kernels:   kernels,
		notifier:  notifier,
		opts:      opts,
		logger:    log.WithComponent("sched"),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
		muxes:     make(map[string]*mux.Mux),
		running:   make(map[string]*runningTask),
		tombstone: make(map[string]struct{}),
		maxIndex:  make(map[string]int),
		finished:  finished,
	}
}

// Submit reserves a queue slot, persists the execution, and hands it to the
// notebook's session worker. Capacity is checked before anything is
// persisted, so an ErrResourceExhausted rejection leaves no row behind and a
// retry with the same task id can succeed once the queue drains. Once Submit
// returns nil the row is durable.
func (s *Scheduler) Submit(ctx context.Context, exec types.Execution) error {
	if exec.TaskID == "" || exec.NotebookKey == "" {
		return fmt.Errorf("submit: task_id and notebook_key are required")
	}

	sess, err := s.reserve(exec.NotebookKey)
	if err != nil {
		metrics.SubmissionsRejected.Inc()
		return err
	}

	if err := s.store.Enqueue(&exec); err != nil {
		s.release(sess)
		return err
	}
	sess.queue <- exec.TaskID
	return nil
}

// reserve claims a queue slot for a notebook, creating its session lazily.
func (s *Scheduler) reserve(notebookKey string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[notebookKey]
	if !ok {
		sess = &session{
			notebookKey: notebookKey,
			queue:       make(chan string, s.opts.QueueCap),
		}
		s.sessions[notebookKey] = sess
		s.wg.Add(1)
		go s.runSession(sess)
	}

	if sess.queued >= s.opts.QueueCap {
		return nil, fmt.Errorf("%w: queue for %s is full", types.ErrResourceExhausted, notebookKey)
	}
	sess.queued++
	return sess, nil
}

// release returns a reserved slot.
func (s *Scheduler) release(sess *session) {
	s.mu.Lock()
	sess.queued--
	s.mu.Unlock()
}

// enqueue places an already-durable task on its notebook's queue.
func (s *Scheduler) enqueue(notebookKey, taskID string) error {
	sess, err := s.reserve(notebookKey)
	if err != nil {
		return err
	}
	sess.queue <- taskID
	return nil
}

// runSession drains one notebook's queue, one execution at a time.
func (s *Scheduler) runSession(sess *session) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case taskID := <-sess.queue:
			s.release(sess)
			s.dispatch(sess.notebookKey, taskID)
		}
	}
}

// Cancel stops an execution. Queued tasks are closed out immediately;
// running ones get a cancel request down the kernel wire plus an interrupt,
// and are marked once the dispatch loop observes the cancellation. Terminal
// tasks are a no-op.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	// Snapshot the runtime fields under the lock; kernelMsgID is written by
	// the dispatch loop while the send is in flight.
	s.mu.Lock()
	rt, isRunning := s.running[taskID]
	var (
		kern        Kernel
		kernelMsgID string
		notebookKey string
		cancelTask  context.CancelFunc
	)
	if isRunning {
		kern = rt.kernel
		kernelMsgID = rt.kernelMsgID
		notebookKey = rt.exec.NotebookKey
		cancelTask = rt.cancel
	}
	s.mu.Unlock()

	if isRunning {
		// Cancel the dispatch first so the terminal status is decided
		// before the kernel's abort acknowledgement can race it.
		cancelTask()
		if kernelMsgID != "" && kern != nil {
			_, _ = kern.Send(ctx, types.Request{Type: types.FrameCancel, Target: kernelMsgID})
		}
		if err := s.kernels.Interrupt(notebookKey); err != nil {
			s.logger.Debug().Err(err).Str("notebook_key", notebookKey).
				Msg("interrupt on cancel failed")
		}
		return nil
	}

	exec, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	// Still queued: tombstone so the session worker skips it.
	s.mu.Lock()
	s.tombstone[taskID] = struct{}{}
	s.mu.Unlock()

	if err := s.store.MarkCancelled(taskID, time.Now()); err != nil {
		return err
	}
	s.broadcastStatus(taskID, types.StatusCancelled)
	return nil
}

// Status returns the durable record for a task.
func (s *Scheduler) Status(taskID string) (*types.Execution, error) {
	return s.store.Get(taskID)
}

// Outputs returns the accumulated output frames for a task, if its runtime
// state is still held (running, or recently finished).
func (s *Scheduler) Outputs(taskID string) ([]types.Frame, bool) {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		return rt.exec.Outputs(), true
	}
	if exec, ok := s.finished.Get(taskID); ok {
		return exec.Outputs(), true
	}
	return nil, false
}

// MaxExecutedIndex returns the highest cell index completed for a notebook
// since broker start, or -1.
func (s *Scheduler) MaxExecutedIndex(notebookKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.maxIndex[notebookKey]; ok {
		return idx
	}
	return -1
}

// AttachKernel wires a fresh kernel's output stream into a new demultiplexer
// for the notebook. Called from the supervisor's launch hook, so it runs
// before any execution is sent to the kernel.
func (s *Scheduler) AttachKernel(notebookKey string, frames <-chan types.Frame) {
	m := mux.New(notebookKey, s.opts.RingSize, s.notifier)
	s.mu.Lock()
	s.muxes[notebookKey] = m
	s.mu.Unlock()

	// This goroutine lives as long as the kernel's output stream, not the
	// scheduler: it ends when the supervisor's read loop closes the channel.
	go func() {
		m.Run(frames)
		s.mu.Lock()
		if s.muxes[notebookKey] == m {
			delete(s.muxes, notebookKey)
		}
		s.mu.Unlock()
	}()
}

// muxFor returns the live demultiplexer for a notebook.
func (s *Scheduler) muxFor(notebookKey string) (*mux.Mux, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.muxes[notebookKey]
	return m, ok
}

// Restore replays the journal after a restart: every non-terminal row goes
// back on its notebook's queue in created_at order, so work interrupted by a
// crash is re-dispatched exactly once. Rows already marked running re-enter
// the dispatch loop unchanged; the running transition is idempotent.
func (s *Scheduler) Restore() error {
	rows, err := s.store.LoadNonterminal()
	if err != nil {
		return err
	}

	for _, exec := range rows {
		if err := s.enqueue(exec.NotebookKey, exec.TaskID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", exec.TaskID).
				Msg("restored row does not fit its queue, cancelling")
			if markErr := s.store.MarkCancelled(exec.TaskID, time.Now()); markErr != nil {
				return markErr
			}
		}
	}

	s.logger.Info().Int("rows", len(rows)).Msg("restore complete")
	return nil
}

// Shutdown stops the session workers, waits for them, and closes out every
// still-queued task as cancelled so nothing lingers as pending across a
// clean stop.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
	drain:
		for {
			select {
			case taskID := <-sess.queue:
				if err := s.store.MarkCancelled(taskID, time.Now()); err != nil {
					s.logger.Warn().Err(err).Str("task_id", taskID).Msg("drain cancel failed")
				}
			default:
				break drain
			}
		}
	}
}

func (s *Scheduler) broadcastStatus(taskID string, status types.ExecutionStatus) {
	if s.notifier != nil {
		s.notifier.Broadcast(types.StatusChange{TaskID: taskID, Status: status})
	}
}
