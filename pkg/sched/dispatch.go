package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/metrics"
	"github.com/stokerhq/stoker/pkg/storage"
	"github.com/stokerhq/stoker/pkg/types"
)

// dispatch runs one execution end to end: mark started, ensure a kernel,
// send the code, then wait for completion, timeout, or cancellation. It is
// called from the notebook's single session worker, so per-notebook
// execution is serial.
func (s *Scheduler) dispatch(notebookKey, taskID string) {
	logger := s.logger.With().Str("notebook_key", notebookKey).Str("task_id", taskID).Logger()

	s.mu.Lock()
	_, skipped := s.tombstone[taskID]
	delete(s.tombstone, taskID)
	s.mu.Unlock()
	if skipped {
		return
	}

	row, err := s.store.Get(taskID)
	if err != nil {
		logger.Error().Err(err).Msg("dequeued task has no row")
		return
	}
	if row.Status.Terminal() {
		return
	}

	if err := s.mark("start", func() error { return s.store.MarkStarted(taskID, time.Now()) }); err != nil {
		logger.Error().Err(err).Msg("cannot mark started, dropping dispatch")
		return
	}
	s.broadcastStatus(taskID, types.StatusRunning)
	metrics.ExecutionsInFlight.Inc()
	start := time.Now()

	final := s.runTask(logger, notebookKey, taskID, row)

	metrics.ExecutionsInFlight.Dec()
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	metrics.ExecutionsTotal.WithLabelValues(string(final)).Inc()
	s.broadcastStatus(taskID, final)
}

// runTask performs the kernel round-trip and records the terminal status it
// returns.
func (s *Scheduler) runTask(logger zerolog.Logger, notebookKey, taskID string, row *types.Execution) types.ExecutionStatus {
	taskCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	kern, err := s.kernels.Ensure(taskCtx, notebookKey, s.opts.SpecFor(notebookKey))
	if err != nil {
		logger.Error().Err(err).Msg("no kernel for dispatch")
		return s.fail(taskID, "kernel unavailable: "+err.Error())
	}

	m, ok := s.muxFor(notebookKey)
	if !ok {
		logger.Error().Msg("kernel has no output stream attached")
		return s.fail(taskID, "kernel output stream unavailable")
	}

	rtExec := m.Register(taskID)
	rt := &runningTask{exec: rtExec, kernel: kern, cancel: cancel}
	s.mu.Lock()
	s.running[taskID] = rt
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
		s.finished.Add(taskID, rtExec)
	}()

	msgID, err := kern.Send(taskCtx, types.Request{Type: types.FrameExecute, Code: row.Source})
	if err != nil {
		logger.Error().Err(err).Msg("send to kernel failed")
		return s.fail(taskID, "kernel write failed: "+err.Error())
	}
	defer m.Release(msgID, taskID)

	s.mu.Lock()
	rt.kernelMsgID = msgID
	s.mu.Unlock()

	if err := m.Bind(msgID, taskID); err != nil {
		logger.Error().Err(err).Msg("bind failed")
		return s.fail(taskID, "output routing failed")
	}
	if s.notifier != nil {
		s.notifier.Broadcast(types.ExecutionStarted{TaskID: taskID, KernelMsgID: msgID})
	}

	timer := time.NewTimer(s.opts.ExecTimeout)
	defer timer.Stop()

	select {
	case <-rtExec.Done():
		if taskCtx.Err() != nil {
			// The abort acknowledgement arrived after cancellation.
			if err := s.mark("cancel", func() error { return s.store.MarkCancelled(taskID, time.Now()) }); err != nil {
				logger.Error().Err(err).Msg("cannot record cancellation")
			}
			return types.StatusCancelled
		}
		if rtExec.Failed() {
			return s.fail(taskID, rtExec.ErrorMessage())
		}
		if err := s.mark("complete", func() error { return s.store.MarkCompleted(taskID, time.Now()) }); err != nil {
			logger.Error().Err(err).Msg("cannot record completion")
		}
		s.noteCompleted(notebookKey, row.CellIndex)
		return types.StatusCompleted

	case <-timer.C:
		logger.Warn().Dur("timeout", s.opts.ExecTimeout).Msg("execution timed out")
		_, _ = kern.Send(context.Background(), types.Request{Type: types.FrameCancel, Target: msgID})
		if err := s.kernels.Interrupt(notebookKey); err != nil {
			logger.Warn().Err(err).Msg("interrupt after timeout failed")
		}
		if err := s.mark("timeout", func() error { return s.store.MarkTimeout(taskID, time.Now()) }); err != nil {
			logger.Error().Err(err).Msg("cannot record timeout")
		}
		return types.StatusTimeout

	case <-taskCtx.Done():
		if err := s.mark("cancel", func() error { return s.store.MarkCancelled(taskID, time.Now()) }); err != nil {
			logger.Error().Err(err).Msg("cannot record cancellation")
		}
		return types.StatusCancelled
	}
}

// fail records a failed terminal state.
func (s *Scheduler) fail(taskID, reason string) types.ExecutionStatus {
	if err := s.mark("fail", func() error { return s.store.MarkFailed(taskID, time.Now(), reason) }); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("cannot record failure")
	}
	return types.StatusFailed
}

// mark wraps a store transition in the standard retry policy.
func (s *Scheduler) mark(op string, fn func() error) error {
	return storage.WithRetry(s.logger, op, storage.DefaultRetryAttempts, fn)
}

// noteCompleted advances the notebook's high-water cell index.
func (s *Scheduler) noteCompleted(notebookKey string, cellIndex int) {
	if cellIndex < 0 {
		return
	}
	s.mu.Lock()
	if cur, ok := s.maxIndex[notebookKey]; !ok || cellIndex > cur {
		s.maxIndex[notebookKey] = cellIndex
	}
	s.mu.Unlock()
}
