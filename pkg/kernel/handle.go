package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stokerhq/stoker/pkg/log"
	"github.com/stokerhq/stoker/pkg/metrics"
	"github.com/stokerhq/stoker/pkg/types"
)

// maxFrameSize bounds one newline-delimited frame on the kernel wire.
// Larger outputs are expected to be offloaded as assets by the kernel.
const maxFrameSize = 16 * 1024 * 1024

// Handle is one live kernel subprocess. Requests go down stdin as
// newline-delimited JSON, output frames come back up stdout the same way.
// Writes are serialized; reads happen on a single loop that owns stdout.
type Handle struct {
	NotebookKey string

	spec      types.KernelSpec
	cmd       *exec.Cmd
	startedAt time.Time
	logger    zerolog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	out      chan types.Frame
	readDone chan struct{} // stdout drained
	errDone  chan struct{} // stderr drained
	done     chan struct{} // closed after the process exits

	lastBeat atomic.Int64 // unix nanos of the last frame seen
	exited   atomic.Bool
}

// launch starts the kernel subprocess described by spec and begins reading
// its output.
func launch(notebookKey string, spec types.KernelSpec) (*Handle, error) {
	argv, err := shlex.Split(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("parse kernel command %q: %w", spec.Command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty kernel command", types.ErrKernelUnavailable)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", types.ErrKernelUnavailable, argv[0], err)
	}

	h := &Handle{
		NotebookKey: notebookKey,
		spec:        spec,
		cmd:         cmd,
		startedAt:   time.Now(),
		logger: log.WithComponent("kernel").With().
			Str("notebook_key", notebookKey).
			Int("pid", cmd.Process.Pid).Logger(),
		stdin:    stdin,
		out:      make(chan types.Frame, 256),
		readDone: make(chan struct{}),
		errDone:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	h.lastBeat.Store(time.Now().UnixNano())

	metrics.ActiveKernels.Inc()
	h.logger.Info().Str("command", argv[0]).Msg("kernel started")

	go h.readLoop(stdout)
	go h.stderrLoop(stderr)
	go h.wait()

	return h, nil
}

// Send writes one request to the kernel. An empty MsgID is minted here; the
// assigned id is returned so callers can bind output routing to it.
func (h *Handle) Send(ctx context.Context, req types.Request) (string, error) {
	if !h.Alive() {
		return "", fmt.Errorf("%w: kernel for %s exited", types.ErrKernelUnavailable, h.NotebookKey)
	}
	if req.MsgID == "" {
		req.MsgID = uuid.New().String()
	}

	line, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')

	if deadline, ok := ctx.Deadline(); ok {
		if f, ok := h.stdin.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = f.SetWriteDeadline(deadline)
		}
	}

	h.writeMu.Lock()
	_, err = h.stdin.Write(line)
	h.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: write to kernel for %s: %v", types.ErrKernelUnavailable, h.NotebookKey, err)
	}
	return req.MsgID, nil
}

// Output returns the kernel's output frame stream. The channel closes when
// the kernel exits or its stdout fails; that close is the death signal
// downstream consumers key off.
func (h *Handle) Output() <-chan types.Frame { return h.out }

// Alive reports whether the subprocess is still running.
func (h *Handle) Alive() bool { return !h.exited.Load() }

// PID returns the kernel process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// StartedAt returns the launch time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// SinceLastFrame returns how long ago the kernel last produced any frame.
func (h *Handle) SinceLastFrame() time.Duration {
	return time.Since(time.Unix(0, h.lastBeat.Load()))
}

// Interrupt delivers SIGINT, asking the kernel to abort the running cell
// without dying.
func (h *Handle) Interrupt() error {
	if !h.Alive() {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGINT)
}

// Stop asks the kernel to exit and escalates to SIGKILL after grace. Safe to
// call on an already-dead handle.
func (h *Handle) Stop(ctx context.Context, grace time.Duration) error {
	if !h.Alive() {
		return nil
	}

	// Polite first: a shutdown request, then SIGTERM as a backstop for
	// kernels not reading stdin.
	_, _ = h.Send(ctx, types.Request{Type: types.FrameShutdown})
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	h.logger.Warn().Msg("kernel did not exit in time, killing")
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill kernel for %s: %w", h.NotebookKey, err)
	}
	<-h.done
	return nil
}

// kill terminates the subprocess immediately.
func (h *Handle) kill() {
	if h.Alive() {
		_ = h.cmd.Process.Kill()
	}
}

// readLoop owns stdout: it decodes frames, keeps the liveness clock fresh,
// and forwards everything except pongs. A decode error on one line is logged
// and skipped; the stream keeps going.
func (h *Handle) readLoop(stdout io.Reader) {
	defer close(h.out)
	defer close(h.readDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f types.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			h.logger.Warn().Err(err).Msg("undecodable frame, skipped")
			continue
		}

		// Every frame is proof of life, not just pongs.
		h.lastBeat.Store(time.Now().UnixNano())
		if f.Type == types.FramePong {
			continue
		}
		h.out <- f
	}
	if err := scanner.Err(); err != nil {
		h.logger.Error().Err(err).Msg("kernel stdout read failed")
	}
}

// stderrLoop drains stderr into the log so kernel crashes leave a trace.
func (h *Handle) stderrLoop(stderr io.Reader) {
	defer close(h.errDone)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.logger.Debug().Str("stderr", scanner.Text()).Msg("kernel stderr")
	}
}

// wait reaps the subprocess and flips the handle to dead. Wait closes the
// pipes, so it must run only after both read loops have drained them.
func (h *Handle) wait() {
	<-h.readDone
	<-h.errDone
	err := h.cmd.Wait()
	h.exited.Store(true)
	close(h.done)
	metrics.ActiveKernels.Dec()

	if err != nil {
		h.logger.Warn().Err(err).Msg("kernel exited")
	} else {
		h.logger.Info().Msg("kernel exited")
	}
}
