package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokerhq/stoker/pkg/types"
)

// writeScript drops a shell script into the test's temp dir and returns a
// kernel spec running it.
func writeScript(t *testing.T, body string) types.KernelSpec {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return types.KernelSpec{Command: "sh " + path}
}

func sleepSpec() types.KernelSpec {
	return types.KernelSpec{Command: "sleep 60"}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEnsureReturnsSameHandle(t *testing.T) {
	s := NewSupervisor(4, time.Minute, nil)
	defer s.ShutdownAll(context.Background(), 100*time.Millisecond)

	h1, err := s.Ensure(context.Background(), "nb1", sleepSpec())
	require.NoError(t, err)
	h2, err := s.Ensure(context.Background(), "nb1", sleepSpec())
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.True(t, h1.Alive())
	assert.NotZero(t, h1.PID())
}

func TestEnsurePoolCap(t *testing.T) {
	s := NewSupervisor(1, time.Minute, nil)
	defer s.ShutdownAll(context.Background(), 100*time.Millisecond)

	_, err := s.Ensure(context.Background(), "nb1", sleepSpec())
	require.NoError(t, err)

	_, err = s.Ensure(context.Background(), "nb2", sleepSpec())
	assert.ErrorIs(t, err, types.ErrResourceExhausted)
}

func TestOutputFramesAndDeathSignal(t *testing.T) {
	spec := writeScript(t, `
printf '{"parent_id":"p1","type":"stream","payload":{"text":"a"}}\n'
printf '{"parent_id":"p1","type":"pong"}\n'
printf 'not json at all\n'
printf '{"parent_id":"p1","type":"result","payload":{}}\n'
`)
	s := NewSupervisor(4, time.Minute, nil)
	h, err := s.Ensure(context.Background(), "nb1", spec)
	require.NoError(t, err)

	var got []types.Frame
	for f := range h.Output() {
		got = append(got, f)
	}

	// Pong is intercepted and the garbage line skipped; the stream keeps
	// going and the channel closes on exit.
	require.Len(t, got, 2)
	assert.Equal(t, types.FrameStream, got[0].Type)
	assert.Equal(t, types.FrameResult, got[1].Type)

	waitFor(t, func() bool { return !h.Alive() })
}

func TestSendRoundTrip(t *testing.T) {
	spec := writeScript(t, `
while read line; do
  printf '{"parent_id":"echo","type":"result","payload":{}}\n'
done
`)
	s := NewSupervisor(4, time.Minute, nil)
	defer s.ShutdownAll(context.Background(), 100*time.Millisecond)

	h, err := s.Ensure(context.Background(), "nb1", spec)
	require.NoError(t, err)

	msgID, err := h.Send(context.Background(), types.Request{Type: types.FrameExecute, Code: "1+1"})
	require.NoError(t, err)
	assert.NotEmpty(t, msgID, "an unset msg id is minted")

	select {
	case f := <-h.Output():
		assert.Equal(t, "echo", f.ParentID)
		assert.Equal(t, types.FrameResult, f.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no response frame")
	}
}

func TestEnsureRelaunchesDeadKernel(t *testing.T) {
	spec := writeScript(t, "exit 0\n")
	s := NewSupervisor(4, time.Minute, nil)

	h1, err := s.Ensure(context.Background(), "nb1", spec)
	require.NoError(t, err)
	waitFor(t, func() bool { return !h1.Alive() })

	h2, err := s.Ensure(context.Background(), "nb1", spec)
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
}

func TestStopEscalatesToKill(t *testing.T) {
	spec := writeScript(t, `
trap '' TERM INT
while true; do sleep 0.1; done
`)
	s := NewSupervisor(4, time.Minute, nil)
	h, err := s.Ensure(context.Background(), "nb1", spec)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background(), "nb1", 200*time.Millisecond))
	assert.False(t, h.Alive())
	assert.Less(t, time.Since(start), 3*time.Second)

	_, found := s.Get("nb1")
	assert.False(t, found)
}

func TestWatchReapsSilentKernel(t *testing.T) {
	s := NewSupervisor(4, 150*time.Millisecond, nil)
	h, err := s.Ensure(context.Background(), "nb1", sleepSpec())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx)

	// sleep(1) never produces frames, so the grace window expires.
	waitFor(t, func() bool {
		_, found := s.Get("nb1")
		return !found
	})
	waitFor(t, func() bool { return !h.Alive() })
}

func TestInterruptWithoutKernel(t *testing.T) {
	s := NewSupervisor(4, time.Minute, nil)
	err := s.Interrupt("nobody")
	assert.ErrorIs(t, err, types.ErrKernelUnavailable)
}

func TestOnLaunchHook(t *testing.T) {
	launched := make(chan *Handle, 1)
	s := NewSupervisor(4, time.Minute, func(h *Handle) { launched <- h })
	defer s.ShutdownAll(context.Background(), 100*time.Millisecond)

	h, err := s.Ensure(context.Background(), "nb1", sleepSpec())
	require.NoError(t, err)

	select {
	case got := <-launched:
		assert.Same(t, h, got)
	default:
		t.Fatal("launch hook not called")
	}
}

func TestListSessions(t *testing.T) {
	s := NewSupervisor(4, time.Minute, nil)
	defer s.ShutdownAll(context.Background(), 100*time.Millisecond)

	_, err := s.Ensure(context.Background(), "nb1", sleepSpec())
	require.NoError(t, err)

	sessions := s.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "nb1", sessions[0].NotebookKey)
	assert.Equal(t, "running", sessions[0].Status)
	assert.NotZero(t, sessions[0].KernelPID)
}
