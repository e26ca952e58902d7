package mux

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokerhq/stoker/pkg/types"
)

func numberedFrame(n int) types.Frame {
	return types.Frame{
		ParentID: "p",
		Type:     types.FrameStream,
		Payload:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
	}
}

func frameNumber(t *testing.T, f types.Frame) int {
	t.Helper()
	var p struct {
		N int `json:"n"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p.N
}

func TestRingAppendBelowCapacity(t *testing.T) {
	r := newFrameRing(4)
	for i := 1; i <= 3; i++ {
		assert.False(t, r.append(numberedFrame(i)), "no eviction below capacity")
	}
	assert.Equal(t, 3, r.len())

	got := r.drain()
	require.Len(t, got, 3)
	for i, f := range got {
		assert.Equal(t, i+1, frameNumber(t, f))
	}
	assert.Equal(t, 0, r.len())
}

func TestRingEvictsOldest(t *testing.T) {
	r := newFrameRing(3)
	for i := 1; i <= 5; i++ {
		evicted := r.append(numberedFrame(i))
		assert.Equal(t, i > 3, evicted, "frame %d", i)
	}
	assert.Equal(t, 3, r.len())

	got := r.drain()
	require.Len(t, got, 3)
	assert.Equal(t, 3, frameNumber(t, got[0]))
	assert.Equal(t, 4, frameNumber(t, got[1]))
	assert.Equal(t, 5, frameNumber(t, got[2]))
}

func TestRingReusableAfterDrain(t *testing.T) {
	r := newFrameRing(2)
	r.append(numberedFrame(1))
	r.drain()

	r.append(numberedFrame(2))
	r.append(numberedFrame(3))
	got := r.drain()
	require.Len(t, got, 2)
	assert.Equal(t, 2, frameNumber(t, got[0]))
	assert.Equal(t, 3, frameNumber(t, got[1]))
}
