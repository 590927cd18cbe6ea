package queue

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentwire/bridge/internal/message"
)

func mkEnv(to string, i int) message.Envelope {
	return message.NewEnvelope("sender", to, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), uint64(i))
}

func TestDropOldestUnderPressure(t *testing.T) {
	const capacity = 5
	m := NewManager(capacity, 100, nil)

	envs := make([]message.Envelope, 0, capacity+1)
	for i := 0; i <= capacity; i++ {
		env := mkEnv("claude-main", i)
		envs = append(envs, env)
		m.Enqueue("claude-main", env)
	}

	require.Equal(t, capacity, m.Depth("claude-main"))
	require.EqualValues(t, 1, m.Dropped("claude-main"))

	flushed := m.Flush("claude-main")
	require.Len(t, flushed, capacity)
	for i, env := range flushed {
		require.Equal(t, envs[i+1].ID, env.ID, "oldest entry must have been dropped")
	}
}

func TestFlushFIFOAndExactlyOnce(t *testing.T) {
	m := NewManager(10, 100, nil)
	for i := 0; i < 3; i++ {
		m.Enqueue("gemini-1", mkEnv("gemini-1", i))
	}

	first := m.Flush("gemini-1")
	require.Len(t, first, 3)
	require.Empty(t, m.Flush("gemini-1"), "flush is destructive")
	require.Zero(t, m.Depth("gemini-1"))
}

func TestFlushUnknownPeer(t *testing.T) {
	m := NewManager(10, 100, nil)
	require.Empty(t, m.Flush("nobody"))
}

func TestZeroCapacityNeverQueues(t *testing.T) {
	m := NewManager(0, 100, nil)
	m.Enqueue("observer", mkEnv("observer", 1))
	m.Enqueue("another-observer", mkEnv("another-observer", 1))

	require.Zero(t, m.Depth("observer"))
	require.Zero(t, m.TotalDepth())
	require.EqualValues(t, 2, m.Suppressed())
	require.Empty(t, m.PeerIDs(), "suppressed sends must not allocate bookkeeping")
}

func TestGlobalCeilingEvictsFromLongest(t *testing.T) {
	m := NewManager(5, 6, nil)

	for i := 0; i < 5; i++ {
		m.Enqueue("busy", mkEnv("busy", i))
	}
	m.Enqueue("quiet", mkEnv("quiet", 0))
	require.Equal(t, 6, m.TotalDepth())

	// Ceiling reached: the deepest queue gives up its oldest entry.
	m.Enqueue("quiet", mkEnv("quiet", 1))

	require.Equal(t, 6, m.TotalDepth())
	require.Equal(t, 4, m.Depth("busy"))
	require.Equal(t, 2, m.Depth("quiet"))
	require.EqualValues(t, 1, m.Dropped("busy"))
}

func TestPurgeIfEmpty(t *testing.T) {
	m := NewManager(10, 100, nil)
	m.Enqueue("ollama-local", mkEnv("ollama-local", 1))

	require.False(t, m.PurgeIfEmpty("ollama-local", 0), "non-empty queue is never purged")

	m.Flush("ollama-local")
	require.False(t, m.PurgeIfEmpty("ollama-local", time.Hour), "retention window not elapsed")
	require.True(t, m.PurgeIfEmpty("ollama-local", 0))
	require.Empty(t, m.PeerIDs())
}

func TestPurgeUnknownPeer(t *testing.T) {
	m := NewManager(10, 100, nil)
	require.False(t, m.PurgeIfEmpty("nobody", 0))
}
