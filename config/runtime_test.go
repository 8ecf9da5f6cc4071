package config

import (
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anyka_cfg.ini")
	s := NewStore(path, zerolog.Nop())
	require.NoError(t, s.Bootstrap())
	return s
}

func TestBootstrapIdempotentGuard(t *testing.T) {
	s := newTestStore(t)
	err := s.Bootstrap()
	assert.True(t, errors.IsAlreadyExists(err))
}

func TestShutdownUninitialized(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "cfg.ini"), zerolog.Nop())
	err := s.Shutdown()
	assert.True(t, errors.IsNotProvisioned(err))
}

func TestUninitializedAccess(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "cfg.ini"), zerolog.Nop())
	_, err := s.GetInt(SectionNetwork, "rtsp_port")
	assert.True(t, errors.IsNotProvisioned(err))
}

func TestRoundTripSchema(t *testing.T) {
	s := newTestStore(t)

	// Every schema entry must read back exactly what was written.
	for _, e := range schema {
		switch e.Type {
		case TypeInt:
			require.NoError(t, s.SetInt(e.Section, e.Key, e.Max))
			got, err := s.GetInt(e.Section, e.Key)
			require.NoError(t, err)
			assert.Equal(t, e.Max, got, "%s.%s", e.Section, e.Key)
		case TypeBool:
			require.NoError(t, s.SetBool(e.Section, e.Key, true))
			got, err := s.GetBool(e.Section, e.Key)
			require.NoError(t, err)
			assert.True(t, got, "%s.%s", e.Section, e.Key)
		case TypeString:
			want := "value"
			require.NoError(t, s.SetString(e.Section, e.Key, want))
			got, err := s.GetString(e.Section, e.Key)
			require.NoError(t, err)
			assert.Equal(t, want, got, "%s.%s", e.Section, e.Key)
		}
	}
}

func TestTypeMismatchRejected(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetString(SectionNetwork, "rtsp_port")
	assert.True(t, errors.IsNotValid(err))

	err = s.SetInt(SectionDevice, "manufacturer", 1)
	assert.True(t, errors.IsNotValid(err))
}

func TestUnknownKeyNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetInt(SectionNetwork, "no_such_key")
	assert.True(t, errors.IsNotFound(err))
}

func TestSetBoundsRejected(t *testing.T) {
	s := newTestStore(t)

	err := s.SetInt(SectionNetwork, "rtsp_port", 0)
	assert.True(t, errors.IsNotValid(err))
	err = s.SetInt(SectionNetwork, "rtsp_port", 70000)
	assert.True(t, errors.IsNotValid(err))

	// Over-length string rejected, not truncated, on the set path.
	long := make([]byte, stringLenShort+10)
	for i := range long {
		long[i] = 'a'
	}
	err = s.SetString(SectionONVIF, "username", string(long))
	assert.True(t, errors.IsNotValid(err))
}

func TestGenerationCounter(t *testing.T) {
	s := newTestStore(t)
	g0 := s.Generation()

	require.NoError(t, s.SetInt(SectionNetwork, "rtsp_port", 554))
	require.NoError(t, s.SetBool(SectionONVIF, "enabled", true))
	assert.Equal(t, g0+2, s.Generation())

	// Failed mutations must not advance the counter.
	_ = s.SetInt(SectionNetwork, "rtsp_port", -1)
	assert.Equal(t, g0+2, s.Generation())
}

func TestCoalescing(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetInt(SectionNetwork, "rtsp_port", 554))
	require.NoError(t, s.SetInt(SectionNetwork, "rtsp_port", 8554))

	assert.Equal(t, 1, s.PendingWrites())
	s.queue.mu.Lock()
	entry := s.queue.entries[0]
	s.queue.mu.Unlock()
	assert.Equal(t, 8554, entry.value.i)
}

func TestCoalescingDistinctKeys(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetInt(SectionNetwork, "rtsp_port", 8554))
	require.NoError(t, s.SetInt(SectionNetwork, "snapshot_port", 8081))
	assert.Equal(t, 2, s.PendingWrites())
}

func TestFlushFailureRetainsQueue(t *testing.T) {
	s := newTestStore(t)
	s.save = func(string, *Settings) error {
		return errors.New("flash write failed")
	}

	require.NoError(t, s.SetInt(SectionNetwork, "rtsp_port", 8554))
	require.Error(t, s.Flush())
	assert.Equal(t, 1, s.PendingWrites())

	// A later successful flush still covers the previously queued entry.
	s.save = saveINI
	require.NoError(t, s.Flush())
	assert.Equal(t, 0, s.PendingWrites())
}

func TestFlushDrainsOnlySnapshot(t *testing.T) {
	s := newTestStore(t)

	var flushed bool
	s.save = func(path string, st *Settings) error {
		if !flushed {
			// Entry queued mid-flush must survive the drain.
			flushed = true
			require.NoError(t, s.SetInt(SectionNetwork, "snapshot_port", 8081))
		}
		return nil
	}

	require.NoError(t, s.SetInt(SectionNetwork, "rtsp_port", 8554))
	require.NoError(t, s.Flush())
	assert.Equal(t, 1, s.PendingWrites())
}

func TestShutdownForcesFinalFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anyka_cfg.ini")
	s := NewStore(path, zerolog.Nop())
	require.NoError(t, s.Bootstrap())

	var saves int
	s.save = func(p string, st *Settings) error {
		saves++
		return saveINI(p, st)
	}

	require.NoError(t, s.SetInt(SectionNetwork, "rtsp_port", 8554))
	require.NoError(t, s.Shutdown())
	assert.Equal(t, 1, saves)

	// Store is uninitialized again.
	_, err := s.GetInt(SectionNetwork, "rtsp_port")
	assert.True(t, errors.IsNotProvisioned(err))
}

func TestQueueCapacity(t *testing.T) {
	var q persistQueue
	for i := 0; i < persistenceQueueMax; i++ {
		require.NoError(t, q.enqueue(SectionDevice, fmtKey(i), queueValue{kind: TypeInt, i: i}))
	}
	err := q.enqueue(SectionDevice, "overflow", queueValue{kind: TypeInt})
	assert.True(t, errors.IsQuotaLimitExceeded(err))

	// Coalescing onto an existing key still works at capacity.
	require.NoError(t, q.enqueue(SectionDevice, fmtKey(0), queueValue{kind: TypeInt, i: 99}))
	assert.Equal(t, persistenceQueueMax, q.pending())
}

func fmtKey(i int) string {
	return "key" + string(rune('a'+i%26)) + string(rune('a'+i/26))
}
