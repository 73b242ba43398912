package credentials

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_NotifiesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)

	var calls atomic.Int32
	w := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		OnChange: func() { calls.Add(1) },
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	// Several writes in a burst collapse into a single notification.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
	}

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)

	var calls atomic.Int32
	w := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: 10 * time.Millisecond,
		OnChange: func() { calls.Add(1) },
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("x"), 0600))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w := NewWatcher(WatcherConfig{Path: filepath.Join(t.TempDir(), DefaultFileName)})
	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestWatcher_CheckForChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	w := NewWatcher(WatcherConfig{Path: path})

	assert.False(t, w.checkForChange(), "absent file is the initial state")

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
	assert.True(t, w.checkForChange())
	assert.False(t, w.checkForChange())

	require.NoError(t, os.Remove(path))
	assert.True(t, w.checkForChange())
}
