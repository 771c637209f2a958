package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePipe(t *testing.T, path string, body string) {
	t.Helper()
	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = w.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestPipeDeliversEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.pipe")
	sink := &sinkRecorder{}
	p, err := OpenPipe(path, sink)
	require.NoError(t, err)
	assert.Equal(t, path, p.Path())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)

	writePipe(t, path, "{\"name\":\"first\"}\n{\"name\":\"second\"}\n")
	require.Eventually(t, func() bool { return sink.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	writePipe(t, path, "{\"name\":\"third\"}\n")
	require.Eventually(t, func() bool { return sink.count() == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "third", sink.snapshot()[2].Name)

	require.NoError(t, p.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPipeCloseWithoutWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idle.pipe")
	p, err := OpenPipe(path, &sinkRecorder{})
	require.NoError(t, err)

	assert.NoError(t, p.Close())
}
