package fetch_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"mediafetchd/artifact"
	"mediafetchd/config"
	"mediafetchd/fetch"
	"mediafetchd/progress"
	"mediafetchd/task"
	"mediafetchd/ytdlp"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Same behavior as fakeFetchScript in controller_test.go: "short" writes
// 40 chunks of 10 bytes, continuing any existing .part file.
const script = `#!/bin/sh
out=""
fmt=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    -f) fmt="$2"; shift 2 ;;
    --) shift; break ;;
    *) shift ;;
  esac
done
file=$(printf '%s' "$out" | sed 's/%(ext)s/mp4/')
n=600
[ "$fmt" = "short" ] && n=40
trap 'exit 143' TERM
i=0
while [ $i -lt $n ]; do
  printf 'abcdefghij' >> "$file.part"
  i=$((i+1))
  sleep 0.05
done
mv "$file.part" "$file"
`

type staticProber struct {
	info *ytdlp.Info
}

func (p staticProber) Probe(ctx context.Context, resource string) (*ytdlp.Info, error) {
	return p.info, nil
}

func newManager(t *testing.T) (*task.Manager, *artifact.Store) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stands in for yt-dlp")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "yt-dlp")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	cfg := &config.Config{
		FetchBin:      bin,
		StopGrace:     2 * time.Second,
		ProbeTimeout:  5 * time.Second,
		SweepInterval: 100 * time.Millisecond,
	}
	logger := logrus.New()
	store, err := artifact.NewStore(afero.NewOsFs(), filepath.Join(dir, "out"))
	require.NoError(t, err)
	controller, err := fetch.NewController(cfg, store, logger)
	require.NoError(t, err)

	prober := staticProber{info: &ytdlp.Info{
		Title:      "sample",
		Renditions: []ytdlp.Rendition{{ID: "short", Container: "mp4", ApproxSizeBytes: 800}, {ID: "long", Container: "mp4", ApproxSizeBytes: 6000}},
	}}
	mgr, err := task.NewManager(cfg, controller, prober, progress.NewEstimator(store), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Shutdown()
	})
	return mgr, store
}

func waitState(t *testing.T, mgr *task.Manager, id string, want task.State) task.Status {
	t.Helper()
	var last task.Status
	require.Eventually(t, func() bool {
		s, err := mgr.Status(id)
		if err != nil {
			return false
		}
		last = s
		return s.State == want
	}, 15*time.Second, 25*time.Millisecond, "waiting for %s", want)
	return last
}

func TestLifecycle_PauseResumeComplete(t *testing.T) {
	mgr, store := newManager(t)

	submitted, err := mgr.Submit("https://example.com/watch?v=1", "short")
	require.NoError(t, err)

	running := waitState(t, mgr, submitted.ID, task.StateRunning)
	assert.Equal(t, int64(800), running.TotalBytes)
	assert.Equal(t, "sample", running.Title)

	require.Eventually(t, func() bool {
		s, err := mgr.Status(submitted.ID)
		return err == nil && s.CurrentBytes > 0
	}, 5*time.Second, 20*time.Millisecond)

	paused, err := mgr.Pause(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePaused, paused.State)

	first, err := mgr.Status(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePaused, first.State)
	time.Sleep(300 * time.Millisecond)
	second, err := mgr.Status(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CurrentBytes, second.CurrentBytes, "paused task does not grow")
	assert.Less(t, second.CurrentBytes, int64(400), "download stopped before finishing")

	resumed, err := mgr.Resume(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateRunning, resumed.State)
	assert.Equal(t, 2, resumed.Attempts)

	done := waitState(t, mgr, submitted.ID, task.StateCompleted)
	require.NotNil(t, done.Percent)
	assert.Equal(t, 100.0, *done.Percent)
	assert.Greater(t, done.CurrentBytes, int64(400), "resumed run continued the partial file")

	path, err := mgr.OutputFile(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(), submitted.ID+".mp4"), path)
}

func TestLifecycle_CancelRunningRemovesArtifacts(t *testing.T) {
	mgr, store := newManager(t)

	submitted, err := mgr.Submit("https://example.com/watch?v=2", "long")
	require.NoError(t, err)
	waitState(t, mgr, submitted.ID, task.StateRunning)
	require.Eventually(t, func() bool {
		size, _ := store.Size(submitted.ID)
		return size > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, mgr.Cancel(submitted.ID))

	files, err := store.Files(submitted.ID)
	require.NoError(t, err)
	assert.Empty(t, files)

	assert.ErrorIs(t, mgr.Cancel(submitted.ID), task.ErrNotFound)
	_, err = mgr.Status(submitted.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestLifecycle_StartThenCancelLeavesNothing(t *testing.T) {
	mgr, store := newManager(t)

	submitted, err := mgr.Submit("https://example.com/watch?v=3", "long")
	require.NoError(t, err)
	require.NoError(t, mgr.Cancel(submitted.ID))

	// give a racing launch time to have happened, if it was going to
	time.Sleep(300 * time.Millisecond)
	files, err := store.Files(submitted.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}
