package fetch

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"mediafetchd/artifact"
	"mediafetchd/config"
	"mediafetchd/task"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetchScript mimics the parts of yt-dlp the controller relies on: it
// writes "<template>.part" in small increments, continues an existing .part
// file, and renames it once done. The -f value selects the behavior.
const fakeFetchScript = `#!/bin/sh
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
case "$fmt" in
  fail) echo "ERROR: Requested format is not available" >&2; exit 1 ;;
  quick) printf 'abcdefghij' > "$file"; exit 0 ;;
  stubborn)
    trap '' TERM
    while :; do printf 'x' >> "$file.part"; sleep 0.05; done ;;
esac
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

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stands in for yt-dlp")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
}

func newTestController(t *testing.T) (*Controller, *artifact.Store) {
	t.Helper()
	requireShell(t)
	dir := t.TempDir()
	bin := filepath.Join(dir, "yt-dlp")
	require.NoError(t, os.WriteFile(bin, []byte(fakeFetchScript), 0o755))

	store, err := artifact.NewStore(afero.NewOsFs(), filepath.Join(dir, "out"))
	require.NoError(t, err)

	cfg := &config.Config{FetchBin: bin, StopGrace: 2 * time.Second}
	c, err := NewController(cfg, store, logrus.New())
	require.NoError(t, err)
	return c, store
}

func newTask(c *Controller, id, rendition string) *task.Task {
	return &task.Task{
		ID:             id,
		Resource:       "https://example.com/watch?v=" + id,
		RenditionID:    rendition,
		OutputTemplate: c.OutputTemplate(id),
	}
}

func waitDone(t *testing.T, p task.Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestController_LaunchCompletes(t *testing.T) {
	c, store := newTestController(t)

	p, err := c.Launch(newTask(c, "quick_1", "quick"))
	require.NoError(t, err)
	assert.NotZero(t, p.PID())
	waitDone(t, p)

	assert.NoError(t, p.Err())
	final, ok := store.Final("quick_1")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(store.Dir(), "quick_1.mp4"), final)

	path, ok := c.OutputFile("quick_1")
	assert.True(t, ok)
	assert.Equal(t, final, path)
}

func TestController_LaunchFailureCarriesOutput(t *testing.T) {
	c, _ := newTestController(t)

	p, err := c.Launch(newTask(c, "fail_1", "fail"))
	require.NoError(t, err, "the process starts; it fails afterwards")
	waitDone(t, p)

	require.Error(t, p.Err())
	assert.Contains(t, p.Err().Error(), "Requested format is not available")
}

func TestController_LaunchMissingBinary(t *testing.T) {
	c, _ := newTestController(t)
	c.cfg = &config.Config{FetchBin: filepath.Join(t.TempDir(), "missing")}

	_, err := c.Launch(newTask(c, "x_1", "18"))
	assert.ErrorIs(t, err, ErrLaunch)
}

func TestNewController_RequiresBinary(t *testing.T) {
	store, err := artifact.NewStore(afero.NewMemMapFs(), "/out")
	require.NoError(t, err)
	_, err = NewController(&config.Config{FetchBin: "definitely-not-a-real-fetcher"}, store, nil)
	assert.Error(t, err)
}

func TestController_StopPreservesPartialOutput(t *testing.T) {
	c, store := newTestController(t)

	p, err := c.Launch(newTask(c, "slow_1", "slow"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		size, _ := store.Size("slow_1")
		return size >= 30
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Stop(p))
	select {
	case <-p.Done():
	default:
		t.Fatal("Stop returned before the process exited")
	}

	before, err := store.Size("slow_1")
	require.NoError(t, err)
	assert.Positive(t, before)
	time.Sleep(200 * time.Millisecond)
	after, err := store.Size("slow_1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "nothing writes once stopped")

	_, ok := store.Final("slow_1")
	assert.False(t, ok, "only the partial artifact exists")

	// stopping again is harmless
	assert.NoError(t, c.Stop(p))
	assert.NoError(t, c.Stop(nil))
}

func TestController_StopKillsStubbornProcess(t *testing.T) {
	c, store := newTestController(t)
	c.cfg = &config.Config{FetchBin: c.cfg.FetchBin, StopGrace: 300 * time.Millisecond}

	p, err := c.Launch(newTask(c, "stubborn_1", "stubborn"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		size, _ := store.Size("stubborn_1")
		return size > 0
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Stop(p))
	elapsed := time.Since(start)

	select {
	case <-p.Done():
	default:
		t.Fatal("Stop returned before the process exited")
	}
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "SIGTERM was ignored for the grace period")
	assert.Less(t, elapsed, 5*time.Second)
	require.Error(t, p.Err())
	assert.Contains(t, p.Err().Error(), "killed")
}

func TestController_TerminateRemovesArtifacts(t *testing.T) {
	c, store := newTestController(t)

	p, err := c.Launch(newTask(c, "slow_2", "slow"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		size, _ := store.Size("slow_2")
		return size > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Terminate(p, "slow_2"))
	files, err := store.Files("slow_2")
	require.NoError(t, err)
	assert.Empty(t, files)

	// without a process, only cleanup happens
	assert.NoError(t, c.Terminate(nil, "slow_2"))
}

func TestSignalTree_MissingProcess(t *testing.T) {
	err := signalTree(2147483000, terminate)
	assert.ErrorIs(t, err, ErrSignal)
}
