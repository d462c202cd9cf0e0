package ytdlp

import (
	"strings"
	"sync"
)

// FetchArgs builds the argv for downloading one rendition. The same inputs
// always produce the same argv, which is what lets a relaunch pick up the
// partial file left by a stopped one.
func FetchArgs(resource, renditionID, outputTemplate string, extra []string) []string {
	args := []string{
		"--newline",
		"--no-playlist",
		"--continue",
		"--no-overwrites",
		"--no-mtime",
		"-f", renditionID,
		"-o", outputTemplate,
	}
	args = append(args, extra...)
	// "--" keeps a resource starting with "-" from being read as an option.
	return append(args, "--", resource)
}

// ProbeArgs builds the argv for a metadata-only run.
func ProbeArgs(resource string, extra []string) []string {
	args := []string{"-J", "--no-playlist", "--skip-download", "--no-warnings"}
	args = append(args, extra...)
	return append(args, "--", resource)
}

// OutputTail is an io.Writer that keeps only the last bytes written to it.
// Safe for use as both Stdout and Stderr of one command.
type OutputTail struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func NewOutputTail(limit int) *OutputTail {
	return &OutputTail{limit: limit}
}

func (t *OutputTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *OutputTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// LastLine is the most useful part of a failed run's output: yt-dlp prints
// "ERROR: ..." as its final line.
func (t *OutputTail) LastLine() string {
	s := t.String()
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
