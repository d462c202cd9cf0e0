// Package fetch runs yt-dlp as an OS process per download and controls it
// from the outside. yt-dlp cannot pause, so pausing stops the process and
// resuming launches it again with the same arguments; yt-dlp's --continue
// then picks up the ".part" file left behind. If the remote side does not
// allow ranged requests the relaunch starts over from zero.
package fetch

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"mediafetchd/artifact"
	"mediafetchd/config"
	"mediafetchd/task"
	"mediafetchd/ytdlp"

	"github.com/sirupsen/logrus"
)

var (
	// ErrLaunch means the OS could not spawn the fetch process.
	ErrLaunch = errors.New("process launch failed")
	// ErrSignal means a process could not be signaled, usually because it is
	// already gone. It is never fatal.
	ErrSignal = errors.New("process signal failed")
)

const defaultStopGrace = 5 * time.Second

type Controller struct {
	cfg   *config.Config
	store *artifact.Store
	extra []string
	log   *logrus.Logger
}

func NewController(cfg *config.Config, store *artifact.Store, logger *logrus.Logger) (*Controller, error) {
	if _, err := exec.LookPath(cfg.FetchBin); err != nil {
		return nil, fmt.Errorf("fetch binary not found or not in PATH: %s", cfg.FetchBin)
	}
	extra, err := ytdlp.ParseExtraArgs(cfg.FetchExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("FETCH_EXTRA_ARGS: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{cfg: cfg, store: store, extra: extra, log: logger}, nil
}

func (c *Controller) OutputTemplate(taskID string) string {
	return c.store.Template(taskID)
}

func (c *Controller) OutputFile(taskID string) (string, bool) {
	return c.store.Final(taskID)
}

// Launch starts the fetch process for t. The process is not tied to any
// request context; it runs until it exits or is stopped.
func (c *Controller) Launch(t *task.Task) (task.Process, error) {
	if err := c.checkResources(); err != nil {
		return nil, fmt.Errorf("%w: insufficient system resources: %v", ErrLaunch, err)
	}

	template := t.OutputTemplate
	if template == "" {
		template = c.OutputTemplate(t.ID)
	}
	args := ytdlp.FetchArgs(t.Resource, t.RenditionID, template, c.extra)
	cmd := exec.Command(c.cfg.FetchBin, args...)
	output := ytdlp.NewOutputTail(8192)
	cmd.Stdout = output
	cmd.Stderr = output
	// a helper that inherited our pipes must not hold up reaping
	cmd.WaitDelay = time.Second

	logger := c.log.WithField("task_id", t.ID)
	logger.Debugf("executing: %s %s", cmd.Path, strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	h := &Handle{
		pid:       int32(cmd.Process.Pid),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			msg := output.LastLine()
			if msg == "" {
				msg = "no output"
			}
			h.err = fmt.Errorf("%s exited: %w: %s", c.cfg.FetchBin, err, msg)
		}
		close(h.done)
	}()

	logger.Infof("fetch process started, pid %d", h.pid)
	return h, nil
}

// Stop asks the process tree to terminate, and kills it if it is still
// around after the grace period. The partial output stays on disk.
func (c *Controller) Stop(p task.Process) error {
	if p == nil || exited(p) {
		return nil
	}
	logger := c.log.WithField("pid", p.PID())

	if err := signalTree(p.PID(), terminate); err != nil {
		logger.Debugf("terminate: %v", err)
	}
	grace := c.cfg.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	if waitExit(p, grace) {
		return nil
	}

	logger.Warnf("process ignored SIGTERM for %s, killing", grace)
	if err := signalTree(p.PID(), kill); err != nil {
		logger.Debugf("kill: %v", err)
	}
	if waitExit(p, grace) {
		return nil
	}
	return fmt.Errorf("process %d did not exit after kill", p.PID())
}

// Terminate is Stop followed by deletion of every artifact of the task,
// which happens even when stopping failed.
func (c *Controller) Terminate(p task.Process, taskID string) error {
	stopErr := c.Stop(p)
	removeErr := c.store.Remove(taskID)
	return errors.Join(stopErr, removeErr)
}

func exited(p task.Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

func waitExit(p task.Process, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.Done():
		return true
	case <-timer.C:
		return false
	}
}

var _ task.Controller = (*Controller)(nil)
