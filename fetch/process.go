package fetch

import (
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"mediafetchd/task"
)

// Handle is a launched fetch process. Done is closed after the process has
// been reaped, so the pid can't be reused while Done is open.
type Handle struct {
	pid       int32
	startedAt time.Time
	done      chan struct{}
	err       error
}

func (h *Handle) PID() int32 { return h.pid }

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) StartedAt() time.Time { return h.startedAt }

var _ task.Process = (*Handle)(nil)

type signalFunc func(p *process.Process) error

func terminate(p *process.Process) error { return p.Terminate() }

func kill(p *process.Process) error { return p.Kill() }

// signalTree signals the process and its descendants, children first so
// yt-dlp's ffmpeg helpers don't outlive it.
func signalTree(pid int32, sig signalFunc) error {
	root, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("%w: pid %d: %v", ErrSignal, pid, err)
	}
	var errs []error
	for _, child := range descendants(root) {
		if err := sig(child); err != nil {
			errs = append(errs, fmt.Errorf("%w: pid %d: %v", ErrSignal, child.Pid, err))
		}
	}
	if err := sig(root); err != nil {
		errs = append(errs, fmt.Errorf("%w: pid %d: %v", ErrSignal, pid, err))
	}
	return errors.Join(errs...)
}

func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var all []*process.Process
	for _, child := range children {
		all = append(all, descendants(child)...)
		all = append(all, child)
	}
	return all
}

// checkResources verifies that the host has enough free resources to start
// another download. A zero threshold disables that check.
func (c *Controller) checkResources() error {
	if c.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(200*time.Millisecond, false)
		if err != nil {
			c.log.Warnf("could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-c.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], c.cfg.ThrottleCPU)
		}
	}

	if c.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			c.log.Warnf("could not get memory usage: %v", err)
		} else if vm.Available < uint64(c.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, c.cfg.ThrottleFreeMem)
		}
	}

	if c.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(c.store.Dir())
		if err != nil {
			c.log.Warnf("could not get disk usage for %s: %v", c.store.Dir(), err)
		} else if d.Free < uint64(c.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, c.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
