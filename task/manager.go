package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mediafetchd/config"
	"mediafetchd/progress"
	"mediafetchd/ytdlp"

	"github.com/sirupsen/logrus"
)

// Controller owns the OS processes that perform downloads.
type Controller interface {
	OutputTemplate(taskID string) string
	OutputFile(taskID string) (string, bool)
	Launch(t *Task) (Process, error)
	// Stop ends p and returns once it has exited. A nil or already exited
	// process is not an error.
	Stop(p Process) error
	// Terminate stops p (which may be nil) and deletes the task's artifacts.
	Terminate(p Process, taskID string) error
}

type Prober interface {
	Probe(ctx context.Context, resource string) (*ytdlp.Info, error)
}

type Estimator interface {
	Measure(taskID string, totalBytes int64) (progress.Snapshot, error)
}

// Recorder receives every state transition, e.g. to keep a journal.
type Recorder interface {
	Record(ctx context.Context, taskID, state, message string) error
}

// Status is a task together with its estimated progress.
type Status struct {
	Task
	progress.Snapshot
	DownloadURL string `json:"downloadUrl,omitempty"`
}

var errSkip = errors.New("skip")

type Manager struct {
	cfg        *config.Config
	log        *logrus.Logger
	tasks      *Registry
	controller Controller
	prober     Prober
	estimator  Estimator
	recorder   Recorder

	metersMu sync.Mutex
	meters   map[string]*progress.Meter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg *config.Config, controller Controller, prober Prober, estimator Estimator, logger *logrus.Logger) (*Manager, error) {
	if controller == nil || prober == nil || estimator == nil {
		return nil, errors.New("task manager needs a controller, a prober and an estimator")
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		log:        logger,
		tasks:      NewRegistry(),
		controller: controller,
		prober:     prober,
		estimator:  estimator,
		meters:     make(map[string]*progress.Meter),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetRecorder must be called before Start.
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

func (m *Manager) Start(ctx context.Context) {
	m.log.Infof("task manager started, sweep interval %s", m.sweepInterval())
	go m.sweepLoop(ctx)
}

// Shutdown stops every running download (leaving its partial output on
// disk) and waits for the background goroutines to finish.
func (m *Manager) Shutdown() {
	m.cancel()
	for _, t := range m.tasks.List() {
		_, _ = m.update(t.ID, func(t *Task) error {
			m.reconcile(t)
			if t.State != StateRunning {
				return nil
			}
			p := t.detach()
			t.State = StatePaused
			t.Error = "stopped by service shutdown"
			if err := m.controller.Stop(p); err != nil {
				m.log.WithField("task_id", t.ID).Warnf("stop on shutdown: %v", err)
			}
			return nil
		})
	}
	m.wg.Wait()
	m.log.Info("task manager stopped")
}

// Submit creates a task and starts it in the background: the resource is
// probed for the expected size, then the fetch process is launched. Failures
// of either step end in StateFailed and are reported through Status.
func (m *Manager) Submit(resource, renditionID string) (Task, error) {
	resource = strings.TrimSpace(resource)
	renditionID = strings.TrimSpace(renditionID)
	if resource == "" || renditionID == "" {
		return Task{}, fmt.Errorf("%w: resource and rendition id are required", ErrInvalidInput)
	}
	if m.ctx.Err() != nil {
		return Task{}, errors.New("task manager is shut down")
	}

	created := m.tasks.Create(resource, renditionID)
	t, err := m.tasks.Update(created.ID, func(t *Task) error {
		t.OutputTemplate = m.controller.OutputTemplate(t.ID)
		m.transitioned(*t)
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.prepare(t.ID, t.Resource)
	}()
	return t, nil
}

func (m *Manager) prepare(id, resource string) {
	logger := m.log.WithField("task_id", id)

	ctx, cancel := m.probeContext()
	info, probeErr := m.prober.Probe(ctx, resource)
	cancel()

	_, err := m.update(id, func(t *Task) error {
		if t.State != StatePending {
			return errSkip
		}
		if probeErr != nil {
			t.fail(fmt.Sprintf("probe: %v", probeErr))
			return nil
		}
		t.Title = info.Title
		t.ExpectedTotalBytes = info.ExpectedBytes(t.RenditionID)
		m.launch(t)
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Debug("task removed before launch")
	case errors.Is(err, errSkip):
		logger.Debug("task left pending state before launch")
	}
}

func (m *Manager) probeContext() (context.Context, context.CancelFunc) {
	if m.cfg.ProbeTimeout > 0 {
		return context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	}
	return context.WithCancel(m.ctx)
}

// launch starts a fetch process for t. Must be called under the task lock.
func (m *Manager) launch(t *Task) {
	if m.ctx.Err() != nil {
		t.fail("service is shutting down")
		return
	}
	p, err := m.controller.Launch(t)
	if err != nil {
		t.fail(err.Error())
		return
	}
	t.process = p
	t.PID = p.PID()
	t.State = StateRunning
	t.Error = ""
	t.Attempts++
	t.StartedAt = time.Now()
	t.FinishedAt = time.Time{}

	m.wg.Add(1)
	go m.watch(t.ID, p)
}

// watch reaps the outcome of p once it exits on its own.
func (m *Manager) watch(id string, p Process) {
	defer m.wg.Done()
	<-p.Done()
	_, err := m.update(id, func(t *Task) error {
		m.reconcile(t)
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.log.WithField("task_id", id).Warnf("reconcile after exit: %v", err)
	}
}

// reconcile moves a running task whose process has exited to its terminal
// state. Processes detached by pause or cancel are no longer referenced, so
// their exit never lands here.
func (m *Manager) reconcile(t *Task) {
	if t.State != StateRunning || t.process == nil {
		return
	}
	select {
	case <-t.process.Done():
	default:
		return
	}
	exitErr := t.process.Err()
	if exitErr != nil {
		t.fail(exitErr.Error())
		return
	}
	t.detach()
	t.State = StateCompleted
	t.FinishedAt = time.Now()
}

func (m *Manager) Pause(id string) (Task, error) {
	var opErr error
	t, err := m.update(id, func(t *Task) error {
		m.reconcile(t)
		if t.State != StateRunning {
			opErr = fmt.Errorf("%w: cannot pause task in state %s", ErrInvalidState, t.State)
			return nil
		}
		p := t.detach()
		t.State = StatePaused
		if err := m.controller.Stop(p); err != nil {
			m.log.WithField("task_id", t.ID).Warnf("stop on pause: %v", err)
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return t, opErr
}

// Resume relaunches a paused task with its original arguments. A failed
// relaunch is not an error here; the returned task is in StateFailed.
func (m *Manager) Resume(id string) (Task, error) {
	var opErr error
	t, err := m.update(id, func(t *Task) error {
		if t.State != StatePaused {
			opErr = fmt.Errorf("%w: cannot resume task in state %s", ErrInvalidState, t.State)
			return nil
		}
		m.launch(t)
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return t, opErr
}

// Cancel stops the task's process if there is one, deletes its artifacts and
// removes the record. Calling it again reports ErrNotFound.
func (m *Manager) Cancel(id string) error {
	_, err := m.tasks.Remove(id, func(t *Task) {
		m.reconcile(t)
		p := t.detach()
		t.State = StateCanceled
		if err := m.controller.Terminate(p, t.ID); err != nil {
			m.log.WithField("task_id", t.ID).Warnf("cleanup on cancel: %v", err)
		}
		m.transitioned(*t)
	})
	if err != nil {
		return err
	}
	m.forgetMeter(id)
	return nil
}

// evict drops a finished task and its artifacts. Unlike Cancel the task keeps
// its final state, so no transition is recorded.
func (m *Manager) evict(id string) error {
	_, err := m.tasks.Remove(id, func(t *Task) {
		if !t.State.Terminal() {
			return
		}
		if err := m.controller.Terminate(nil, t.ID); err != nil {
			m.log.WithField("task_id", t.ID).Warnf("cleanup on evict: %v", err)
		}
	})
	if err != nil {
		return err
	}
	m.forgetMeter(id)
	return nil
}

func (m *Manager) Status(id string) (Status, error) {
	t, err := m.update(id, func(t *Task) error {
		m.reconcile(t)
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	return m.measure(t), nil
}

func (m *Manager) measure(t Task) Status {
	snap, err := m.estimator.Measure(t.ID, t.ExpectedTotalBytes)
	if err != nil {
		m.log.WithField("task_id", t.ID).Debugf("measure progress: %v", err)
	}
	if t.State == StateCompleted && snap.TotalBytes > 0 {
		done := 100.0
		snap.Percent = &done
	}
	return Status{Task: t, Snapshot: snap}
}

// List reports every task without waiting on any of them. A task whose
// process has exited is shown reconciled; the watcher commits that shortly.
func (m *Manager) List() []Status {
	tasks := m.tasks.List()
	statuses := make([]Status, 0, len(tasks))
	for _, t := range tasks {
		m.reconcile(&t)
		statuses = append(statuses, m.measure(t))
	}
	return statuses
}

// OutputFile returns the finished file of a completed task.
func (m *Manager) OutputFile(id string) (string, error) {
	s, err := m.Status(id)
	if err != nil {
		return "", err
	}
	if s.State != StateCompleted {
		return "", fmt.Errorf("%w: task is %s", ErrInvalidState, s.State)
	}
	path, ok := m.controller.OutputFile(id)
	if !ok {
		return "", fmt.Errorf("output of task %s not found", id)
	}
	return path, nil
}

// update wraps Registry.Update and reports state transitions while the task
// is still locked, so they are recorded in the order they happened.
func (m *Manager) update(id string, fn func(t *Task) error) (Task, error) {
	return m.tasks.Update(id, m.recording(fn))
}

func (m *Manager) recording(fn func(t *Task) error) func(t *Task) error {
	return func(t *Task) error {
		before := t.State
		if err := fn(t); err != nil {
			return err
		}
		if t.State != before {
			m.transitioned(*t)
		}
		return nil
	}
}

func (m *Manager) transitioned(t Task) {
	logger := m.log.WithFields(logrus.Fields{"task_id": t.ID, "state": t.State})
	if t.State == StateFailed {
		logger.Warnf("task failed: %s", t.Error)
	} else {
		logger.Info("task state changed")
	}
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Record(context.Background(), t.ID, string(t.State), t.Error); err != nil {
		logger.Warnf("journal: %v", err)
	}
}

func (m *Manager) sweepInterval() time.Duration {
	if m.cfg.SweepInterval > 0 {
		return m.cfg.SweepInterval
	}
	return 2 * time.Second
}

// sweepLoop periodically reconciles running tasks, samples their transfer
// rate and, when TASK_RETENTION is set, evicts old finished tasks.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("sweep loop shutting down")
			return
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	for _, t := range m.tasks.List() {
		switch {
		case t.State == StateRunning:
			snap, err := m.estimator.Measure(t.ID, t.ExpectedTotalBytes)
			if err != nil {
				continue
			}
			rate := m.meter(t.ID).Sample(snap.CurrentBytes, now)
			// a task held by pause or cancel is skipped until the next tick
			_, _ = m.tasks.TryUpdate(t.ID, m.recording(func(t *Task) error {
				m.reconcile(t)
				if t.State == StateRunning {
					t.BytesPerSecond = rate
				}
				return nil
			}))
		case t.State.Terminal() && m.cfg.TaskRetention > 0 &&
			!t.FinishedAt.IsZero() && now.Sub(t.FinishedAt) > m.cfg.TaskRetention:
			m.log.WithField("task_id", t.ID).Infof("evicting %s task after %s", t.State, m.cfg.TaskRetention)
			if err := m.evict(t.ID); err != nil && !errors.Is(err, ErrNotFound) {
				m.log.WithField("task_id", t.ID).Warnf("evict: %v", err)
			}
		default:
			m.forgetMeter(t.ID)
		}
	}
}

func (m *Manager) meter(id string) *progress.Meter {
	m.metersMu.Lock()
	defer m.metersMu.Unlock()
	mt, ok := m.meters[id]
	if !ok {
		mt = &progress.Meter{}
		m.meters[id] = mt
	}
	return mt
}

func (m *Manager) forgetMeter(id string) {
	m.metersMu.Lock()
	delete(m.meters, id)
	m.metersMu.Unlock()
}
