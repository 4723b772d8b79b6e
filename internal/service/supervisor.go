package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Herald/internal/controller"
	"github.com/CZERTAINLY/Herald/internal/future"
	"github.com/CZERTAINLY/Herald/internal/message"
	"github.com/CZERTAINLY/Herald/internal/model"
	"github.com/CZERTAINLY/Herald/internal/parallel"
	"github.com/CZERTAINLY/Herald/internal/state"
	"github.com/CZERTAINLY/Herald/internal/store"
	"github.com/CZERTAINLY/Herald/internal/zkclient"
)

// All names every configured runnable in Start.
const All = "**"

var ErrRunFailed = errors.New("run failed")

// Supervisor launches runs of the configured runnables and follows each of
// them through a controller.
type Supervisor struct {
	client    *zkclient.Client
	launcher  Launcher
	cfg       model.Config
	db        *sql.DB
	reporters []Reporter
	oneshot   bool
	scheduler gocron.Scheduler

	start    chan string
	events   *mailbox
	commands chan command
	done     chan struct{}

	mx     sync.Mutex
	runs   map[string]*run
	failed []string
	wg     sync.WaitGroup
}

type run struct {
	id       string
	runnable string
	ctrl     *controller.Controller
	handle   Handle
	started  time.Time
}

type runEvent struct {
	runID string
	state state.State
	trace []state.StackTraceElement
}

type command struct {
	runnable string
	cmd      message.Command
}

// NewSupervisor prepares a supervisor for cfg. db may be nil, then no run
// history is kept.
func NewSupervisor(ctx context.Context, cfg model.Config, client *zkclient.Client, launcher Launcher, db *sql.DB) (*Supervisor, error) {
	reps, err := reporters(cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("initializing reporters: %w", err)
	}

	s := &Supervisor{
		client:    client,
		launcher:  launcher,
		cfg:       cfg,
		db:        db,
		reporters: reps,
		oneshot:   cfg.Service.Mode == model.ServiceModeManual,
		start:     make(chan string, 1),
		events:    newMailbox(),
		commands:  make(chan command, 1),
		done:      make(chan struct{}),
		runs:      make(map[string]*run),
	}

	if len(cfg.Schedules) > 0 {
		s.scheduler, err = newScheduler(ctx, cfg.Schedules, s.Command)
		if err != nil {
			s.closeReporters(ctx)
			return nil, fmt.Errorf("initializing schedules: %w", err)
		}
	}
	return s, nil
}

// WithReporters replaces the configured reporters.
func (s *Supervisor) WithReporters(reps ...Reporter) *Supervisor {
	s.closeReporters(context.Background())
	s.reporters = reps
	return s
}

// Start asks the supervisor to launch a run of the runnable called name,
// All launches every runnable. It does not wait for the launch.
func (s *Supervisor) Start(name string) {
	select {
	case s.start <- name:
	case <-s.done:
	}
}

// Command sends cmd to every active run of runnable, or to every active run
// when runnable is empty.
func (s *Supervisor) Command(runnable string, cmd message.Command) {
	select {
	case s.commands <- command{runnable: runnable, cmd: cmd}:
	case <-s.done:
	}
}

// Do runs the supervisor event loop. It multiplexes launch requests, state
// changes reported by the controllers, commands and context cancellation.
//
// In manual mode every runnable is launched once on entry and Do returns
// when all runs are terminal; the error wraps ErrRunFailed when any run
// failed. In service mode the loop runs until ctx is cancelled.
//
// On return the active runs are stopped in parallel, bounded by
// service.parallelism, each waited for at most service.stop_timeout.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	defer s.closeReporters(ctx)
	defer s.shutdown(ctx)

	if s.oneshot {
		if len(s.cfg.Runnables) == 0 {
			slog.WarnContext(ctx, "no runnables configured")
			return nil
		}
		s.start <- All
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case name := <-s.start:
			err := s.launch(ctx, name)
			if err != nil {
				if s.oneshot {
					return err
				}
				slog.ErrorContext(ctx, "launch failed", "runnable", name, "error", err)
			}
		case <-s.events.wake:
			for _, ev := range s.events.take() {
				s.handleEvent(ctx, ev)
			}
			if s.oneshot && s.active() == 0 {
				return s.result()
			}
		case c := <-s.commands:
			s.send(ctx, c)
		}
	}
}

func (s *Supervisor) launch(ctx context.Context, name string) error {
	var runnables []model.Runnable
	if name == All {
		runnables = s.cfg.Runnables
	} else {
		r, err := s.cfg.Runnable(name)
		if err != nil {
			return err
		}
		runnables = []model.Runnable{r}
	}

	var errs []error
	for _, r := range runnables {
		if err := s.launchOne(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("launching %s: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) launchOne(ctx context.Context, r model.Runnable) error {
	runID := model.NewRunID()
	if s.db != nil {
		if err := store.Start(ctx, s.db, runID, r.Name); err != nil {
			return fmt.Errorf("recording run: %w", err)
		}
	}

	handle, err := s.launcher.Launch(ctx, runID, r)
	if err != nil {
		s.record(ctx, runID, state.Failed, err.Error())
		return err
	}

	ctrl := controller.New(s.client, runID)
	ctrl.AddListener(&recorder{runID: runID, events: s.events}, future.Inline)

	s.mx.Lock()
	s.runs[runID] = &run{
		id:       runID,
		runnable: r.Name,
		ctrl:     ctrl,
		handle:   handle,
		started:  time.Now().UTC(),
	}
	s.mx.Unlock()

	ctrl.Start()
	slog.InfoContext(ctx, "run launched", "runnable", r.Name, "run_id", runID)
	return nil
}

func (s *Supervisor) handleEvent(ctx context.Context, ev runEvent) {
	s.mx.Lock()
	r, ok := s.runs[ev.runID]
	if ok && ev.state.Terminal() {
		delete(s.runs, ev.runID)
		if ev.state == state.Failed {
			s.failed = append(s.failed, ev.runID)
		}
	}
	s.mx.Unlock()
	if !ok {
		return
	}

	slog.InfoContext(ctx, "run state changed", "runnable", r.runnable, "run_id", r.id, "state", ev.state)
	s.record(ctx, r.id, ev.state, traceString(ev.trace))
	if ev.state.Terminal() {
		s.finish(ctx, r, ev.state, ev.trace)
	}
}

// finish reports a terminated run and releases its handle.
func (s *Supervisor) finish(ctx context.Context, r *run, st state.State, trace []state.StackTraceElement) {
	s.report(ctx, Report{
		RunID:      r.id,
		Runnable:   r.runnable,
		State:      st,
		Started:    r.started,
		Finished:   time.Now().UTC(),
		StackTrace: trace,
	})
	s.wg.Go(func() {
		if err := r.handle.Close(); err != nil {
			slog.WarnContext(ctx, "releasing run", "run_id", r.id, "error", err)
		}
	})
}

func (s *Supervisor) send(ctx context.Context, c command) {
	s.mx.Lock()
	var targets []*run
	for _, r := range s.runs {
		if c.runnable == "" || c.runnable == r.runnable {
			targets = append(targets, r)
		}
	}
	s.mx.Unlock()
	if len(targets) == 0 {
		slog.DebugContext(ctx, "no active run for command", "runnable", c.runnable, "command", c.cmd.Command)
		return
	}

	for _, r := range targets {
		slog.DebugContext(ctx, "sending command", "run_id", r.id, "command", c.cmd)
		r.ctrl.SendCommandTo(r.runnable, c.cmd).OnComplete(future.Inline, func(cmd message.Command, err error) {
			if err != nil {
				slog.WarnContext(ctx, "command not delivered", "run_id", r.id, "command", cmd.Command, "error", err)
			}
		})
	}
}

func (s *Supervisor) active() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.runs)
}

func (s *Supervisor) result() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if len(s.failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRunFailed, strings.Join(s.failed, ", "))
}

// shutdown stops the runs still active and waits for their handles.
func (s *Supervisor) shutdown(ctx context.Context) {
	close(s.done)
	ctx = context.WithoutCancel(ctx)

	s.mx.Lock()
	active := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		active = append(active, r)
	}
	clear(s.runs)
	s.mx.Unlock()

	if len(active) > 0 {
		slog.InfoContext(ctx, "stopping active runs", "count", len(active))
		if err := s.stopAll(ctx, active); err != nil {
			slog.ErrorContext(ctx, "stopping runs", "error", err)
		}
	}
	s.wg.Wait()
}

type stopped struct {
	run   *run
	state state.State
}

func (s *Supervisor) stopAll(ctx context.Context, runs []*run) error {
	stopAfter := s.cfg.Service.StopAfter()
	pmap := parallel.NewMap(ctx, s.cfg.Service.Workers(), func(ctx context.Context, r *run) (stopped, error) {
		ctx, cancel := context.WithTimeout(ctx, stopAfter)
		defer cancel()
		st, err := r.ctrl.StopAndWait(ctx)
		if err != nil {
			return stopped{run: r, state: r.ctrl.State()}, fmt.Errorf("stopping run %s: %w", r.id, err)
		}
		return stopped{run: r, state: st}, nil
	})

	var errs []error
	for res, err := range pmap.Iter(parallel.Items(runs)) {
		if err != nil {
			errs = append(errs, err)
		}
		if res.run == nil {
			continue
		}
		st := res.state
		if !st.Terminal() {
			// never confirmed, the handle kills what is left
			st = state.Failed
		}
		s.record(ctx, res.run.id, st, "")
		s.finish(ctx, res.run, st, nil)
	}
	return errors.Join(errs...)
}

func (s *Supervisor) record(ctx context.Context, runID string, st state.State, failure string) {
	if s.db == nil {
		return
	}
	err := store.Update(ctx, s.db, runID, st, failure)
	if err != nil && !errors.Is(err, store.ErrAlreadyFinished) {
		slog.WarnContext(ctx, "recording run state", "run_id", runID, "error", err)
	}
}

func (s *Supervisor) report(ctx context.Context, rep Report) {
	for _, r := range s.reporters {
		if err := r.Report(ctx, rep); err != nil {
			slog.ErrorContext(ctx, "report failed", "run_id", rep.RunID, "error", err)
		}
	}
}

func (s *Supervisor) closeReporters(ctx context.Context) {
	for _, r := range s.reporters {
		if closer, ok := r.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing reporter have failed", "error", err)
			}
		}
	}
}

func traceString(trace []state.StackTraceElement) string {
	lines := make([]string, len(trace))
	for i, e := range trace {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

// recorder forwards the lifecycle of one run to the supervisor loop. It runs
// on the coordination client's event goroutine and never blocks it.
type recorder struct {
	controller.ListenerAdapter
	runID  string
	events *mailbox
}

func (r *recorder) emit(st state.State, trace []state.StackTraceElement) {
	r.events.put(runEvent{runID: r.runID, state: st, trace: trace})
}

// mailbox is an unbounded queue of run events. put never blocks; the loop
// waits on wake and drains the queue with take, in put order.
type mailbox struct {
	mx      sync.Mutex
	pending []runEvent
	wake    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) put(ev runEvent) {
	m.mx.Lock()
	m.pending = append(m.pending, ev)
	m.mx.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []runEvent {
	m.mx.Lock()
	defer m.mx.Unlock()
	pending := m.pending
	m.pending = nil
	return pending
}

func (r *recorder) Running()    { r.emit(state.Running, nil) }
func (r *recorder) Terminated() { r.emit(state.Terminated, nil) }
func (r *recorder) Failed(trace []state.StackTraceElement) {
	r.emit(state.Failed, trace)
}

func newScheduler(ctx context.Context, schedules []model.Schedule, send func(string, message.Command)) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	for i, sched := range schedules {
		var job gocron.JobDefinition
		switch {
		case sched.Cron != nil:
			if _, err := model.ParseCron(*sched.Cron); err != nil {
				_ = s.Shutdown()
				return nil, fmt.Errorf("parsing schedules[%d].cron: %w", i, err)
			}
			job = gocron.CronJob(*sched.Cron, false)
		case sched.Duration != nil:
			d, err := model.ParseISODuration(*sched.Duration)
			if err != nil {
				_ = s.Shutdown()
				return nil, fmt.Errorf("parsing schedules[%d].duration: %w", i, err)
			}
			job = gocron.DurationJob(d)
		default:
			_ = s.Shutdown()
			return nil, fmt.Errorf("schedules[%d]: both cron and duration are empty", i)
		}

		cmd := message.NewCommand(sched.Command, sched.Options)
		runnable := sched.Runnable
		_, err = s.NewJob(job, gocron.NewTask(func() { send(runnable, cmd) }))
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("initializing gocron job: %w", err)
		}
		slog.DebugContext(ctx, "command scheduled", "index", i, "command", cmd, "runnable", runnable)
	}
	return s, nil
}

// Runs lists the ids of active runs, sorted.
func (s *Supervisor) Runs() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
