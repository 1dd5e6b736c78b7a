// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package scheduler delivers task invocations at wall-clock times defined by
// six-field cron expressions (seconds, minutes, hours, day-of-month, month,
// day-of-week).
//
// A single worker goroutine dispatches all tasks: the upstream media-server
// APIs dislike parallel writes, and task bodies run seconds to minutes, so
// one-at-a-time is the deliberate model. A long task delays its successors;
// a task never overlaps itself.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/brikim/loomis/internal/logging"
	"github.com/brikim/loomis/internal/metrics"
)

// cronParser accepts the six-field grammar. Optional seconds or descriptors
// ("@daily") are not part of the contract.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Task is a unit of scheduled work. Run receives a context that is canceled
// when the scheduler shuts down; bodies should observe it during long pacing
// sleeps but are not forcibly interrupted.
type Task struct {
	Name string
	Cron string
	Run  func(ctx context.Context)
}

type scheduledTask struct {
	task     Task
	schedule cron.Schedule
	nextRun  time.Time
}

// Scheduler fires registered tasks on their cron schedules from a single
// worker goroutine. All tasks must be added before Start; registration
// after start is rejected.
type Scheduler struct {
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	tasks   []*scheduledTask
	started bool

	stop chan struct{}
	done chan struct{}
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		log:  logging.With().Str("component", "scheduler").Logger(),
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Add registers a task. An invalid cron expression rejects only that task;
// the scheduler keeps running with whatever was valid.
func (s *Scheduler) Add(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		err := fmt.Errorf("task %q added after scheduler start", task.Name)
		s.log.Error().Str("task", task.Name).Msg("Attempted to add task after start")
		return err
	}

	schedule, err := cronParser.Parse(task.Cron)
	if err != nil {
		s.log.Error().
			Str("task", task.Name).
			Str("cron", task.Cron).
			Err(err).
			Msg("Rejected task with bad cron expression")
		return fmt.Errorf("parse cron %q for task %q: %w", task.Cron, task.Name, err)
	}

	s.tasks = append(s.tasks, &scheduledTask{task: task, schedule: schedule})
	return nil
}

// Start launches the worker goroutine. Returns false without starting when
// no tasks were registered.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || len(s.tasks) == 0 {
		return false
	}
	s.started = true

	for _, st := range s.tasks {
		s.log.Info().
			Str("task", st.task.Name).
			Str("cron", st.task.Cron).
			Msg("Task enabled")
	}

	go s.work()
	return true
}

// Shutdown signals the worker and waits for it to exit. A task body in
// flight completes before Shutdown returns; its context is canceled so it
// can bail out of pacing sleeps early.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	select {
	case <-s.stop:
	default:
		close(s.stop)
	}

	if started {
		<-s.done
	}
	s.log.Info().Msg("Scheduler shut down")
}

// work is the single dispatch loop. Each iteration recomputes every task's
// next fire time, sleeps until the earliest one, then runs all due tasks in
// registration order.
func (s *Scheduler) work() {
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		now := s.now()
		wakeAt := now.Add(365 * 24 * time.Hour)
		for _, st := range s.tasks {
			st.nextRun = st.schedule.Next(now)
			if st.nextRun.Before(wakeAt) {
				wakeAt = st.nextRun
			}
		}

		timer.Reset(wakeAt.Sub(now))
		select {
		case <-s.stop:
			s.log.Info().Msg("Shutting down worker")
			return
		case <-timer.C:
		}

		now = s.now()
		for _, st := range s.tasks {
			if !st.nextRun.After(now) {
				s.runTask(ctx, st)
			}
		}
	}
}

// runTask executes one task body with panic isolation: a panicking task is
// logged and the worker continues with the remaining schedule.
func (s *Scheduler) runTask(ctx context.Context, st *scheduledTask) {
	runID := uuid.NewString()
	start := s.now()
	s.log.Trace().Str("task", st.task.Name).Str("run_id", runID).Msg("Running task")

	defer func() {
		metrics.TaskDuration.WithLabelValues(st.task.Name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.TaskFailuresTotal.WithLabelValues(st.task.Name).Inc()
			s.log.Error().
				Str("task", st.task.Name).
				Str("run_id", runID).
				Interface("panic", r).
				Msg("Task panicked")
		}
	}()

	metrics.TaskRunsTotal.WithLabelValues(st.task.Name).Inc()
	st.task.Run(ctx)
}
