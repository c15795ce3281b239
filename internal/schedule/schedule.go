// Copyright 2024 The kube-autorollout Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schedule fires reconciliation ticks on a cron schedule (C7),
// grounded on the teacher's infra/starter.Starter Start(ctx)/WaitGroup
// shutdown shape, minus the leader-election machinery — single replica
// is an explicit non-goal of this controller.
package schedule

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"
)

// TickFunc is invoked once per firing. The scheduler guarantees no two
// invocations ever run concurrently.
type TickFunc func(ctx context.Context)

// Scheduler drives TickFunc on a six-field cron schedule (including
// seconds), per spec.md §4.6.
type Scheduler struct {
	expr string
	tick TickFunc

	mu      sync.Mutex
	running bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Scheduler. expr must be a valid six-field cron expression
// (validated ahead of time by internal/config); tick is invoked on each
// non-overlapping firing.
func New(expr string, tick TickFunc) *Scheduler {
	return &Scheduler{expr: expr, tick: tick}
}

var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Start begins firing ticks until ctx is cancelled. It returns once the
// cron runner has been armed; Stop (or ctx cancellation) awaits any
// in-flight tick before returning, per spec.md §5's cooperative-shutdown
// guarantee.
func (s *Scheduler) Start(ctx context.Context) error {
	schedule, err := parser.Parse(s.expr)
	if err != nil {
		return fmt.Errorf("schedule: invalid cron expression %q: %w", s.expr, err)
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	runner := cron.New(cron.WithParser(parser))
	runner.Schedule(schedule, cron.FuncJob(func() {
		s.fire(runnerCtx)
	}))
	runner.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-runnerCtx.Done()
		stopCtx := runner.Stop()
		<-stopCtx.Done()
	}()

	return nil
}

// fire runs a single tick, dropping the firing entirely if a previous
// tick is still in flight, per spec.md §4.6's non-overlap guarantee.
func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		klog.Warningf("schedule: tick already in flight, dropping this firing")
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.tick(ctx)
}

// Stop cancels the scheduler and blocks until any in-flight tick and the
// cron runner's shutdown have completed.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
