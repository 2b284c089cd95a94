// Package tasks runs network work off the main loop on a bounded pool where at most one
// task of each kind is in flight.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrDropped is reported when a task was not started
var ErrDropped = errors.New("task dropped")

// Task kinds
const (
	KindOnline    = "online"
	KindConfig    = "config"
	KindControl   = "control"
	KindPush      = "control-push"
	KindTelemetry = "telemetry"
	KindAuth      = "auth"
	KindLink      = "link"
)

// DefaultCeiling is the number of tasks allowed to run at once
const DefaultCeiling = 4

// DefaultTimeout bounds a single task
const DefaultTimeout = time.Minute

// Func is the body of a task
type Func func(ctx context.Context) error

// Observer is told about every dropped and finished task
type Observer interface {
	Dropped(kind string)
	Finished(kind string, d time.Duration, err error)
}

// Pool is a bounded task runner with per-kind single-flight
type Pool struct {
	ctx      context.Context
	group    *errgroup.Group
	timeout  time.Duration
	observer Observer

	mu       sync.Mutex
	inFlight map[string]uuid.UUID
}

// NewPool creates a pool running at most ceiling tasks. Tasks inherit ctx.
func NewPool(ctx context.Context, ceiling int, timeout time.Duration) *Pool {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &errgroup.Group{}
	g.SetLimit(ceiling)
	return &Pool{
		ctx:      ctx,
		group:    g,
		timeout:  timeout,
		inFlight: make(map[string]uuid.UUID),
	}
}

// SetObserver installs the metrics hook
func (p *Pool) SetObserver(o Observer) {
	p.observer = o
}

// Go starts fn unless a task of the same kind is running or the pool is full.
// A dropped task is not queued; it returns false.
func (p *Pool) Go(kind string, fn Func) bool {
	id := uuid.New()
	logger := logrus.WithFields(logrus.Fields{"component": "tasks", "kind": kind, "run": id})

	p.mu.Lock()
	if _, busy := p.inFlight[kind]; busy {
		p.mu.Unlock()
		logger.Debug("Task of this kind already running, dropped")
		p.dropped(kind)
		return false
	}
	p.inFlight[kind] = id
	p.mu.Unlock()

	started := p.group.TryGo(func() error {
		defer p.release(kind)
		p.run(kind, fn, logger)
		return nil
	})
	if !started {
		p.release(kind)
		logger.Warn("Task ceiling reached, dropped")
		p.dropped(kind)
		return false
	}
	return true
}

// Submit is Go returning ErrDropped instead of false
func (p *Pool) Submit(kind string, fn Func) error {
	if !p.Go(kind, fn) {
		return ErrDropped
	}
	return nil
}

// Running reports whether a task of kind is in flight
func (p *Pool) Running(kind string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[kind]
	return ok
}

// Wait blocks until every started task finished
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

func (p *Pool) run(kind string, fn Func, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if p.observer != nil {
		p.observer.Finished(kind, elapsed, err)
	}
	if err != nil {
		logger.WithError(err).WithField("elapsed", elapsed).Warn("Task failed")
		return
	}
	logger.WithField("elapsed", elapsed).Debug("Task finished")
}

func (p *Pool) release(kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, kind)
}

func (p *Pool) dropped(kind string) {
	if p.observer != nil {
		p.observer.Dropped(kind)
	}
}
