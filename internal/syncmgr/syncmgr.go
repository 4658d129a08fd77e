// Package syncmgr drives the flush of all in-memory structures to the engine.
//
// Requests are coalesced: while a cycle runs, every further request shares one
// queued follow-up cycle. The queue slot is a single permit that is released
// when the queued cycle starts, so requests arriving mid-flush always land in
// the next cycle.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/termstore/internal/keyValStore"
	"github.com/i5heu/termstore/internal/metrics"
	"github.com/i5heu/termstore/pkg/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("sync manager closed")

type State int32

const (
	Idle State = iota
	SyncRequested
	Syncing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case SyncRequested:
		return "SyncRequested"
	case Syncing:
		return "Syncing"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stage is one step of the flush pipeline. Writes go to b, which is shared by
// all stages of a cycle. The returned commit runs only after every stage of
// the cycle succeeded.
type Stage struct {
	Name string
	Run  func(ctx context.Context, b *keyValStore.Batch) (commit func(), err error)
}

// Progress is called after each stage with the number of stages done so far.
type Progress func(stage string, done, total int)

type Config struct {
	KV       *keyValStore.KeyValStore
	Stages   []Stage
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Interval time.Duration // 0 disables periodic syncs
	Progress Progress
	// OnSuccess runs after the commits of a successful cycle.
	OnSuccess func()
}

// Handle tracks one requested cycle.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Finished returns a handle that already completed with err.
func Finished(err error) *Handle {
	h := newHandle()
	h.finish(err)
	return h
}

// Wait blocks until the cycle finished or ctx is done. The cycle itself is
// never cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Manager struct {
	conf Config
	log  *logrus.Logger

	pending *semaphore.Weighted
	mu      sync.Mutex
	queued  *Handle
	closed  bool
	state   atomic.Int32
	cycles  atomic.Uint64

	tasks chan *Handle
	quit  chan struct{}
	wg    sync.WaitGroup
}

// New starts the worker and, when configured, the periodic ticker.
func New(conf Config) *Manager {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	if conf.Metrics == nil {
		conf.Metrics = metrics.New(nil, nil)
	}
	m := &Manager{
		conf:    conf,
		log:     conf.Logger,
		pending: semaphore.NewWeighted(1),
		tasks:   make(chan *Handle, 1),
		quit:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.worker()

	if conf.Interval > 0 {
		m.wg.Add(1)
		go m.tick(conf.Interval)
	}
	return m
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Cycles is the number of successful cycles so far.
func (m *Manager) Cycles() uint64 { return m.cycles.Load() }

// Request asks for a sync cycle. If a cycle is already queued its handle is
// returned instead of queueing another one.
func (m *Manager) Request() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Finished(ErrClosed)
	}
	return m.requestLocked()
}

func (m *Manager) requestLocked() *Handle {
	if !m.pending.TryAcquire(1) {
		return m.queued
	}
	h := newHandle()
	m.queued = h
	if m.State() == Idle {
		m.state.Store(int32(SyncRequested))
	}
	m.tasks <- h
	return h
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case h := <-m.tasks:
			m.mu.Lock()
			m.queued = nil
			m.pending.Release(1)
			m.state.Store(int32(Syncing))
			m.mu.Unlock()

			err := m.run(context.Background())

			m.mu.Lock()
			if m.queued != nil {
				m.state.Store(int32(SyncRequested))
			} else {
				m.state.Store(int32(Idle))
			}
			m.mu.Unlock()
			h.finish(err)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) tick(interval time.Duration) {
	defer m.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Request()
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) run(ctx context.Context) error {
	start := time.Now()
	b := m.conf.KV.NewBatch()
	defer b.Cancel()

	total := len(m.conf.Stages)
	commits := make([]func(), 0, total)
	for i, stage := range m.conf.Stages {
		stageStart := time.Now()
		commit, err := stage.Run(ctx, b)
		took := time.Since(stageStart)
		m.conf.Metrics.ObserveStage(stage.Name, took)
		if err != nil {
			err = fmt.Errorf("%w: stage %s: %w", types.ErrSyncFailure, stage.Name, err)
			m.conf.Metrics.SyncFinished(err)
			m.log.WithFields(logrus.Fields{
				"stage": stage.Name,
				"error": err,
			}).Error("sync aborted, state stays dirty")
			return err
		}
		if commit != nil {
			commits = append(commits, commit)
		}
		if m.conf.Progress != nil {
			m.conf.Progress(stage.Name, i+1, total)
		}
		m.log.WithFields(logrus.Fields{
			"stage": stage.Name,
			"step":  fmt.Sprintf("%d/%d", i+1, total),
			"took":  took,
		}).Debug("sync stage done")
	}

	for _, c := range commits {
		c()
	}
	n := m.cycles.Add(1)
	m.conf.Metrics.SyncFinished(nil)
	m.log.WithFields(logrus.Fields{
		"cycle": n,
		"took":  time.Since(start),
	}).Debug("sync finished")
	if m.conf.OnSuccess != nil {
		m.conf.OnSuccess()
	}
	return nil
}

// Close runs one last cycle, waits for it and stops the manager. Requests made
// after Close fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	final := m.requestLocked()
	m.mu.Unlock()

	err := final.Wait(ctx)
	close(m.quit)
	m.wg.Wait()
	return err
}

// EngineStage flushes the cycle's batch and forces the engine to disk.
func EngineStage(kv *keyValStore.KeyValStore) Stage {
	return Stage{
		Name: "engine",
		Run: func(_ context.Context, b *keyValStore.Batch) (func(), error) {
			if err := b.Flush(); err != nil {
				return nil, fmt.Errorf("flush batch: %w", err)
			}
			return nil, kv.Sync()
		},
	}
}
