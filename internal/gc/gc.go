// Package gc runs the periodic retention sweep of §4.5/§8/§9: on a
// timer, it asks the root database to discard archive slices and cell
// roots past their retention window, consulting an external "may I
// delete this block's state?" callback before any state root is
// actually reclaimed.
//
// Grounded on core/blockchain_synchronization.go's SyncManager: a
// mutex-guarded active flag, a quit channel, and Start/Stop/loop/Status
// methods, generalized here from "fetch and verify blocks on a loop" to
// "sweep retention on a loop".
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chainarchive/internal/cell"
	"chainarchive/internal/types"
)

// Sweeper is the subset of rootdb.RootDB the GC loop depends on, kept
// narrow so tests can supply a fake without standing up a full RootDB.
type Sweeper interface {
	RunGC(now time.Time, mayDelete cell.MayDeleteState) error
}

// MayDelete decides whether a block's state root may be reclaimed; it is
// the caller's hook into shard-client / validator-session state that
// only the node embedding this engine knows about (§9 "Dynamic
// dispatch").
type MayDelete = cell.MayDeleteState

// Manager runs Sweeper.RunGC on a fixed interval until stopped.
type Manager struct {
	sweeper   Sweeper
	interval  time.Duration
	mayDelete MayDelete
	log       *logrus.Entry

	mu     sync.RWMutex
	active bool
	quit   chan struct{}
	done   chan struct{}

	lastRun   time.Time
	lastError error
	runCount  uint64
}

// New builds a Manager. interval <= 0 defaults to one minute; mayDelete
// == nil allows every root to be reclaimed once its TTL has passed.
func New(sweeper Sweeper, interval time.Duration, mayDelete MayDelete) *Manager {
	if interval <= 0 {
		interval = time.Minute
	}
	if mayDelete == nil {
		mayDelete = func(types.BlockID) bool { return true }
	}
	return &Manager{
		sweeper:   sweeper,
		interval:  interval,
		mayDelete: mayDelete,
		log:       logrus.WithField("component", "gc"),
		quit:      make(chan struct{}),
	}
}

// Start launches the background sweep loop. A second call while already
// active is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
	m.log.Info("gc manager started")
}

// Stop terminates the background sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	close(m.quit)
	m.active = false
	done := m.done
	m.mu.Unlock()

	<-done
	m.mu.Lock()
	m.quit = make(chan struct{})
	m.mu.Unlock()
	m.log.Info("gc manager stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case now := <-ticker.C:
			m.sweepOnce(now)
		}
	}
}

func (m *Manager) sweepOnce(now time.Time) {
	err := m.sweeper.RunGC(now, m.mayDelete)
	m.mu.Lock()
	m.lastRun = now
	m.lastError = err
	m.runCount++
	m.mu.Unlock()
	if err != nil {
		m.log.WithError(err).Warn("gc: sweep failed")
	}
}

// SweepNow runs one sweep immediately, outside the timer — used by
// administrative commands and tests that don't want to wait a full
// interval.
func (m *Manager) SweepNow(now time.Time) error {
	err := m.sweeper.RunGC(now, m.mayDelete)
	m.mu.Lock()
	m.lastRun = now
	m.lastError = err
	m.runCount++
	m.mu.Unlock()
	return err
}

// Status reports the GC loop's current state for CLI/validator-console
// use (§4.9 get_validator_stats-adjacent diagnostics).
func (m *Manager) Status() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := map[string]any{
		"active":    m.active,
		"run_count": m.runCount,
		"last_run":  m.lastRun,
	}
	if m.lastError != nil {
		status["last_error"] = m.lastError.Error()
	}
	return status
}
