// Package connsync decides on every cloud reconnect whether the device pulls the
// authoritative record or pushes its own record with priority, and persists that decision
// together with the virtual clock anchor.
package connsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tankwise/tanksync/internal/clock"
)

// Direction tells which side wins on the next reconnect
type Direction int

const (
	// Pull defers to the cloud
	Pull Direction = iota
	// Push sends the device record with priority
	Push
)

func (d Direction) String() string {
	if d == Push {
		return "push"
	}
	return "pull"
}

// Status is the persisted sync state
type Status struct {
	Connected    bool
	Direction    Direction
	AnchorValue  uint64
	AnchorUptime uint64
	Wraps        uint32
}

// Record is a handle to a logical record; the manager never looks inside it
type Record interface {
	Name() string
}

// Remote is the cloud capability the manager drives
type Remote interface {
	Fetch(ctx context.Context, rec Record) error
	PushWithPriority(ctx context.Context, rec Record) error
	SyncClock(ctx context.Context) (uint64, error)
}

// StatusStore persists the sync status
type StatusStore interface {
	LoadStatus(ctx context.Context) (Status, error)
	SaveStatus(ctx context.Context, s Status) error
}

// Manager is the connection sync state machine
type Manager struct {
	mu     sync.Mutex
	status Status
	online bool
	edits  uint64 // bumped by MarkModified, guards against losing an edit made mid-push
	clock  *clock.Clock
	remote Remote
	store  StatusStore
	logger *logrus.Entry
}

// NewManager creates a manager in the default Pull state
func NewManager(clk *clock.Clock, remote Remote, store StatusStore) *Manager {
	m := &Manager{
		clock:  clk,
		remote: remote,
		store:  store,
		logger: logrus.WithField("component", "connsync"),
	}
	clk.OnChange(func(a clock.Anchor) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.setAnchor(a)
		if err := m.persist(context.Background()); err != nil {
			m.logger.WithError(err).Warn("Failed to persist clock anchor")
		}
	})
	return m
}

// Load reads the persisted status once at boot and restores the clock anchor
func (m *Manager) Load(ctx context.Context) error {
	st, err := m.store.LoadStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync status: %w", err)
	}

	m.clock.Restore(clock.Anchor{Value: st.AnchorValue, Uptime: st.AnchorUptime, Wraps: st.Wraps})
	// the link state from before the reboot means nothing now
	st.Connected = false

	m.mu.Lock()
	m.status = st
	m.setAnchor(m.clock.Anchor())
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"direction": st.Direction,
		"synced":    m.clock.Synced(),
	}).Info("Sync status loaded")
	return nil
}

// Status returns a copy of the current status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Direction returns the current sync direction
func (m *Manager) Direction() Direction {
	return m.Status().Direction
}

// Online handles the offline to online transition for rec.
// The clock exchange is best effort; the record sync result is returned.
func (m *Manager) Online(ctx context.Context, rec Record) error {
	m.mu.Lock()
	m.online = true
	m.mu.Unlock()

	logger := m.logger.WithField("record", rec.Name())
	if ts, err := m.remote.SyncClock(ctx); err != nil {
		logger.WithError(err).Warn("Clock exchange failed, keeping virtual clock")
	} else {
		m.SetTimestamp(ts)
	}

	if m.Direction() == Push {
		return m.push(ctx, rec, logger)
	}
	return m.pull(ctx, rec, logger)
}

func (m *Manager) pull(ctx context.Context, rec Record, logger *logrus.Entry) error {
	if err := m.remote.Fetch(ctx, rec); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", rec.Name(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markConnected() {
		if err := m.persist(ctx); err != nil {
			logger.WithError(err).Warn("Failed to persist sync status")
		}
	}
	logger.Debug("Record pulled from cloud")
	return nil
}

func (m *Manager) push(ctx context.Context, rec Record, logger *logrus.Entry) error {
	m.mu.Lock()
	edits := m.edits
	m.mu.Unlock()

	if err := m.remote.PushWithPriority(ctx, rec); err != nil {
		// direction stays Push so the next reconnect retries
		return fmt.Errorf("failed to push %s: %w", rec.Name(), err)
	}

	m.mu.Lock()
	if m.edits == edits {
		m.status.Direction = Pull
	}
	m.markConnected()
	if err := m.persist(ctx); err != nil {
		logger.WithError(err).Warn("Failed to persist sync status")
	}
	m.mu.Unlock()
	logger.Info("Record pushed to cloud with priority")

	if err := m.remote.Fetch(ctx, rec); err != nil {
		// the push was accepted, the server copy is reconciled on the next fetch
		logger.WithError(err).Warn("Reconciling fetch after push failed")
	}
	return nil
}

// markConnected sets the connected flag unless the link went down while the cycle ran.
// Caller holds mu.
func (m *Manager) markConnected() bool {
	if !m.online || m.status.Connected {
		return false
	}
	m.status.Connected = true
	return true
}

// Offline handles the online to offline transition. Pending pushes survive.
func (m *Manager) Offline(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = false
	if !m.status.Connected {
		return
	}
	m.status.Connected = false
	if err := m.persist(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to persist sync status")
	}
	m.logger.Info("Cloud connection lost")
}

// IsOnline reports whether the link is currently considered up
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// MarkModified records that the device holds changes that must overwrite the cloud
func (m *Manager) MarkModified(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits++
	if m.status.Direction == Push {
		return
	}
	m.status.Direction = Push
	if err := m.persist(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to persist sync status")
	}
	m.logger.Info("Local changes pending, next sync pushes with priority")
}

// SetTimestamp anchors the virtual clock to a trusted time in ms and persists it
func (m *Manager) SetTimestamp(ms uint64) {
	if ms == 0 {
		return
	}
	// the clock hook persists the new anchor
	m.clock.SetAnchor(ms)
	m.logger.WithField("server_time", ms).Debug("Virtual clock anchored")
}

// Now returns the virtual clock reading
func (m *Manager) Now() uint64 {
	return m.clock.Now()
}

// Synced reports whether the virtual clock has ever been anchored
func (m *Manager) Synced() bool {
	return m.clock.Synced()
}

// setAnchor copies a clock anchor into the status. Caller holds mu.
func (m *Manager) setAnchor(a clock.Anchor) {
	m.status.AnchorValue = a.Value
	m.status.AnchorUptime = a.Uptime
	m.status.Wraps = a.Wraps
}

// persist writes the status. Caller holds mu.
func (m *Manager) persist(ctx context.Context) error {
	return m.store.SaveStatus(ctx, m.status)
}
