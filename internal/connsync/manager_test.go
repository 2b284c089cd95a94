package connsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tankwise/tanksync/internal/clock"
)

type namedRecord string

func (r namedRecord) Name() string { return string(r) }

type memStore struct {
	mu    sync.Mutex
	saved []Status
	load  Status
}

func (s *memStore) LoadStatus(context.Context) (Status, error) { return s.load, nil }

func (s *memStore) SaveStatus(_ context.Context, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, st)
	return nil
}

func (s *memStore) last() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[len(s.saved)-1]
}

type fakeRemote struct {
	calls     []string
	fetchErr  error
	pushErr   error
	clockErr  error
	clockTime uint64
	onPush    func()
	onFetch   func()
}

func (r *fakeRemote) Fetch(_ context.Context, rec Record) error {
	r.calls = append(r.calls, "fetch:"+rec.Name())
	if r.onFetch != nil {
		r.onFetch()
	}
	return r.fetchErr
}

func (r *fakeRemote) PushWithPriority(_ context.Context, rec Record) error {
	r.calls = append(r.calls, "push:"+rec.Name())
	if r.onPush != nil {
		r.onPush()
	}
	return r.pushErr
}

func (r *fakeRemote) SyncClock(context.Context) (uint64, error) {
	r.calls = append(r.calls, "clock")
	return r.clockTime, r.clockErr
}

func newTestManager(remote *fakeRemote, store *memStore) *Manager {
	uptime := clock.UptimeFunc(func() uint32 { return 1000 })
	return NewManager(clock.New(uptime), remote, store)
}

func TestOnlinePull(t *testing.T) {
	remote := &fakeRemote{clockTime: 1_700_000_000_000}
	store := &memStore{}
	m := newTestManager(remote, store)

	require.NoError(t, m.Online(context.Background(), namedRecord("config")))

	assert.Equal(t, []string{"clock", "fetch:config"}, remote.calls)
	st := m.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, Pull, st.Direction)
	assert.Equal(t, uint64(1_700_000_000_000), st.AnchorValue)
	assert.Equal(t, st, store.last(), "every mutation is persisted")
	assert.True(t, m.Synced())
	assert.True(t, m.IsOnline())
}

func TestOnlinePullFailure(t *testing.T) {
	remote := &fakeRemote{clockErr: errors.New("timeout"), fetchErr: errors.New("boom")}
	m := newTestManager(remote, &memStore{})

	err := m.Online(context.Background(), namedRecord("config"))
	require.Error(t, err)
	assert.False(t, m.Status().Connected)
	assert.False(t, m.Synced(), "failed clock exchange keeps the clock unsynced")
	assert.Equal(t, []string{"clock", "fetch:config"}, remote.calls, "clock failure is not fatal")
}

func TestOnlinePush(t *testing.T) {
	remote := &fakeRemote{clockTime: 5000}
	store := &memStore{}
	m := newTestManager(remote, store)
	m.MarkModified(context.Background())
	require.Equal(t, Push, store.last().Direction)

	require.NoError(t, m.Online(context.Background(), namedRecord("config")))

	assert.Equal(t, []string{"clock", "push:config", "fetch:config"}, remote.calls)
	assert.Equal(t, Pull, m.Direction())
	assert.Equal(t, Pull, store.last().Direction)
	assert.True(t, m.Status().Connected)
}

func TestOnlinePushFailureKeepsPush(t *testing.T) {
	remote := &fakeRemote{clockTime: 5000, pushErr: errors.New("503")}
	m := newTestManager(remote, &memStore{})
	m.MarkModified(context.Background())

	require.Error(t, m.Online(context.Background(), namedRecord("config")))
	assert.Equal(t, Push, m.Direction())
	assert.Equal(t, []string{"clock", "push:config"}, remote.calls)
}

func TestOnlinePushThenFetchFailure(t *testing.T) {
	remote := &fakeRemote{clockTime: 5000, fetchErr: errors.New("reset")}
	m := newTestManager(remote, &memStore{})
	m.MarkModified(context.Background())

	require.NoError(t, m.Online(context.Background(), namedRecord("config")))
	assert.Equal(t, Pull, m.Direction(), "an accepted push is not rolled back")
}

func TestEditDuringPushStaysPush(t *testing.T) {
	remote := &fakeRemote{clockTime: 5000}
	m := newTestManager(remote, &memStore{})
	m.MarkModified(context.Background())
	remote.onPush = func() { m.MarkModified(context.Background()) }

	require.NoError(t, m.Online(context.Background(), namedRecord("config")))
	assert.Equal(t, Push, m.Direction(), "an edit made while pushing must still be pushed")
}

func TestOfflineKeepsDirection(t *testing.T) {
	store := &memStore{}
	m := newTestManager(&fakeRemote{}, store)
	m.MarkModified(context.Background())

	m.status.Connected = true
	m.Offline(context.Background())

	assert.False(t, m.Status().Connected)
	assert.Equal(t, Push, m.Direction())
	assert.False(t, store.last().Connected)
	assert.False(t, m.IsOnline())
}

func TestLinkLostDuringPullStaysDisconnected(t *testing.T) {
	remote := &fakeRemote{clockTime: 5000}
	store := &memStore{}
	m := newTestManager(remote, store)
	remote.onFetch = func() { m.Offline(context.Background()) }

	require.NoError(t, m.Online(context.Background(), namedRecord("config")))
	assert.False(t, m.Status().Connected, "a fetch finishing after the link dropped does not reconnect")
	assert.False(t, store.last().Connected)
	assert.False(t, m.IsOnline())
}

func TestLinkLostDuringPushStaysDisconnected(t *testing.T) {
	remote := &fakeRemote{clockTime: 5000}
	store := &memStore{}
	m := newTestManager(remote, store)
	m.MarkModified(context.Background())
	remote.onPush = func() { m.Offline(context.Background()) }

	require.NoError(t, m.Online(context.Background(), namedRecord("config")))
	assert.Equal(t, Pull, m.Direction(), "the accepted push still settles the direction")
	assert.False(t, m.Status().Connected)
	assert.False(t, store.last().Connected)
}

func TestLoadRestoresStatus(t *testing.T) {
	store := &memStore{load: Status{Connected: true, Direction: Push, AnchorValue: 42_000, AnchorUptime: 7, Wraps: 2}}
	m := newTestManager(&fakeRemote{}, store)

	require.NoError(t, m.Load(context.Background()))
	st := m.Status()
	assert.Equal(t, Push, st.Direction)
	assert.False(t, st.Connected, "connection flag does not survive a reboot")
	assert.Equal(t, uint64(42_000), st.AnchorValue)
	assert.Equal(t, uint32(0), st.Wraps, "anchor is rebased on the new uptime")
	assert.Equal(t, uint64(42_000), m.Now())
}

func TestSetTimestampPersists(t *testing.T) {
	store := &memStore{}
	m := newTestManager(&fakeRemote{}, store)

	m.SetTimestamp(0)
	assert.Empty(t, store.saved, "zero is not a valid time")

	m.SetTimestamp(9_000)
	assert.Equal(t, uint64(9_000), store.last().AnchorValue)
	assert.Equal(t, uint64(1000), store.last().AnchorUptime)
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "pull", Pull.String())
	assert.Equal(t, "push", Push.String())
}
