package cloud

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tankwise/tanksync/internal/merge"
	"github.com/tankwise/tanksync/internal/record"
	"github.com/tankwise/tanksync/internal/retry"
)

type fixedClock uint64

func (c fixedClock) Now() uint64 { return uint64(c) }

type memTokens struct {
	mu     sync.Mutex
	tokens []string
}

func (m *memTokens) SaveToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, token)
	return nil
}

type fixture struct {
	server  *httptest.Server
	client  *Client
	remote  *Remote
	config  *record.ConfigHandler
	control *record.ControlHandler
	tokens  *memTokens
}

func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokens := &memTokens{}
	client := NewClient(Options{
		BaseURL:  server.URL,
		DeviceID: "tank-1",
		Retry:    &retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, Linear: true},
		Tokens:   tokens,
	})
	clk := fixedClock(5000)
	config := record.NewConfigHandler(clk)
	control := record.NewControlHandler(clk)
	return &fixture{
		server:  server,
		client:  client,
		remote:  NewRemote(client, clk, config, control),
		config:  config,
		control: control,
		tokens:  tokens,
	}
}

func TestFetchConfigMergesAndNotifies(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, ConfigPath, r.URL.Path)
		assert.Equal(t, "tank-1", r.URL.Query().Get("deviceId"))
		_, _ = io.WriteString(w, `{"data": {"deviceConfig": {"upperThreshold": {"value": 92, "lastModified": 1000}}}}`)
	}))

	var notified []record.Config
	f.remote.OnConfig = func(c record.Config) { notified = append(notified, c) }

	changed, err := f.remote.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, notified, 1)
	assert.Equal(t, 92.0, notified[0].UpperThreshold)
	assert.Equal(t, merge.API, f.config.Winners()[record.UpperThreshold])

	changed, err = f.remote.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "a second identical fetch changes nothing")
	assert.Len(t, notified, 1)
}

func TestConcurrentFetchesShareOneRequest(t *testing.T) {
	var gets atomic.Int32
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		gets.Add(1)
		entered <- struct{}{}
		<-release
		_, _ = io.WriteString(w, `{"deviceConfig": {"upperThreshold": {"value": 92, "lastModified": 1000}}}`)
	}))

	var notified atomic.Int32
	f.remote.OnConfig = func(record.Config) { notified.Add(1) }

	var wg sync.WaitGroup
	results := make([]bool, 2)
	errs := make([]error, 2)
	fetch := func(i int) {
		defer wg.Done()
		results[i], errs[i] = f.remote.FetchConfig(context.Background())
	}
	wg.Add(2)
	go fetch(0)
	<-entered
	go fetch(1)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), gets.Load(), "the second caller joins the request in flight")
	assert.Equal(t, []bool{true, true}, results)
	assert.Equal(t, int32(1), notified.Load())

	// once settled a new fetch goes to the network again
	changed, err := f.remote.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int32(2), gets.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"controlData": {"pumpSwitch": {"value": true, "lastModified": 700}}}`)
	}))

	changed, err := f.remote.FetchControl(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, f.control.Values().PumpSwitch)
}

func TestFetchGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := f.remote.FetchConfig(context.Background())
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusInternalServerError, status.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUnauthorizedClearsTokenWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	f.client.SetToken("secret")
	reauth := false
	f.client.opts.OnUnauthorized = func() { reauth = true }

	_, err := f.remote.FetchConfig(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, f.client.Authenticated())
	assert.Equal(t, []string{""}, f.tokens.tokens)
	assert.True(t, reauth)
}

func TestPushConfigSendsPriorityAndAcknowledges(t *testing.T) {
	var got struct {
		DeviceID      string               `json:"deviceId"`
		ConfigUpdates map[string]WireField `json:"configUpdates"`
	}
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ConfigPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"success": true, "timestamp": 1700000000000}`)
	}))

	saved := record.DefaultConfig()
	saved.UpperThreshold = 70
	f.config.Seed(saved, true)

	require.NoError(t, f.remote.PushWithPriority(context.Background(), f.config))
	assert.Equal(t, "tank-1", got.DeviceID)
	assert.Equal(t, 70.0, got.ConfigUpdates[string(record.UpperThreshold)].Value)
	assert.Zero(t, *got.ConfigUpdates[string(record.UpperThreshold)].LastModified)

	snap := f.config.Snapshot()
	assert.Equal(t, uint64(1700000000000), snap.UpperThreshold.LastModified, "server timestamp replaces the priority flag")
}

func TestPushRejected(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success": false}`)
	}))
	err := f.remote.PushConfig(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
}

func TestPushControlPayload(t *testing.T) {
	var body map[string]json.RawMessage
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ControlPath, r.URL.Path)
		assert.Equal(t, "tank-1", r.URL.Query().Get("deviceId"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{"success": true}`)
	}))

	f.control.UpdateFromLocal(record.Control{PumpSwitch: true}.Stamped(4000))
	f.control.Merge()
	payload, err := f.remote.ControlPayload(context.Background())
	require.NoError(t, err)

	// a later change does not leak into the captured payload
	f.control.UpdateFromLocal(record.ControlUpdate{PumpSwitch: merge.Stamp(false, 4500)})
	f.control.Merge()

	require.NoError(t, f.remote.PushControlPayload(context.Background(), payload))
	d, err := ParseControlFields(body[controlUpdatesKey])
	require.NoError(t, err)
	assert.True(t, d.Update.PumpSwitch.Value)
}

func TestSyncClock(t *testing.T) {
	var serverTime atomic.Uint64
	serverTime.Store(1700000000123)
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, TimeSyncPath, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]uint64{"serverTime": serverTime.Load()})
	}))

	ts, err := f.remote.SyncClock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000123), ts)

	serverTime.Store(0)
	_, err = f.remote.SyncClock(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestUploadTelemetrySingleAttempt(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, TelemetryPath, r.URL.Path)
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := f.remote.UploadTelemetry(context.Background(), record.TelemetrySample{WaterLevel: 40})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchLockTimeout(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"deviceConfig": {}}`)
	}))
	f.remote.SetLockTimeout(10 * time.Millisecond)
	require.NoError(t, f.config.Lock(context.Background()))
	defer f.config.Unlock()

	_, err := f.remote.FetchConfig(context.Background())
	assert.ErrorIs(t, err, record.ErrLockTimeout)
}

func TestLoginExtractsToken(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"deviceToken", `{"deviceToken": "a"}`, "a"},
		{"token", `{"token": "b"}`, "b"},
		{"data.deviceToken", `{"data": {"deviceToken": "c"}}`, "c"},
		{"data.token", `{"data": {"token": "d"}}`, "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var creds Credentials
			f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, LoginPath, r.URL.Path)
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
				_, _ = io.WriteString(w, tt.body)
			}))

			require.NoError(t, f.client.Login(context.Background(), Credentials{Username: "u", Password: "p"}))
			assert.Equal(t, tt.want, f.client.Token())
			assert.Equal(t, []string{tt.want}, f.tokens.tokens)
			assert.Equal(t, "tank-1", creds.DeviceID)
		})
	}
}

func TestLoginWithoutToken(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success": true}`)
	}))
	err := f.client.Login(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestRefreshRequiresToken(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	assert.ErrorIs(t, f.client.Refresh(context.Background()), ErrUnauthorized)
}
