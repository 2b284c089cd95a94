package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tankwise/tanksync/internal/connsync"
	"github.com/tankwise/tanksync/internal/record"
)

// DefaultLockTimeout bounds how long a network task waits for a record
const DefaultLockTimeout = 5 * time.Second

var (
	// ErrInvalidTime is returned when the time endpoint answers without a usable time
	ErrInvalidTime = errors.New("server returned no time")
	// ErrRejected is returned when the cloud answers a push with success=false
	ErrRejected = errors.New("cloud rejected update")
	// ErrUnsupportedRecord is returned for a record the cloud does not know
	ErrUnsupportedRecord = errors.New("unsupported record")
)

// Remote binds the cloud client to the records. It implements connsync.Remote.
type Remote struct {
	client      *Client
	clock       record.Clock
	config      *record.ConfigHandler
	control     *record.ControlHandler
	lockTimeout time.Duration
	logger      *logrus.Entry

	// fetches of one record share a single request
	flight singleflight.Group

	// OnConfig receives the merged config whenever a fetch changed it
	OnConfig func(record.Config)
	// OnControl receives the merged control state whenever a fetch changed it
	OnControl func(record.Control)
}

var _ connsync.Remote = (*Remote)(nil)

// NewRemote creates the cloud side of the given records
func NewRemote(client *Client, clock record.Clock, config *record.ConfigHandler, control *record.ControlHandler) *Remote {
	return &Remote{
		client:      client,
		clock:       clock,
		config:      config,
		control:     control,
		lockTimeout: DefaultLockTimeout,
		logger:      logrus.WithField("component", "cloud"),
	}
}

// SetLockTimeout changes how long network tasks wait for a record lock
func (r *Remote) SetLockTimeout(d time.Duration) {
	r.lockTimeout = d
}

// Fetch downloads rec from the cloud and merges it
func (r *Remote) Fetch(ctx context.Context, rec connsync.Record) error {
	switch rec.(type) {
	case *record.ConfigHandler:
		_, err := r.FetchConfig(ctx)
		return err
	case *record.ControlHandler:
		_, err := r.FetchControl(ctx)
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedRecord, rec.Name())
}

// PushWithPriority uploads rec with every timestamp set to the priority flag
func (r *Remote) PushWithPriority(ctx context.Context, rec connsync.Record) error {
	switch rec.(type) {
	case *record.ConfigHandler:
		return r.PushConfig(ctx)
	case *record.ControlHandler:
		payload, err := r.ControlPayload(ctx)
		if err != nil {
			return err
		}
		return r.PushControlPayload(ctx, payload)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedRecord, rec.Name())
}

// FetchConfig downloads and merges the config record. It reports whether the merged values changed.
// Callers arriving while a config fetch is in flight wait for it instead of sending another request.
func (r *Remote) FetchConfig(ctx context.Context) (bool, error) {
	return r.shared(ConfigPath, func() (bool, error) { return r.fetchConfig(ctx) })
}

// FetchControl downloads and merges the control record. It reports whether the merged values changed.
func (r *Remote) FetchControl(ctx context.Context) (bool, error) {
	return r.shared(ControlPath, func() (bool, error) { return r.fetchControl(ctx) })
}

func (r *Remote) shared(key string, fetch func() (bool, error)) (bool, error) {
	v, err, _ := r.flight.Do(key, func() (any, error) {
		return fetch()
	})
	changed, _ := v.(bool)
	return changed, err
}

func (r *Remote) fetchConfig(ctx context.Context) (bool, error) {
	body, err := r.client.do(ctx, request{method: http.MethodGet, path: ConfigPath, query: r.client.deviceQuery()})
	if err != nil {
		return false, fmt.Errorf("failed to fetch config: %w", err)
	}
	decoded, err := DecodeConfig(body)
	if err != nil {
		return false, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(decoded.Defaulted) > 0 {
		r.logger.WithField("fields", decoded.Defaulted).Warn("Config response incomplete, using defaults")
	}

	h := r.config
	if err := r.lock(ctx, h); err != nil {
		return false, err
	}
	h.UpdateFromAPI(decoded.Update)
	changed := h.Merge()
	values := h.Values()
	h.Unlock()

	if changed {
		r.logger.WithField("record", h.Name()).Info("Config updated from cloud")
		if r.OnConfig != nil {
			r.OnConfig(values)
		}
	}
	return changed, nil
}

func (r *Remote) fetchControl(ctx context.Context) (bool, error) {
	body, err := r.client.do(ctx, request{method: http.MethodGet, path: ControlPath, query: r.client.deviceQuery()})
	if err != nil {
		return false, fmt.Errorf("failed to fetch control: %w", err)
	}
	decoded, err := DecodeControl(body)
	if err != nil {
		return false, fmt.Errorf("failed to decode control: %w", err)
	}
	if len(decoded.Defaulted) > 0 {
		r.logger.WithField("fields", decoded.Defaulted).Warn("Control response incomplete, using defaults")
	}

	h := r.control
	if err := r.lock(ctx, h); err != nil {
		return false, err
	}
	h.UpdateFromAPI(decoded.Update)
	changed := h.Merge()
	values := h.Values()
	h.Unlock()

	if changed {
		r.logger.WithField("record", h.Name()).Info("Control updated from cloud")
		if r.OnControl != nil {
			r.OnControl(values)
		}
	}
	return changed, nil
}

// PushConfig uploads the merged config with priority and acknowledges it
func (r *Remote) PushConfig(ctx context.Context) error {
	h := r.config
	if err := r.lock(ctx, h); err != nil {
		return err
	}
	payload, err := EncodeConfigPush(r.client.deviceID, h.Snapshot())
	h.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	body, err := r.client.do(ctx, request{method: http.MethodPost, path: ConfigPath, body: payload})
	if err != nil {
		return fmt.Errorf("failed to push config: %w", err)
	}
	ts, err := r.accepted(body)
	if err != nil {
		return fmt.Errorf("failed to push config: %w", err)
	}

	if err := r.lock(ctx, h); err != nil {
		return err
	}
	n := h.Acknowledge(ts)
	h.Unlock()
	r.logger.WithFields(logrus.Fields{"timestamp": ts, "acknowledged": n}).Debug("Config push accepted")
	return nil
}

// ControlPayload serializes the control record for a priority push.
// It is called synchronously so the payload reflects the state at the time of the event.
func (r *Remote) ControlPayload(ctx context.Context) ([]byte, error) {
	h := r.control
	if err := r.lock(ctx, h); err != nil {
		return nil, err
	}
	defer h.Unlock()
	payload, err := EncodeControlPush(r.client.deviceID, h.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to encode control: %w", err)
	}
	return payload, nil
}

// PushControlPayload uploads a payload built by ControlPayload
func (r *Remote) PushControlPayload(ctx context.Context, payload []byte) error {
	body, err := r.client.do(ctx, request{
		method: http.MethodPost,
		path:   ControlPath,
		query:  r.client.deviceQuery(),
		body:   payload,
	})
	if err != nil {
		return fmt.Errorf("failed to push control: %w", err)
	}
	ts, err := r.accepted(body)
	if err != nil {
		return fmt.Errorf("failed to push control: %w", err)
	}

	h := r.control
	if err := r.lock(ctx, h); err != nil {
		return err
	}
	h.Acknowledge(ts)
	h.Unlock()
	return nil
}

// SyncClock asks the cloud for its time in ms
func (r *Remote) SyncClock(ctx context.Context) (uint64, error) {
	body, err := r.client.do(ctx, request{method: http.MethodGet, path: TimeSyncPath, query: r.client.deviceQuery()})
	if err != nil {
		return 0, fmt.Errorf("failed to sync time: %w", err)
	}
	var resp timeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse time response: %w", err)
	}
	if resp.ServerTime == 0 {
		return 0, ErrInvalidTime
	}
	return resp.ServerTime, nil
}

// UploadTelemetry sends one sample. Telemetry is not retried, the next sample replaces it.
func (r *Remote) UploadTelemetry(ctx context.Context, s record.TelemetrySample) error {
	payload, err := EncodeTelemetry(r.client.deviceID, s)
	if err != nil {
		return fmt.Errorf("failed to encode telemetry: %w", err)
	}
	if _, err := r.client.do(ctx, request{method: http.MethodPost, path: TelemetryPath, body: payload, once: true}); err != nil {
		return fmt.Errorf("failed to upload telemetry: %w", err)
	}
	return nil
}

// accepted parses a push response and returns the timestamp to acknowledge with
func (r *Remote) accepted(body []byte) (uint64, error) {
	var resp pushResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			r.logger.WithError(err).Debug("Push response is not JSON")
		}
	}
	if resp.Success != nil && !*resp.Success {
		return 0, ErrRejected
	}
	if resp.Timestamp != 0 {
		return resp.Timestamp, nil
	}
	return r.clock.Now(), nil
}

type locker interface {
	Lock(ctx context.Context) error
}

func (r *Remote) lock(ctx context.Context, l locker) error {
	ctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	return l.Lock(ctx)
}
