package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tankwise/tanksync/internal/clock"
	"github.com/tankwise/tanksync/internal/cloud"
	"github.com/tankwise/tanksync/internal/connsync"
	"github.com/tankwise/tanksync/internal/merge"
	"github.com/tankwise/tanksync/internal/metrics"
	"github.com/tankwise/tanksync/internal/record"
	"github.com/tankwise/tanksync/internal/storage"
	"github.com/tankwise/tanksync/internal/tasks"
)

var (
	// ErrOffline is returned when cloud work is requested while the link is down
	ErrOffline = errors.New("cloud link is down")
	// ErrNotAuthenticated is returned when no token is held and no credentials are configured
	ErrNotAuthenticated = errors.New("device not authenticated")
)

// Deps are the collaborators of the service. Only Prefs is required.
type Deps struct {
	Prefs    *storage.Prefs
	Link     Link
	Consumer Consumer
	Sensors  Sensors
	Metrics  *metrics.Metrics
}

// Service orchestrates the records, the connection manager and the cloud tasks
type Service struct {
	opts  Options
	creds *cloud.Credentials

	clock     *clock.Clock
	config    *record.ConfigHandler
	control   *record.ControlHandler
	telemetry *record.Telemetry

	client  *cloud.Client
	remote  *cloud.Remote
	manager *connsync.Manager
	pool    *tasks.Pool

	prefs    *storage.Prefs
	link     Link
	consumer Consumer
	sensors  Sensors
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	// main loop state
	linkUp        bool
	lastLink      time.Time
	lastTelemetry time.Time
	lastConfig    time.Time
	lastControl   time.Time
	lastRefresh   time.Time
	lastCheckpt   time.Time
}

// NewService creates the sync service. Background tasks inherit ctx.
func NewService(ctx context.Context, opts Options, deps Deps) *Service {
	opts = opts.withDefaults()
	s := &Service{
		opts:      opts,
		telemetry: &record.Telemetry{},
		prefs:     deps.Prefs,
		link:      deps.Link,
		consumer:  deps.Consumer,
		sensors:   deps.Sensors,
		metrics:   deps.Metrics,
		logger:    logrus.WithField("component", "sync"),
	}
	if s.prefs == nil {
		s.prefs = storage.NewPrefs(storage.NewMemory())
	}
	if s.link == nil {
		s.link = StaticLink(true)
	}
	if s.consumer == nil {
		s.consumer = nopConsumer{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if opts.Credentials != nil {
		creds := *opts.Credentials
		s.creds = &creds
	}

	s.clock = clock.New(opts.Uptime)
	s.config = record.NewConfigHandler(s.clock)
	s.control = record.NewControlHandler(s.clock)

	s.client = cloud.NewClient(cloud.Options{
		BaseURL:    opts.CloudURL,
		DeviceID:   opts.DeviceID,
		Retry:      opts.Retry,
		HTTPClient: opts.HTTPClient,
		Tokens:     s.prefs,
		OnUnauthorized: func() {
			s.logger.Warn("Cloud session invalidated, logging in again on the next cycle")
		},
		Observe: s.metrics.Request,
	})
	s.remote = cloud.NewRemote(s.client, s.clock, s.config, s.control)
	s.remote.SetLockTimeout(opts.LockTimeout)
	s.remote.OnConfig = s.configFetched
	s.remote.OnControl = s.controlFetched

	s.manager = connsync.NewManager(s.clock, s.remote, s.prefs)
	s.pool = tasks.NewPool(ctx, opts.TaskCeiling, opts.TaskTimeout)
	s.pool.SetObserver(s.metrics)
	return s
}

// Start restores the persisted state and runs the main loop until ctx is done
func (s *Service) Start(ctx context.Context) error {
	s.logger.WithField("device", s.opts.DeviceID).Info("Starting tank sync service")

	if err := s.boot(ctx); err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}

	defer s.pool.Wait()
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			s.clock.Checkpoint()
			s.logger.Info("Synchronization stopped due to context cancellation")
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// boot loads the sync status, the token and the last known good config
func (s *Service) boot(ctx context.Context) error {
	if err := s.manager.Load(ctx); err != nil {
		return err
	}

	token, err := s.prefs.LoadToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to load device token: %w", err)
	}
	if token != "" {
		s.client.SetToken(token)
	}

	if s.creds != nil && s.creds.HardwareID == "" {
		id, err := s.prefs.HardwareID(ctx, uuid.NewString)
		if err != nil {
			return fmt.Errorf("failed to load hardware id: %w", err)
		}
		s.creds.HardwareID = id
	}

	stored, found, err := s.prefs.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	pending := s.manager.Direction() == connsync.Push

	if err := s.config.Lock(ctx); err != nil {
		return err
	}
	if s.opts.Defaults != nil {
		s.config.Seed(*s.opts.Defaults, false)
	}
	if found {
		s.config.Seed(stored, pending)
	}
	cfg := s.config.Values()
	s.config.Unlock()

	if err := s.control.Lock(ctx); err != nil {
		return err
	}
	ctl := s.control.Values()
	s.control.Unlock()

	s.logger.WithFields(logrus.Fields{
		"stored_config": found,
		"push_pending":  pending,
		"authenticated": token != "",
	}).Info("Device state restored")

	s.consumer.ApplyConfig(cfg)
	s.consumer.ApplyControl(ctl)
	return nil
}

// tick runs one iteration of the main loop. It never blocks on I/O.
func (s *Service) tick(now time.Time) {
	defer s.publishStatus()

	if due(now, &s.lastCheckpt, s.opts.CheckpointInterval) {
		s.clock.Checkpoint()
	}

	if p, ok := s.link.(Prober); ok && (s.lastLink.IsZero() || now.Sub(s.lastLink) >= s.opts.LinkInterval) {
		s.lastLink = now
		s.pool.Go(tasks.KindLink, p.Probe)
	}

	up := s.link.Online()
	if up != s.linkUp {
		s.linkUp = up
		if up {
			s.logger.Info("Link up, starting online sync")
			s.lastConfig, s.lastControl = now, now
			s.pool.Go(tasks.KindOnline, s.online)
		} else {
			s.logger.Info("Link down")
			// a local state write, it must not be lost to a full pool
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.LockTimeout)
			s.manager.Offline(ctx)
			cancel()
		}
	}
	if !up {
		return
	}

	if !s.client.Authenticated() {
		if s.creds != nil && !s.pool.Running(tasks.KindOnline) {
			s.pool.Go(tasks.KindAuth, s.authenticate)
		}
		return
	}

	if due(now, &s.lastTelemetry, s.opts.TelemetryInterval) {
		s.pool.Go(tasks.KindTelemetry, s.uploadTelemetry)
	}
	if due(now, &s.lastConfig, s.opts.ConfigInterval) {
		// an unfinished online cycle or a pending push is retried instead of a plain fetch
		if st := s.manager.Status(); st.Direction == connsync.Push || !st.Connected {
			s.pool.Go(tasks.KindOnline, s.online)
		} else {
			s.pool.Go(tasks.KindConfig, s.fetchConfig)
		}
	}
	if due(now, &s.lastControl, s.opts.ControlInterval) {
		s.pool.Go(tasks.KindControl, s.fetchControl)
	}
	if due(now, &s.lastRefresh, s.opts.RefreshInterval) {
		s.pool.Go(tasks.KindAuth, s.client.Refresh)
	}
}

// due reports whether interval elapsed since *last and restarts the interval if so.
// A zero *last starts the interval without firing.
func due(now time.Time, last *time.Time, interval time.Duration) bool {
	if last.IsZero() {
		*last = now
		return false
	}
	if now.Sub(*last) < interval {
		return false
	}
	*last = now
	return true
}

// online runs the offline to online transition for the config record and refreshes control
func (s *Service) online(ctx context.Context) error {
	if err := s.authenticate(ctx); err != nil {
		return err
	}
	if err := s.manager.Online(ctx, s.config); err != nil {
		return err
	}
	return s.fetchControl(ctx)
}

func (s *Service) authenticate(ctx context.Context) error {
	if s.client.Authenticated() {
		return nil
	}
	if s.creds == nil {
		return ErrNotAuthenticated
	}
	return s.client.Login(ctx, *s.creds)
}

func (s *Service) fetchConfig(ctx context.Context) error {
	_, err := s.remote.FetchConfig(ctx)
	return err
}

// fetchControl refreshes the control record and follows a config_update request
func (s *Service) fetchControl(ctx context.Context) error {
	if _, err := s.remote.FetchControl(ctx); err != nil {
		return err
	}
	ctl, err := s.controlValues(ctx)
	if err != nil {
		return err
	}
	if !ctl.ConfigUpdate || s.manager.Direction() == connsync.Push {
		return nil
	}
	s.logger.Debug("Cloud requested a config update")
	return s.fetchConfig(ctx)
}

func (s *Service) uploadTelemetry(ctx context.Context) error {
	return s.remote.UploadTelemetry(ctx, s.Telemetry())
}

// configFetched handles a config changed by a cloud fetch
func (s *Service) configFetched(c record.Config) {
	s.metrics.Merged(s.config.Name(), merge.API.String())
	s.persistConfig(c)
	s.consumer.ApplyConfig(c)
}

// controlFetched handles control state changed by a cloud fetch
func (s *Service) controlFetched(c record.Control) {
	s.metrics.Merged(s.control.Name(), merge.API.String())
	s.logger.WithField("pump_switch", c.PumpSwitch).Info("Control updated from cloud")
	s.consumer.ApplyControl(c)
}

func (s *Service) persistConfig(c record.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LockTimeout)
	defer cancel()
	if err := s.prefs.SaveConfig(ctx, c); err != nil {
		s.logger.WithError(err).Warn("Failed to persist config")
	}
}

func (s *Service) controlValues(ctx context.Context) (record.Control, error) {
	if err := s.lock(ctx, s.control); err != nil {
		return record.Control{}, err
	}
	defer s.control.Unlock()
	return s.control.Values(), nil
}

type locker interface {
	Lock(ctx context.Context) error
}

func (s *Service) lock(ctx context.Context, l locker) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()
	return l.Lock(ctx)
}

func (s *Service) publishStatus() {
	st := s.manager.Status()
	s.metrics.SetStatus(s.linkUp && st.Connected, st.Direction == connsync.Push)
}

// RequestConfigSync records a config edit made on the device side and starts an online
// cycle right away when the link is up, so the edit is pushed with priority.
func (s *Service) RequestConfigSync(ctx context.Context) {
	s.manager.MarkModified(ctx)
	if !s.link.Online() {
		s.logger.Debug("Link down, config push deferred to the next reconnect")
		return
	}
	s.pool.Go(tasks.KindOnline, s.online)
}

// PushControl snapshots the control record now and uploads it in the background
func (s *Service) PushControl(ctx context.Context) error {
	if !s.link.Online() {
		return ErrOffline
	}
	payload, err := s.remote.ControlPayload(ctx)
	if err != nil {
		return err
	}
	return s.pool.Submit(tasks.KindPush, func(ctx context.Context) error {
		if err := s.authenticate(ctx); err != nil {
			return err
		}
		return s.remote.PushControlPayload(ctx, payload)
	})
}

// ConfigChanged is called after a local write changed the config record
func (s *Service) ConfigChanged(ctx context.Context, c record.Config) {
	s.metrics.Merged(s.config.Name(), merge.Local.String())
	s.persistConfig(c)
	s.consumer.ApplyConfig(c)
	s.RequestConfigSync(ctx)
}

// ControlChanged is called after a local write changed the control record
func (s *Service) ControlChanged(ctx context.Context, c record.Control) {
	s.metrics.Merged(s.control.Name(), merge.Local.String())
	s.consumer.ApplyControl(c)
	if err := s.PushControl(ctx); err != nil {
		s.logger.WithError(err).Warn("Control push not scheduled")
	}
}

// UpdateSelfConfig records config values written by the device itself
func (s *Service) UpdateSelfConfig(ctx context.Context, c record.Config) error {
	if err := s.lock(ctx, s.config); err != nil {
		return err
	}
	s.config.UpdateSelf(c)
	s.config.Merge()
	merged := s.config.Values()
	s.config.Unlock()

	s.metrics.Merged(s.config.Name(), merge.Self.String())
	s.persistConfig(merged)
	s.consumer.ApplyConfig(merged)
	s.RequestConfigSync(ctx)
	return nil
}

// UpdateSelfControl records control values written by the device itself, such as a
// manual pump toggle, and pushes them
func (s *Service) UpdateSelfControl(ctx context.Context, c record.Control) error {
	if err := s.lock(ctx, s.control); err != nil {
		return err
	}
	s.control.UpdateSelf(c)
	s.control.Merge()
	merged := s.control.Values()
	s.control.Unlock()

	s.metrics.Merged(s.control.Name(), merge.Self.String())
	s.consumer.ApplyControl(merged)
	return s.PushControl(ctx)
}

// UpdateTelemetry publishes a sensor reading, stamping it with the virtual clock if needed
func (s *Service) UpdateTelemetry(sample record.TelemetrySample) {
	if sample.Timestamp == 0 {
		sample.Timestamp = s.clock.Now()
	}
	s.telemetry.Update(sample)
}

// Telemetry returns the latest reading, sampling the sensors when they are attached
func (s *Service) Telemetry() record.TelemetrySample {
	if s.sensors != nil {
		s.UpdateTelemetry(s.sensors.Telemetry())
	}
	return s.telemetry.Latest()
}

// SetTimestamp anchors the virtual clock to a time supplied by a trusted peer
func (s *Service) SetTimestamp(ms uint64) {
	s.manager.SetTimestamp(ms)
}

// DeviceID returns the device identity
func (s *Service) DeviceID() string { return s.opts.DeviceID }

// Config returns the config record
func (s *Service) Config() *record.ConfigHandler { return s.config }

// Control returns the control record
func (s *Service) Control() *record.ControlHandler { return s.control }

// Clock returns the virtual clock
func (s *Service) Clock() *clock.Clock { return s.clock }

// SyncStatus returns the persisted sync status
func (s *Service) SyncStatus() connsync.Status { return s.manager.Status() }

// Authenticated reports whether a cloud token is held
func (s *Service) Authenticated() bool { return s.client.Authenticated() }

// Metrics returns the collectors of the service
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }
