// Package sync runs the sync core: it owns the records, the virtual clock and the
// connection manager, and schedules the cloud work on the task pool.
package sync

import (
	"net/http"
	"time"

	"github.com/tankwise/tanksync/internal/clock"
	"github.com/tankwise/tanksync/internal/cloud"
	"github.com/tankwise/tanksync/internal/record"
	"github.com/tankwise/tanksync/internal/retry"
)

// Default schedule of the main loop
const (
	DefaultTickInterval      = time.Second
	DefaultLinkInterval      = 5 * time.Second
	DefaultTelemetryInterval = 30 * time.Second
	DefaultConfigInterval    = 30 * time.Second
	DefaultControlInterval   = 5 * time.Minute
	DefaultRefreshInterval   = 12 * time.Hour
)

// DefaultCheckpointInterval is how often the virtual clock reading is persisted
const DefaultCheckpointInterval = 10 * time.Minute

// Options represents the service configuration
type Options struct {
	CloudURL    string
	DeviceID    string
	Credentials *cloud.Credentials // nil runs with a persisted token only

	// Defaults replaces the compiled-in config used until a value is persisted or fetched
	Defaults *record.Config

	TickInterval      time.Duration
	LinkInterval      time.Duration
	TelemetryInterval time.Duration
	ConfigInterval    time.Duration
	ControlInterval   time.Duration
	RefreshInterval   time.Duration

	CheckpointInterval time.Duration

	TaskCeiling int
	TaskTimeout time.Duration
	LockTimeout time.Duration

	Retry      *retry.Config
	HTTPClient *http.Client
	Uptime     clock.Uptime
}

func (o Options) withDefaults() Options {
	set := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	set(&o.TickInterval, DefaultTickInterval)
	set(&o.LinkInterval, DefaultLinkInterval)
	set(&o.TelemetryInterval, DefaultTelemetryInterval)
	set(&o.ConfigInterval, DefaultConfigInterval)
	set(&o.ControlInterval, DefaultControlInterval)
	set(&o.RefreshInterval, DefaultRefreshInterval)
	set(&o.CheckpointInterval, DefaultCheckpointInterval)
	set(&o.LockTimeout, cloud.DefaultLockTimeout)
	if o.Uptime == nil {
		o.Uptime = clock.NewSystemUptime()
	}
	return o
}
