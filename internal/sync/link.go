package sync

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tankwise/tanksync/internal/record"
)

// Link reports network reachability. Online must not block.
type Link interface {
	Online() bool
}

// Prober is a Link that refreshes its state with a blocking probe run on the task pool
type Prober interface {
	Link
	Probe(ctx context.Context) error
}

// StaticLink is a Link with a fixed state
type StaticLink bool

// Online implements Link
func (l StaticLink) Online() bool { return bool(l) }

// DialLink considers the network up while a TCP connection to Address succeeds
type DialLink struct {
	Address string
	Timeout time.Duration

	up atomic.Bool
}

// NewDialLink creates a link probe for a host:port address
func NewDialLink(address string, timeout time.Duration) *DialLink {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DialLink{Address: address, Timeout: timeout}
}

// Online implements Link
func (l *DialLink) Online() bool {
	return l.up.Load()
}

// Probe dials the address once and records the outcome
func (l *DialLink) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: l.Timeout}
	conn, err := d.DialContext(ctx, "tcp", l.Address)
	if err != nil {
		if l.up.Swap(false) {
			logrus.WithError(err).WithField("address", l.Address).Warn("Network link down")
		}
		return err
	}
	_ = conn.Close()
	if !l.up.Swap(true) {
		logrus.WithField("address", l.Address).Info("Network link up")
	}
	return nil
}

// Consumer receives merged records, typically the relay and sensor side of the device
type Consumer interface {
	ApplyConfig(c record.Config)
	ApplyControl(c record.Control)
}

// Sensors provides the latest sensor reading
type Sensors interface {
	Telemetry() record.TelemetrySample
}

type nopConsumer struct{}

func (nopConsumer) ApplyConfig(record.Config)   {}
func (nopConsumer) ApplyControl(record.Control) {}
