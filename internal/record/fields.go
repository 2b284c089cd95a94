// Package record implements the config and control records shared by the cloud, the local
// operator app and the device, and the telemetry sample published alongside them.
package record

import (
	"context"
	"errors"
	"fmt"

	"github.com/tankwise/tanksync/internal/merge"
)

// Field is the wire key of a record field
type Field string

// Config fields
const (
	UpperThreshold Field = "upperThreshold"
	LowerThreshold Field = "lowerThreshold"
	TankHeight     Field = "tankHeight"
	TankWidth      Field = "tankWidth"
	TankShape      Field = "tankShape"
	UsedTotal      Field = "UsedTotal"
	MaxInflow      Field = "maxInflow"
	ForceUpdate    Field = "force_update"
	SensorFilter   Field = "sensorFilter"
	IPAddress      Field = "ip_address"
)

// Control fields
const (
	PumpSwitch   Field = "pumpSwitch"
	ConfigUpdate Field = "config_update"
)

// Tank shapes offered by the dropdown
const (
	ShapeCylindrical = "Cylindrical"
	ShapeRectangular = "Rectangular"
)

// FieldInfo describes how a field is presented on the wire
type FieldInfo struct {
	Key         Field
	Label       string
	Type        string
	Options     []string
	Description string
	System      bool
}

var configFields = []FieldInfo{
	{Key: UpperThreshold, Label: "Upper Threshold", Type: "number"},
	{Key: LowerThreshold, Label: "Lower Threshold", Type: "number"},
	{Key: TankHeight, Label: "Tank Height", Type: "number"},
	{Key: TankWidth, Label: "Tank Width", Type: "number"},
	{Key: TankShape, Label: "Tank Shape", Type: "dropdown", Options: []string{ShapeCylindrical, ShapeRectangular}},
	{Key: UsedTotal, Label: "Total Water Used", Type: "number"},
	{Key: MaxInflow, Label: "Max Inflow", Type: "number"},
	{Key: ForceUpdate, Label: "Force Firmware Update", Type: "boolean", System: true,
		Description: "When enabled, device will force download and install firmware update"},
	{Key: SensorFilter, Label: "Sensor Filter", Type: "boolean",
		Description: "Enable/disable sensor filtering and smoothing for more stable readings"},
	{Key: IPAddress, Label: "Device Local IP Address", Type: "string", System: true,
		Description: "Local IP address of the device for offline app communication via webserver"},
}

var controlFields = []FieldInfo{
	{Key: PumpSwitch, Label: "Pump Switch", Type: "boolean"},
	{Key: ConfigUpdate, Label: "Configuration Update", Type: "boolean", System: true,
		Description: "When enabled, device will update its configuration from server"},
}

// ConfigFields lists the config fields in wire order
func ConfigFields() []FieldInfo { return configFields }

// ControlFields lists the control fields in wire order
func ControlFields() []FieldInfo { return controlFields }

// ErrLockTimeout is returned when a record lock could not be acquired in time
var ErrLockTimeout = errors.New("record lock not acquired")

// ErrUnknownField is returned for a field that does not belong to the record
var ErrUnknownField = errors.New("unknown field")

// Clock supplies timestamps for writes made by the device itself
type Clock interface {
	Now() uint64
}

// guard is a mutex whose acquisition can be bounded by a context
type guard struct {
	ch chan struct{}
}

func newGuard() guard {
	return guard{ch: make(chan struct{}, 1)}
}

// Lock acquires the record for a read-modify-write
func (g guard) Lock(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	}
}

// Unlock releases the record
func (g guard) Unlock() {
	<-g.ch
}

// receive writes a present patch entry into the slot of src
func receive[T any](v *merge.Value[T], s *merge.Stamped[T], src merge.Source) {
	if s == nil {
		return
	}
	switch src {
	case merge.API:
		v.SetAPI(s.Value, s.LastModified)
	case merge.Local:
		v.SetLocal(s.Value, s.LastModified)
	default:
		v.SetSelf(s.Value, s.LastModified)
	}
}

// apply merges one field and records its winner
func apply[T any](winners map[Field]merge.Source, key Field, v *merge.Value[T], equal func(a, b T) bool) bool {
	winner, changed := merge.Apply(v, equal)
	winners[key] = winner
	return changed
}

// acceptLocal stamps the local and merged slots of key with ts when a local priority
// write won it in the last merge
func acceptLocal[T any](winners map[Field]merge.Source, key Field, v *merge.Value[T], ts uint64) bool {
	if winners[key] != merge.Local || !v.AcknowledgeLocal(ts) {
		return false
	}
	v.Acknowledge(ts)
	return true
}

func current[T any](v *merge.Value[T]) *merge.Stamped[T] {
	s := v.Current()
	return &s
}

func seed[T any](v *merge.Value[T], value T, priority bool) {
	if priority {
		v.SetSelf(value, 0)
		return
	}
	v.Preset(value)
}

func differs[T any](s *merge.Stamped[T], cur T, equal func(a, b T) bool) bool {
	return s != nil && !equal(s.Value, cur)
}
