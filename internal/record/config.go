package record

import (
	"fmt"
	"maps"

	"github.com/tankwise/tanksync/internal/merge"
)

// Config is the merged device configuration
type Config struct {
	UpperThreshold float64
	LowerThreshold float64
	TankHeight     float64
	TankWidth      float64
	TankShape      string
	UsedTotal      float64
	MaxInflow      float64
	ForceUpdate    bool
	SensorFilter   bool
	IPAddress      string
}

// DefaultConfig returns the compiled-in configuration
func DefaultConfig() Config {
	return Config{
		UpperThreshold: 85,
		LowerThreshold: 20,
		TankHeight:     100,
		TankWidth:      50,
		TankShape:      ShapeCylindrical,
		SensorFilter:   true,
	}
}

// ConfigUpdate carries timestamped config values; nil fields are absent
type ConfigUpdate struct {
	UpperThreshold *merge.Stamped[float64]
	LowerThreshold *merge.Stamped[float64]
	TankHeight     *merge.Stamped[float64]
	TankWidth      *merge.Stamped[float64]
	TankShape      *merge.Stamped[string]
	UsedTotal      *merge.Stamped[float64]
	MaxInflow      *merge.Stamped[float64]
	ForceUpdate    *merge.Stamped[bool]
	SensorFilter   *merge.Stamped[bool]
	IPAddress      *merge.Stamped[string]
}

// Stamped turns plain values into a full update carrying the same timestamp on every field
func (c Config) Stamped(ts uint64) ConfigUpdate {
	return ConfigUpdate{
		UpperThreshold: merge.Stamp(c.UpperThreshold, ts),
		LowerThreshold: merge.Stamp(c.LowerThreshold, ts),
		TankHeight:     merge.Stamp(c.TankHeight, ts),
		TankWidth:      merge.Stamp(c.TankWidth, ts),
		TankShape:      merge.Stamp(c.TankShape, ts),
		UsedTotal:      merge.Stamp(c.UsedTotal, ts),
		MaxInflow:      merge.Stamp(c.MaxInflow, ts),
		ForceUpdate:    merge.Stamp(c.ForceUpdate, ts),
		SensorFilter:   merge.Stamp(c.SensorFilter, ts),
		IPAddress:      merge.Stamp(c.IPAddress, ts),
	}
}

// Differs reports whether any field present in u carries a value other than c
func (c Config) Differs(u ConfigUpdate) bool {
	return differs(u.UpperThreshold, c.UpperThreshold, merge.FloatEqual) ||
		differs(u.LowerThreshold, c.LowerThreshold, merge.FloatEqual) ||
		differs(u.TankHeight, c.TankHeight, merge.FloatEqual) ||
		differs(u.TankWidth, c.TankWidth, merge.FloatEqual) ||
		differs(u.TankShape, c.TankShape, merge.Equal[string]) ||
		differs(u.UsedTotal, c.UsedTotal, merge.FloatEqual) ||
		differs(u.MaxInflow, c.MaxInflow, merge.FloatEqual) ||
		differs(u.ForceUpdate, c.ForceUpdate, merge.Equal[bool]) ||
		differs(u.SensorFilter, c.SensorFilter, merge.Equal[bool]) ||
		differs(u.IPAddress, c.IPAddress, merge.Equal[string])
}

// ConfigHandler is the config record. Callers hold Lock around every read-modify-write.
type ConfigHandler struct {
	guard
	clock Clock

	upperThreshold merge.Value[float64]
	lowerThreshold merge.Value[float64]
	tankHeight     merge.Value[float64]
	tankWidth      merge.Value[float64]
	tankShape      merge.Value[string]
	usedTotal      merge.Value[float64]
	maxInflow      merge.Value[float64]
	forceUpdate    merge.Value[bool]
	sensorFilter   merge.Value[bool]
	ipAddress      merge.Value[string]

	winners map[Field]merge.Source
}

// NewConfigHandler creates the config record holding the compiled-in defaults
func NewConfigHandler(clock Clock) *ConfigHandler {
	d := DefaultConfig()
	return &ConfigHandler{
		guard:          newGuard(),
		clock:          clock,
		upperThreshold: merge.NewValue(d.UpperThreshold),
		lowerThreshold: merge.NewValue(d.LowerThreshold),
		tankHeight:     merge.NewValue(d.TankHeight),
		tankWidth:      merge.NewValue(d.TankWidth),
		tankShape:      merge.NewValue(d.TankShape),
		usedTotal:      merge.NewValue(d.UsedTotal),
		maxInflow:      merge.NewValue(d.MaxInflow),
		forceUpdate:    merge.NewValue(d.ForceUpdate),
		sensorFilter:   merge.NewValue(d.SensorFilter),
		ipAddress:      merge.NewValue(d.IPAddress),
		winners:        make(map[Field]merge.Source),
	}
}

// Name identifies the record in logs and task kinds
func (h *ConfigHandler) Name() string { return "config" }

// UpdateFromAPI stores values fetched from the cloud
func (h *ConfigHandler) UpdateFromAPI(u ConfigUpdate) { h.update(u, merge.API) }

// UpdateFromLocal stores values received from the local operator app
func (h *ConfigHandler) UpdateFromLocal(u ConfigUpdate) { h.update(u, merge.Local) }

// UpdateSelf stores values written by the device, stamped with the virtual clock
func (h *ConfigHandler) UpdateSelf(c Config) {
	h.update(c.Stamped(h.clock.Now()), merge.Self)
}

// Seed loads persisted last-known-good values at boot.
// With priority set the values are pending a push and win the next merge.
func (h *ConfigHandler) Seed(c Config, priority bool) {
	seed(&h.upperThreshold, c.UpperThreshold, priority)
	seed(&h.lowerThreshold, c.LowerThreshold, priority)
	seed(&h.tankHeight, c.TankHeight, priority)
	seed(&h.tankWidth, c.TankWidth, priority)
	seed(&h.tankShape, c.TankShape, priority)
	seed(&h.usedTotal, c.UsedTotal, priority)
	seed(&h.maxInflow, c.MaxInflow, priority)
	seed(&h.forceUpdate, c.ForceUpdate, priority)
	seed(&h.sensorFilter, c.SensorFilter, priority)
	seed(&h.ipAddress, c.IPAddress, priority)
}

func (h *ConfigHandler) update(u ConfigUpdate, src merge.Source) {
	receive(&h.upperThreshold, u.UpperThreshold, src)
	receive(&h.lowerThreshold, u.LowerThreshold, src)
	receive(&h.tankHeight, u.TankHeight, src)
	receive(&h.tankWidth, u.TankWidth, src)
	receive(&h.tankShape, u.TankShape, src)
	receive(&h.usedTotal, u.UsedTotal, src)
	receive(&h.maxInflow, u.MaxInflow, src)
	receive(&h.forceUpdate, u.ForceUpdate, src)
	receive(&h.sensorFilter, u.SensorFilter, src)
	receive(&h.ipAddress, u.IPAddress, src)
}

// Merge resolves every field and reports whether any merged value changed
func (h *ConfigHandler) Merge() bool {
	w := h.winners
	changed := apply(w, UpperThreshold, &h.upperThreshold, merge.FloatEqual)
	changed = apply(w, LowerThreshold, &h.lowerThreshold, merge.FloatEqual) || changed
	changed = apply(w, TankHeight, &h.tankHeight, merge.FloatEqual) || changed
	changed = apply(w, TankWidth, &h.tankWidth, merge.FloatEqual) || changed
	changed = apply(w, TankShape, &h.tankShape, merge.Equal[string]) || changed
	changed = apply(w, UsedTotal, &h.usedTotal, merge.FloatEqual) || changed
	changed = apply(w, MaxInflow, &h.maxInflow, merge.FloatEqual) || changed
	changed = apply(w, ForceUpdate, &h.forceUpdate, merge.Equal[bool]) || changed
	changed = apply(w, SensorFilter, &h.sensorFilter, merge.Equal[bool]) || changed
	changed = apply(w, IPAddress, &h.ipAddress, merge.Equal[string]) || changed
	return changed
}

// Winners returns the source that won each field in the last merge
func (h *ConfigHandler) Winners() map[Field]merge.Source {
	return maps.Clone(h.winners)
}

// Values returns the merged configuration
func (h *ConfigHandler) Values() Config {
	return Config{
		UpperThreshold: h.upperThreshold.Self.Value,
		LowerThreshold: h.lowerThreshold.Self.Value,
		TankHeight:     h.tankHeight.Self.Value,
		TankWidth:      h.tankWidth.Self.Value,
		TankShape:      h.tankShape.Self.Value,
		UsedTotal:      h.usedTotal.Self.Value,
		MaxInflow:      h.maxInflow.Self.Value,
		ForceUpdate:    h.forceUpdate.Self.Value,
		SensorFilter:   h.sensorFilter.Self.Value,
		IPAddress:      h.ipAddress.Self.Value,
	}
}

// Snapshot returns the merged values together with their timestamps
func (h *ConfigHandler) Snapshot() ConfigUpdate {
	return ConfigUpdate{
		UpperThreshold: current(&h.upperThreshold),
		LowerThreshold: current(&h.lowerThreshold),
		TankHeight:     current(&h.tankHeight),
		TankWidth:      current(&h.tankWidth),
		TankShape:      current(&h.tankShape),
		UsedTotal:      current(&h.usedTotal),
		MaxInflow:      current(&h.maxInflow),
		ForceUpdate:    current(&h.forceUpdate),
		SensorFilter:   current(&h.sensorFilter),
		IPAddress:      current(&h.ipAddress),
	}
}

// SetPriority marks one field for unconditional propagation on the next push
func (h *ConfigHandler) SetPriority(f Field) error {
	switch f {
	case UpperThreshold:
		h.upperThreshold.Prioritize()
	case LowerThreshold:
		h.lowerThreshold.Prioritize()
	case TankHeight:
		h.tankHeight.Prioritize()
	case TankWidth:
		h.tankWidth.Prioritize()
	case TankShape:
		h.tankShape.Prioritize()
	case UsedTotal:
		h.usedTotal.Prioritize()
	case MaxInflow:
		h.maxInflow.Prioritize()
	case ForceUpdate:
		h.forceUpdate.Prioritize()
	case SensorFilter:
		h.sensorFilter.Prioritize()
	case IPAddress:
		h.ipAddress.Prioritize()
	default:
		return fmt.Errorf("%w: %s is not a config field", ErrUnknownField, f)
	}
	return nil
}

// SetAllPriority marks every field for unconditional propagation
func (h *ConfigHandler) SetAllPriority() {
	for _, f := range configFields {
		_ = h.SetPriority(f.Key)
	}
}

// Acknowledge stamps every field still pending priority with the accepted timestamp.
// It returns the number of fields acknowledged.
func (h *ConfigHandler) Acknowledge(ts uint64) int {
	n := 0
	for _, ok := range []bool{
		h.upperThreshold.Acknowledge(ts),
		h.lowerThreshold.Acknowledge(ts),
		h.tankHeight.Acknowledge(ts),
		h.tankWidth.Acknowledge(ts),
		h.tankShape.Acknowledge(ts),
		h.usedTotal.Acknowledge(ts),
		h.maxInflow.Acknowledge(ts),
		h.forceUpdate.Acknowledge(ts),
		h.sensorFilter.Acknowledge(ts),
		h.ipAddress.Acknowledge(ts),
	} {
		if ok {
			n++
		}
	}
	return n
}

// AcknowledgeLocal stamps the fields a local priority write won with the time the write
// was accepted at. Priority values from other sources keep their flag.
func (h *ConfigHandler) AcknowledgeLocal(ts uint64) int {
	n := 0
	for _, ok := range []bool{
		acceptLocal(h.winners, UpperThreshold, &h.upperThreshold, ts),
		acceptLocal(h.winners, LowerThreshold, &h.lowerThreshold, ts),
		acceptLocal(h.winners, TankHeight, &h.tankHeight, ts),
		acceptLocal(h.winners, TankWidth, &h.tankWidth, ts),
		acceptLocal(h.winners, TankShape, &h.tankShape, ts),
		acceptLocal(h.winners, UsedTotal, &h.usedTotal, ts),
		acceptLocal(h.winners, MaxInflow, &h.maxInflow, ts),
		acceptLocal(h.winners, ForceUpdate, &h.forceUpdate, ts),
		acceptLocal(h.winners, SensorFilter, &h.sensorFilter, ts),
		acceptLocal(h.winners, IPAddress, &h.ipAddress, ts),
	} {
		if ok {
			n++
		}
	}
	return n
}
