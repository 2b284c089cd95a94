package record

import (
	"fmt"
	"maps"

	"github.com/tankwise/tanksync/internal/merge"
)

// Control is the merged control state
type Control struct {
	PumpSwitch   bool
	ConfigUpdate bool
}

// DefaultControl returns the compiled-in control state
func DefaultControl() Control {
	return Control{PumpSwitch: false, ConfigUpdate: true}
}

// ControlUpdate carries timestamped control values; nil fields are absent
type ControlUpdate struct {
	PumpSwitch   *merge.Stamped[bool]
	ConfigUpdate *merge.Stamped[bool]
}

// Stamped turns plain values into a full update with one timestamp
func (c Control) Stamped(ts uint64) ControlUpdate {
	return ControlUpdate{
		PumpSwitch:   merge.Stamp(c.PumpSwitch, ts),
		ConfigUpdate: merge.Stamp(c.ConfigUpdate, ts),
	}
}

// Differs reports whether any field present in u carries a value other than c
func (c Control) Differs(u ControlUpdate) bool {
	return differs(u.PumpSwitch, c.PumpSwitch, merge.Equal[bool]) ||
		differs(u.ConfigUpdate, c.ConfigUpdate, merge.Equal[bool])
}

// ControlHandler is the control record. Callers hold Lock around every read-modify-write.
type ControlHandler struct {
	guard
	clock Clock

	pumpSwitch   merge.Value[bool]
	configUpdate merge.Value[bool]

	winners map[Field]merge.Source
}

// NewControlHandler creates the control record holding the compiled-in defaults
func NewControlHandler(clock Clock) *ControlHandler {
	d := DefaultControl()
	return &ControlHandler{
		guard:        newGuard(),
		clock:        clock,
		pumpSwitch:   merge.NewValue(d.PumpSwitch),
		configUpdate: merge.NewValue(d.ConfigUpdate),
		winners:      make(map[Field]merge.Source),
	}
}

// Name identifies the record in logs and task kinds
func (h *ControlHandler) Name() string { return "control" }

// UpdateFromAPI stores values fetched from the cloud
func (h *ControlHandler) UpdateFromAPI(u ControlUpdate) { h.update(u, merge.API) }

// UpdateFromLocal stores values received from the local operator app
func (h *ControlHandler) UpdateFromLocal(u ControlUpdate) { h.update(u, merge.Local) }

// UpdateSelf stores values written by the device, stamped with the virtual clock
func (h *ControlHandler) UpdateSelf(c Control) {
	h.update(c.Stamped(h.clock.Now()), merge.Self)
}

func (h *ControlHandler) update(u ControlUpdate, src merge.Source) {
	receive(&h.pumpSwitch, u.PumpSwitch, src)
	receive(&h.configUpdate, u.ConfigUpdate, src)
}

// Merge resolves both fields and reports whether any merged value changed
func (h *ControlHandler) Merge() bool {
	changed := apply(h.winners, PumpSwitch, &h.pumpSwitch, merge.Equal[bool])
	changed = apply(h.winners, ConfigUpdate, &h.configUpdate, merge.Equal[bool]) || changed
	return changed
}

// Winners returns the source that won each field in the last merge
func (h *ControlHandler) Winners() map[Field]merge.Source {
	return maps.Clone(h.winners)
}

// Values returns the merged control state
func (h *ControlHandler) Values() Control {
	return Control{
		PumpSwitch:   h.pumpSwitch.Self.Value,
		ConfigUpdate: h.configUpdate.Self.Value,
	}
}

// Snapshot returns the merged values together with their timestamps
func (h *ControlHandler) Snapshot() ControlUpdate {
	return ControlUpdate{
		PumpSwitch:   current(&h.pumpSwitch),
		ConfigUpdate: current(&h.configUpdate),
	}
}

// SetPriority marks one field for unconditional propagation on the next push
func (h *ControlHandler) SetPriority(f Field) error {
	switch f {
	case PumpSwitch:
		h.pumpSwitch.Prioritize()
	case ConfigUpdate:
		h.configUpdate.Prioritize()
	default:
		return fmt.Errorf("%w: %s is not a control field", ErrUnknownField, f)
	}
	return nil
}

// SetAllPriority marks both fields for unconditional propagation
func (h *ControlHandler) SetAllPriority() {
	h.pumpSwitch.Prioritize()
	h.configUpdate.Prioritize()
}

// Acknowledge stamps every field still pending priority with the accepted timestamp
func (h *ControlHandler) Acknowledge(ts uint64) int {
	n := 0
	if h.pumpSwitch.Acknowledge(ts) {
		n++
	}
	if h.configUpdate.Acknowledge(ts) {
		n++
	}
	return n
}

// AcknowledgeLocal stamps the fields a local priority write won with the accepted timestamp
func (h *ControlHandler) AcknowledgeLocal(ts uint64) int {
	n := 0
	if acceptLocal(h.winners, PumpSwitch, &h.pumpSwitch, ts) {
		n++
	}
	if acceptLocal(h.winners, ConfigUpdate, &h.configUpdate, ts) {
		n++
	}
	return n
}
