// Package merge provides the three-source sync value and the last-write-wins resolver
// shared by every logical record.
package merge

import "math"

// FloatEpsilon is the tolerance used when comparing float fields for change detection
const FloatEpsilon = 0.001

// Stamped is a value together with the lastModified timestamp it was written with
type Stamped[T any] struct {
	Value        T
	LastModified uint64
}

// Stamp returns a pointer to a Stamped value, handy for building patches
func Stamp[T any](value T, lastModified uint64) *Stamped[T] {
	return &Stamped[T]{Value: value, LastModified: lastModified}
}

// Slot is the last value received from one source
type Slot[T any] struct {
	Value    T
	Modified uint64 // 0 means the source demands unconditional acceptance
	Set      bool   // false until the source delivered a value
}

// Stamp returns the participation info of the slot for the resolver
func (s Slot[T]) Stamp() Stamp {
	return Stamp{Modified: s.Modified, Set: s.Set}
}

// Value holds one field as last seen from the cloud, the local app and the device itself.
// API and Local are only written by fresh receives from that source; Self carries the
// accepted result.
type Value[T any] struct {
	API   Slot[T]
	Local Slot[T]
	Self  Slot[T]
}

// NewValue creates a value whose self slot holds the compiled-in default.
// The default does not take part in merging until the device writes it.
func NewValue[T any](def T) Value[T] {
	return Value[T]{Self: Slot[T]{Value: def}}
}

// Preset replaces the self value without letting it take part in merging
func (v *Value[T]) Preset(value T) {
	v.Self.Value = value
}

// SetAPI records a value received from the cloud
func (v *Value[T]) SetAPI(value T, modified uint64) {
	v.API = Slot[T]{Value: value, Modified: modified, Set: true}
}

// SetLocal records a value received from the local operator app
func (v *Value[T]) SetLocal(value T, modified uint64) {
	v.Local = Slot[T]{Value: value, Modified: modified, Set: true}
}

// SetSelf records a value written by the device itself
func (v *Value[T]) SetSelf(value T, modified uint64) {
	v.Self = Slot[T]{Value: value, Modified: modified, Set: true}
}

// Current returns the accepted value and its timestamp
func (v *Value[T]) Current() Stamped[T] {
	return Stamped[T]{Value: v.Self.Value, LastModified: v.Self.Modified}
}

// Prioritize forces the self timestamp to the priority sentinel
func (v *Value[T]) Prioritize() {
	v.Self.Modified = 0
	v.Self.Set = true
}

// Acknowledge replaces a pending priority stamp with the timestamp the write was accepted at
func (v *Value[T]) Acknowledge(ts uint64) bool {
	if !v.Self.Set || v.Self.Modified != 0 {
		return false
	}
	v.Self.Modified = ts
	return true
}

// AcknowledgeLocal stamps a local priority write with the time it was accepted at.
// Until then the local slot would keep overriding newer cloud values.
func (v *Value[T]) AcknowledgeLocal(ts uint64) bool {
	if !v.Local.Set || v.Local.Modified != 0 {
		return false
	}
	v.Local.Modified = ts
	return true
}

// Equal compares comparable values with ==
func Equal[T comparable](a, b T) bool {
	return a == b
}

// FloatEqual compares floats within FloatEpsilon so representation noise is not a change
func FloatEqual(a, b float64) bool {
	return math.Abs(a-b) < FloatEpsilon
}
