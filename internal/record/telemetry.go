package record

import "sync"

// TelemetrySample is one reading published by the device. The device is the only writer,
// so telemetry never goes through the merge.
type TelemetrySample struct {
	WaterLevel float64
	CurrInflow float64
	PumpStatus int
	Timestamp  uint64
}

// Telemetry holds the latest sample
type Telemetry struct {
	mu     sync.RWMutex
	sample TelemetrySample
}

// Update replaces the latest sample
func (t *Telemetry) Update(s TelemetrySample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sample = s
}

// Latest returns the latest sample
func (t *Telemetry) Latest() TelemetrySample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sample
}
