package cloud

import (
	"encoding/json"
	"fmt"

	"github.com/tankwise/tanksync/internal/record"
)

// DecodedConfig is a parsed config record and the fields that were absent or malformed
type DecodedConfig struct {
	Update    record.ConfigUpdate
	Defaulted []record.Field
}

// DecodedControl is a parsed control record and the fields that were absent or malformed
type DecodedControl struct {
	Update    record.ControlUpdate
	Defaulted []record.Field
}

// ParseConfigFields decodes a flat field object. Absent fields stay nil.
func ParseConfigFields(body []byte) (DecodedConfig, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return DecodedConfig{}, fmt.Errorf("failed to parse config fields: %w", err)
	}
	return configFromObject(obj), nil
}

// ParseControlFields decodes a flat field object. Absent fields stay nil.
func ParseControlFields(body []byte) (DecodedControl, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return DecodedControl{}, fmt.Errorf("failed to parse control fields: %w", err)
	}
	return controlFromObject(obj), nil
}

// DecodeConfig parses a cloud config response. Every field is present in the result:
// absent or malformed ones fall back to the compiled-in default.
func DecodeConfig(body []byte) (DecodedConfig, error) {
	obj, err := findRecord(body, deviceConfigKey)
	if err != nil {
		return DecodedConfig{}, err
	}
	d := configFromObject(obj)

	def := record.DefaultConfig()
	u := &d.Update
	fill(&u.UpperThreshold, def.UpperThreshold)
	fill(&u.LowerThreshold, def.LowerThreshold)
	fill(&u.TankHeight, def.TankHeight)
	fill(&u.TankWidth, def.TankWidth)
	fill(&u.TankShape, def.TankShape)
	fill(&u.UsedTotal, def.UsedTotal)
	fill(&u.MaxInflow, def.MaxInflow)
	fill(&u.ForceUpdate, def.ForceUpdate)
	fill(&u.SensorFilter, def.SensorFilter)
	fill(&u.IPAddress, def.IPAddress)
	return d, nil
}

// DecodeControl parses a cloud control response, defaulting absent fields
func DecodeControl(body []byte) (DecodedControl, error) {
	obj, err := findRecord(body, controlDataKey)
	if err != nil {
		return DecodedControl{}, err
	}
	d := controlFromObject(obj)

	def := record.DefaultControl()
	fill(&d.Update.PumpSwitch, def.PumpSwitch)
	fill(&d.Update.ConfigUpdate, def.ConfigUpdate)
	return d, nil
}

func configFromObject(obj map[string]json.RawMessage) DecodedConfig {
	var d DecodedConfig
	u, m := &d.Update, &d.Defaulted
	take(obj, record.UpperThreshold, &u.UpperThreshold, m)
	take(obj, record.LowerThreshold, &u.LowerThreshold, m)
	take(obj, record.TankHeight, &u.TankHeight, m)
	take(obj, record.TankWidth, &u.TankWidth, m)
	take(obj, record.TankShape, &u.TankShape, m)
	take(obj, record.UsedTotal, &u.UsedTotal, m)
	take(obj, record.MaxInflow, &u.MaxInflow, m)
	take(obj, record.ForceUpdate, &u.ForceUpdate, m)
	take(obj, record.SensorFilter, &u.SensorFilter, m)
	take(obj, record.IPAddress, &u.IPAddress, m)
	return d
}

func controlFromObject(obj map[string]json.RawMessage) DecodedControl {
	var d DecodedControl
	take(obj, record.PumpSwitch, &d.Update.PumpSwitch, &d.Defaulted)
	take(obj, record.ConfigUpdate, &d.Update.ConfigUpdate, &d.Defaulted)
	return d
}

// ConfigFields renders the present fields of u; priority sends every timestamp as 0
func ConfigFields(u record.ConfigUpdate, priority bool) Fields {
	info := record.ConfigFields()
	out := make(Fields, len(info))
	add(out, info[0], u.UpperThreshold, priority)
	add(out, info[1], u.LowerThreshold, priority)
	add(out, info[2], u.TankHeight, priority)
	add(out, info[3], u.TankWidth, priority)
	add(out, info[4], u.TankShape, priority)
	add(out, info[5], u.UsedTotal, priority)
	add(out, info[6], u.MaxInflow, priority)
	add(out, info[7], u.ForceUpdate, priority)
	add(out, info[8], u.SensorFilter, priority)
	add(out, info[9], u.IPAddress, priority)
	return out
}

// ControlFields renders the present fields of u; priority sends every timestamp as 0
func ControlFields(u record.ControlUpdate, priority bool) Fields {
	info := record.ControlFields()
	out := make(Fields, len(info))
	add(out, info[0], u.PumpSwitch, priority)
	add(out, info[1], u.ConfigUpdate, priority)
	return out
}

type pushPayload struct {
	DeviceID       string `json:"deviceId"`
	ConfigUpdates  Fields `json:"configUpdates,omitempty"`
	ControlUpdates Fields `json:"controlUpdates,omitempty"`
}

// EncodeConfigPush builds the priority push body for the config record
func EncodeConfigPush(deviceID string, u record.ConfigUpdate) ([]byte, error) {
	return json.Marshal(pushPayload{DeviceID: deviceID, ConfigUpdates: ConfigFields(u, true)})
}

// EncodeControlPush builds the priority push body for the control record.
// Callers serialize it while holding the record lock so it reflects one point in time.
func EncodeControlPush(deviceID string, u record.ControlUpdate) ([]byte, error) {
	return json.Marshal(pushPayload{DeviceID: deviceID, ControlUpdates: ControlFields(u, true)})
}

// TelemetryFields renders a sample the way the backend and the local app expect it
func TelemetryFields(s record.TelemetrySample) map[string]WireField {
	field := func(key, label string, value any) WireField {
		return WireField{Key: record.Field(key), Label: label, Type: "number", Value: value}
	}
	return map[string]WireField{
		"waterLevel": field("waterLevel", "Water Level", s.WaterLevel),
		"currInflow": field("currInflow", "Current Inflow", s.CurrInflow),
		"pumpStatus": field("pumpStatus", "Pump Status", s.PumpStatus),
		// the backend marks the device offline when this stops arriving
		"Status": field("Status", "Device Status", 1),
	}
}

// EncodeTelemetry builds the telemetry upload body
func EncodeTelemetry(deviceID string, s record.TelemetrySample) ([]byte, error) {
	return json.Marshal(map[string]any{
		"deviceId":    deviceID,
		sensorDataKey: TelemetryFields(s),
	})
}

type pushResponse struct {
	Success   *bool  `json:"success"`
	Timestamp uint64 `json:"timestamp"`
}

type timeResponse struct {
	ServerTime uint64 `json:"serverTime"`
}
