package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tankwise/tanksync/internal/connsync"
	"github.com/tankwise/tanksync/internal/record"
)

// Device namespace keys
const (
	KeyServerSync  = "server_sync"
	KeyConfigSync  = "config_sync"
	KeyServerTime  = "server_time"
	KeyMillisSync  = "millis_sync"
	KeyOverflowCnt = "overflow_cnt"
	KeyDeviceToken = "device_token"
	KeyHardwareID  = "hardware_id"
)

// Config namespace keys
const (
	keyUpperThreshold = "upperThr"
	keyLowerThreshold = "lowerThr"
	keyTankHeight     = "tankH"
	keyTankWidth      = "tankW"
	keyTankShape      = "tankShape"
	keyUsedTotal      = "usedTotal"
	keyMaxInflow      = "maxInflow"
	keySensorFilter   = "sensorFilt"
)

// Prefs gives typed access to the preferences the sync core persists
type Prefs struct {
	store Store
}

var _ connsync.StatusStore = (*Prefs)(nil)

// NewPrefs wraps a store
func NewPrefs(store Store) *Prefs {
	return &Prefs{store: store}
}

// LoadStatus reads the sync status; absent keys read as defaults
func (p *Prefs) LoadStatus(ctx context.Context) (connsync.Status, error) {
	var (
		st  connsync.Status
		err error
	)
	if st.Connected, err = p.getBool(ctx, NamespaceDevice, KeyServerSync, false); err != nil {
		return st, err
	}
	// config_sync=true means the cloud copy is authoritative
	pulled, err := p.getBool(ctx, NamespaceDevice, KeyConfigSync, true)
	if err != nil {
		return st, err
	}
	if !pulled {
		st.Direction = connsync.Push
	}
	if st.AnchorValue, err = p.getUint(ctx, NamespaceDevice, KeyServerTime, 0); err != nil {
		return st, err
	}
	if st.AnchorUptime, err = p.getUint(ctx, NamespaceDevice, KeyMillisSync, 0); err != nil {
		return st, err
	}
	wraps, err := p.getUint(ctx, NamespaceDevice, KeyOverflowCnt, 0)
	if err != nil {
		return st, err
	}
	st.Wraps = uint32(wraps)
	return st, nil
}

// SaveStatus writes the whole status in one transaction
func (p *Prefs) SaveStatus(ctx context.Context, st connsync.Status) error {
	return p.store.PutAll(ctx, NamespaceDevice, map[string]string{
		KeyServerSync:  strconv.FormatBool(st.Connected),
		KeyConfigSync:  strconv.FormatBool(st.Direction == connsync.Pull),
		KeyServerTime:  strconv.FormatUint(st.AnchorValue, 10),
		KeyMillisSync:  strconv.FormatUint(st.AnchorUptime, 10),
		KeyOverflowCnt: strconv.FormatUint(uint64(st.Wraps), 10),
	})
}

// LoadToken returns the persisted device token or ""
func (p *Prefs) LoadToken(ctx context.Context) (string, error) {
	v, _, err := p.store.Get(ctx, NamespaceDevice, KeyDeviceToken)
	return v, err
}

// SaveToken persists the device token; "" removes it
func (p *Prefs) SaveToken(ctx context.Context, token string) error {
	if token == "" {
		return p.store.Delete(ctx, NamespaceDevice, KeyDeviceToken)
	}
	return p.store.Put(ctx, NamespaceDevice, KeyDeviceToken, token)
}

// HardwareID returns the persisted hardware id, creating it with gen on first use
func (p *Prefs) HardwareID(ctx context.Context, gen func() string) (string, error) {
	v, ok, err := p.store.Get(ctx, NamespaceDevice, KeyHardwareID)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	v = gen()
	if err := p.store.Put(ctx, NamespaceDevice, KeyHardwareID, v); err != nil {
		return "", err
	}
	return v, nil
}

// SaveConfig persists the last-known-good configuration
func (p *Prefs) SaveConfig(ctx context.Context, c record.Config) error {
	return p.store.PutAll(ctx, NamespaceConfig, map[string]string{
		keyUpperThreshold: formatFloat(c.UpperThreshold),
		keyLowerThreshold: formatFloat(c.LowerThreshold),
		keyTankHeight:     formatFloat(c.TankHeight),
		keyTankWidth:      formatFloat(c.TankWidth),
		keyTankShape:      c.TankShape,
		keyUsedTotal:      formatFloat(c.UsedTotal),
		keyMaxInflow:      formatFloat(c.MaxInflow),
		keySensorFilter:   strconv.FormatBool(c.SensorFilter),
	})
}

// LoadConfig reads the last-known-good configuration. It reports false when none was ever saved.
func (p *Prefs) LoadConfig(ctx context.Context) (record.Config, bool, error) {
	c := record.DefaultConfig()
	// tank height is always written, so its presence marks a saved config
	if _, ok, err := p.store.Get(ctx, NamespaceConfig, keyTankHeight); err != nil || !ok {
		return c, false, err
	}

	var err error
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{keyUpperThreshold, &c.UpperThreshold},
		{keyLowerThreshold, &c.LowerThreshold},
		{keyTankHeight, &c.TankHeight},
		{keyTankWidth, &c.TankWidth},
		{keyUsedTotal, &c.UsedTotal},
		{keyMaxInflow, &c.MaxInflow},
	} {
		if *f.dst, err = p.getFloat(ctx, NamespaceConfig, f.key, *f.dst); err != nil {
			return c, false, err
		}
	}
	if c.SensorFilter, err = p.getBool(ctx, NamespaceConfig, keySensorFilter, c.SensorFilter); err != nil {
		return c, false, err
	}
	if shape, ok, err := p.store.Get(ctx, NamespaceConfig, keyTankShape); err != nil {
		return c, false, err
	} else if ok && shape != "" {
		c.TankShape = shape
	}
	return c, true, nil
}

func (p *Prefs) getBool(ctx context.Context, namespace, key string, def bool) (bool, error) {
	v, ok, err := p.store.Get(ctx, namespace, key)
	if err != nil || !ok {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid value for %s/%s: %w", namespace, key, err)
	}
	return b, nil
}

func (p *Prefs) getUint(ctx context.Context, namespace, key string, def uint64) (uint64, error) {
	v, ok, err := p.store.Get(ctx, namespace, key)
	if err != nil || !ok {
		return def, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("invalid value for %s/%s: %w", namespace, key, err)
	}
	return n, nil
}

func (p *Prefs) getFloat(ctx context.Context, namespace, key string, def float64) (float64, error) {
	v, ok, err := p.store.Get(ctx, namespace, key)
	if err != nil || !ok {
		return def, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid value for %s/%s: %w", namespace, key, err)
	}
	return f, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
