package record

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tankwise/tanksync/internal/merge"
)

type fixedClock uint64

func (c fixedClock) Now() uint64 { return uint64(c) }

func TestConfigDefaults(t *testing.T) {
	h := NewConfigHandler(fixedClock(0))
	assert.Equal(t, DefaultConfig(), h.Values())
	assert.False(t, h.Merge(), "defaults alone never change anything")
}

func TestConfigPushPendingScenario(t *testing.T) {
	h := NewConfigHandler(fixedClock(5000))
	c := DefaultConfig()
	h.Seed(c, true)

	h.UpdateFromAPI(ConfigUpdate{UpperThreshold: merge.Stamp(80.0, 1000)})

	changed := h.Merge()
	assert.False(t, changed)
	assert.Equal(t, merge.Self, h.Winners()[UpperThreshold])
	snap := h.Snapshot()
	assert.Equal(t, 85.0, snap.UpperThreshold.Value)
	assert.Equal(t, uint64(0), snap.UpperThreshold.LastModified, "still pending priority")
}

func TestConfigPullSeedDefersToCloud(t *testing.T) {
	h := NewConfigHandler(fixedClock(5000))
	h.Seed(DefaultConfig(), false)

	h.UpdateFromAPI(ConfigUpdate{UpperThreshold: merge.Stamp(80.0, 1000)})
	assert.True(t, h.Merge())
	assert.Equal(t, 80.0, h.Values().UpperThreshold)
	assert.Equal(t, merge.API, h.Winners()[UpperThreshold])
}

func TestConfigMergeIdempotent(t *testing.T) {
	h := NewConfigHandler(fixedClock(100))
	h.UpdateFromAPI(DefaultConfig().Stamped(50))
	h.UpdateFromLocal(ConfigUpdate{TankShape: merge.Stamp(ShapeRectangular, 70)})

	assert.True(t, h.Merge())
	assert.False(t, h.Merge())
	assert.Equal(t, ShapeRectangular, h.Values().TankShape)
	assert.Equal(t, merge.Local, h.Winners()[TankShape])
	assert.Equal(t, merge.API, h.Winners()[TankHeight])
}

func TestConfigUpdateSelfUsesClock(t *testing.T) {
	h := NewConfigHandler(fixedClock(123456))
	c := DefaultConfig()
	c.LowerThreshold = 30
	h.UpdateSelf(c)

	assert.True(t, h.Merge())
	snap := h.Snapshot()
	assert.Equal(t, 30.0, snap.LowerThreshold.Value)
	assert.Equal(t, uint64(123456), snap.LowerThreshold.LastModified)
	assert.Equal(t, uint64(123456), snap.IPAddress.LastModified)
}

func TestConfigLocalOlderThanSelfLoses(t *testing.T) {
	h := NewConfigHandler(fixedClock(2000))
	h.UpdateSelf(DefaultConfig())
	h.Merge()

	h.UpdateFromLocal(ConfigUpdate{UpperThreshold: merge.Stamp(90.0, 1500)})
	assert.False(t, h.Merge())
	assert.Equal(t, merge.Self, h.Winners()[UpperThreshold])
	assert.Equal(t, 85.0, h.Values().UpperThreshold)
}

func TestConfigSetPriority(t *testing.T) {
	h := NewConfigHandler(fixedClock(2000))
	h.UpdateSelf(DefaultConfig())

	require.NoError(t, h.SetPriority(TankWidth))
	assert.Equal(t, uint64(0), h.Snapshot().TankWidth.LastModified)
	assert.Equal(t, uint64(2000), h.Snapshot().TankHeight.LastModified)

	err := h.SetPriority(PumpSwitch)
	assert.ErrorIs(t, err, ErrUnknownField)

	h.SetAllPriority()
	assert.Equal(t, 10, h.Acknowledge(9000))
	assert.Equal(t, uint64(9000), h.Snapshot().TankHeight.LastModified)
	assert.Equal(t, 0, h.Acknowledge(9999), "nothing left pending")
}

func TestConfigLockTimeout(t *testing.T) {
	h := NewConfigHandler(fixedClock(0))
	require.NoError(t, h.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Lock(ctx)
	assert.ErrorIs(t, err, ErrLockTimeout)

	h.Unlock()
	require.NoError(t, h.Lock(context.Background()))
	h.Unlock()
}

func TestConfigFieldsOrder(t *testing.T) {
	fields := ConfigFields()
	require.Len(t, fields, 10)
	assert.Equal(t, UpperThreshold, fields[0].Key)
	assert.Equal(t, IPAddress, fields[len(fields)-1].Key)
	assert.Equal(t, []string{ShapeCylindrical, ShapeRectangular}, fields[4].Options)
}

func TestConfigDiffers(t *testing.T) {
	cur := DefaultConfig()
	assert.False(t, cur.Differs(ConfigUpdate{UpperThreshold: merge.Stamp(85.0004, 1)}), "within epsilon")
	assert.True(t, cur.Differs(ConfigUpdate{UpperThreshold: merge.Stamp(86.0, 1)}))
	assert.True(t, cur.Differs(ConfigUpdate{TankShape: merge.Stamp(ShapeRectangular, 1)}))
	assert.False(t, cur.Differs(cur.Stamped(0)))
}

func TestConfigAcknowledgeLocal(t *testing.T) {
	h := NewConfigHandler(fixedClock(10))
	h.UpdateFromLocal(ConfigUpdate{
		TankHeight: merge.Stamp(150.0, 0),
		TankWidth:  merge.Stamp(60.0, 40),
	})
	require.True(t, h.Merge())
	assert.Equal(t, 1, h.AcknowledgeLocal(99), "only priority writes are stamped")
	assert.Equal(t, 0, h.AcknowledgeLocal(120))
}

func TestConfigAcknowledgeLocalKeepsPendingPush(t *testing.T) {
	h := NewConfigHandler(fixedClock(10))
	h.Seed(DefaultConfig(), true)
	h.UpdateFromLocal(ConfigUpdate{TankHeight: merge.Stamp(150.0, 0)})
	require.True(t, h.Merge())
	require.Equal(t, merge.Local, h.Winners()[TankHeight])

	assert.Equal(t, 1, h.AcknowledgeLocal(99))
	snap := h.Snapshot()
	assert.Equal(t, uint64(99), snap.TankHeight.LastModified)
	assert.Zero(t, snap.UpperThreshold.LastModified, "fields the app did not touch stay pending")
	assert.Zero(t, snap.TankShape.LastModified)
}
