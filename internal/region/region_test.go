package region_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-robotics/robocore/internal/region"
	"github.com/kestrel-robotics/robocore/internal/semset"
	"github.com/kestrel-robotics/robocore/internal/xmutex"
)

func TestCreateBySizeAndWrite(t *testing.T) {
	mgr := region.NewManager(false, 0, zerolog.Nop())
	r, err := mgr.CreateBySize(64)
	require.NoError(t, err)
	require.Equal(t, 64, r.Size())
	require.EqualValues(t, 1, r.GlobalRefs())
	require.EqualValues(t, 1, r.LocalRefs())

	copy(r.Base(), []byte("hello"))
	require.Equal(t, byte('h'), r.Base()[0])
}

func TestLocalReferenceCounting(t *testing.T) {
	mgr := region.NewManager(false, 0, zerolog.Nop())
	r, err := mgr.CreateBySize(16)
	require.NoError(t, err)

	r.AddReference()
	require.EqualValues(t, 2, r.LocalRefs())
	r.RemoveReference()
	require.EqualValues(t, 1, r.LocalRefs())
	r.RemoveReference()
	require.EqualValues(t, 0, r.LocalRefs())
}

func TestAttachSharesBackingInSingleProcessMode(t *testing.T) {
	mgr := region.NewManager(false, 0, zerolog.Nop())
	r, err := mgr.CreateBySize(8)
	require.NoError(t, err)

	r2, err := mgr.Attach(r.ID())
	require.NoError(t, err)
	require.Equal(t, r, r2)
	require.EqualValues(t, 2, r.LocalRefs())

	copy(r.Base(), []byte{1, 2, 3})
	require.Equal(t, byte(1), r2.Base()[0])
}

func TestSharedReferenceCounting(t *testing.T) {
	mgr := region.NewManager(false, 0, zerolog.Nop())
	r, err := mgr.CreateBySize(8)
	require.NoError(t, err)

	r.AddSharedReference()
	require.EqualValues(t, 2, r.GlobalRefs())
	r.RemoveSharedReference()
	require.EqualValues(t, 1, r.GlobalRefs())
	r.RemoveSharedReference()
	require.EqualValues(t, 0, r.GlobalRefs())
}

func newTestRegistry(t *testing.T) *region.Registry {
	t.Helper()
	sem, err := semset.New(semset.Options{N: 8, Multiprocess: false})
	require.NoError(t, err)
	mu, err := xmutex.New(sem, zerolog.Nop())
	require.NoError(t, err)

	mgr := region.NewManager(false, 0, zerolog.Nop())
	backing, err := mgr.CreateBySize(region.RegistrySize(4))
	require.NoError(t, err)

	return region.NewRegistry(backing, mu)
}

func TestRegistryRegisterAndFind(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterRegion(1, 1, "vision.frame", region.Key(42)))

	key, ok := reg.Find(1, 1, "vision.frame")
	require.True(t, ok)
	require.Equal(t, region.Key(42), key)

	_, ok = reg.Find(1, 1, "nonexistent")
	require.False(t, ok)
}

func TestRegistryReRegisterSameNameAndKeyIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterRegion(1, 1, "motion.posture", region.Key(1)))
	require.NoError(t, reg.RegisterRegion(1, 1, "motion.posture", region.Key(1)))

	key, ok := reg.Find(1, 1, "motion.posture")
	require.True(t, ok)
	require.Equal(t, region.Key(1), key)
}

func TestRegistryRejectsNameConflict(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterRegion(1, 1, "motion.posture", region.Key(1)))

	err := reg.RegisterRegion(1, 1, "motion.posture", region.Key(2))
	require.ErrorIs(t, err, region.ErrNameConflict)

	key, ok := reg.Find(1, 1, "motion.posture")
	require.True(t, ok)
	require.Equal(t, region.Key(1), key, "a rejected conflicting registration must not mutate the existing binding")
}

func TestRegistryFullReturnsError(t *testing.T) {
	reg := newTestRegistry(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, reg.RegisterRegion(1, 1, string(rune('a'+i)), region.Key(i)))
	}
	err := reg.RegisterRegion(1, 1, "one-too-many", region.Key(99))
	require.ErrorIs(t, err, region.ErrRegistryFull)
}

func TestRegistryUnregister(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterRegion(1, 1, "sensors.imu", region.Key(7)))
	reg.Unregister(1, 1, "sensors.imu")

	_, ok := reg.Find(1, 1, "sensors.imu")
	require.False(t, ok)
}
