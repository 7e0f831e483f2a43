package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxReadings int) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "sensorwatch.db"), maxReadings)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStoreReadings(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("NoReadings", func(t *testing.T) {
		_, err := store.LatestReading(ctx, "u1", "s1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("LatestAndList", func(t *testing.T) {
		for i, v := range []float64{20.5, 21.0, 22.5} {
			require.NoError(t, store.AppendReading(ctx, SensorReading{
				UserID: "u1", SensorUUID: "s1", SensorType: "TC",
				Value: v, HasValue: true, ObservedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}

		latest, err := store.LatestReading(ctx, "u1", "s1")
		require.NoError(t, err)
		assert.Equal(t, 22.5, latest.Value)

		list, err := store.ListReadings(ctx, "u1", "s1", 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 22.5, list[0].Value)
		assert.Equal(t, 21.0, list[1].Value)
	})

	t.Run("SameMillisecondKeepsOrder", func(t *testing.T) {
		for _, v := range []float64{1, 2, 3} {
			require.NoError(t, store.AppendReading(ctx, SensorReading{
				UserID: "u2", SensorUUID: "s1", Value: v, ObservedAt: base,
			}))
		}
		latest, err := store.LatestReading(ctx, "u2", "s1")
		require.NoError(t, err)
		assert.Equal(t, 3.0, latest.Value)
	})

	t.Run("SensorsAreIsolated", func(t *testing.T) {
		list, err := store.ListReadings(ctx, "u1", "other", 0)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestBoltStoreReadingRetention(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 10)
	base := time.Now()

	for i := 0; i < trimEvery; i++ {
		require.NoError(t, store.AppendReading(ctx, SensorReading{
			UserID: "u", SensorUUID: "s", Value: float64(i),
			ObservedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	list, err := store.ListReadings(ctx, "u", "s", 0)
	require.NoError(t, err)
	require.Len(t, list, 10)
	assert.Equal(t, float64(trimEvery-1), list[0].Value)
	assert.Equal(t, float64(trimEvery-10), list[9].Value)
}

func TestBoltStoreAlarmConfig(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)

	_, err := store.GetAlarmConfig(ctx, "u", "s")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := &AlarmConfig{
		UserID: "u", SensorUUID: "s", SensorName: "Freezer",
		HighEnabled: true, HighThreshold: 30,
		DelaySeconds:      map[AlarmType]int64{AlarmHigh: 60},
		ReArmDelaySeconds: map[AlarmType]int64{AlarmHigh: 600},
	}
	require.NoError(t, store.SetAlarmConfig(ctx, cfg))

	got, err := store.GetAlarmConfig(ctx, "u", "s")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.True(t, got.Enabled(AlarmHigh))
	assert.False(t, got.Enabled(AlarmLow))
	assert.Equal(t, time.Minute, got.Delay(AlarmHigh))
	assert.Equal(t, 10*time.Minute, got.ReArmDelay(AlarmHigh))
	assert.Zero(t, got.Delay(AlarmNet))
}

func TestReArmDelayDefault(t *testing.T) {
	cfg := &AlarmConfig{ReArmDelaySeconds: map[AlarmType]int64{AlarmHigh: 0, AlarmLow: 120}}

	assert.Zero(t, cfg.ReArmDelay(AlarmHigh), "explicit zero is kept")
	assert.Equal(t, 2*time.Minute, cfg.ReArmDelay(AlarmLow))
	assert.Equal(t, DefaultReArmDelay, cfg.ReArmDelay(AlarmDI))
	assert.Equal(t, DefaultReArmDelay, (&AlarmConfig{}).ReArmDelay(AlarmNet))
}

func TestBoltStorePending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	high := PendingNotification{UserID: "u", SensorUUID: "s", AlarmType: AlarmHigh, CreatedAt: now, DueAt: now}

	t.Run("CreateRejectsDuplicate", func(t *testing.T) {
		require.NoError(t, store.CreatePending(ctx, high))

		dup := high
		dup.DueAt = now.Add(time.Hour)
		assert.ErrorIs(t, store.CreatePending(ctx, dup), ErrPendingExists)

		got, err := store.GetPending(ctx, high.Key())
		require.NoError(t, err)
		assert.True(t, got.DueAt.Equal(now), "the original record must survive")
	})

	t.Run("ReplaceIsAtomic", func(t *testing.T) {
		next := high
		next.DueAt = now.Add(10 * time.Minute)
		next.Rearm = true
		next.Label = AlarmHigh.RearmLabel()
		require.NoError(t, store.ReplacePending(ctx, high.Key(), &next))

		got, err := store.GetPending(ctx, high.Key())
		require.NoError(t, err)
		assert.True(t, got.Rearm)
		assert.Equal(t, "rehigh", got.Label)

		list, err := store.ListPending(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("ReplaceWithNilDeletes", func(t *testing.T) {
		require.NoError(t, store.ReplacePending(ctx, high.Key(), nil))
		_, err := store.GetPending(ctx, high.Key())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateRequiresExisting", func(t *testing.T) {
		assert.ErrorIs(t, store.UpdatePending(ctx, high), ErrNotFound)

		require.NoError(t, store.CreatePending(ctx, high))
		bumped := high
		bumped.Attempts = 2
		require.NoError(t, store.UpdatePending(ctx, bumped))

		got, err := store.GetPending(ctx, high.Key())
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempts)
		require.NoError(t, store.DeletePending(ctx, high.Key()))
	})

	t.Run("DueOrdering", func(t *testing.T) {
		records := []PendingNotification{
			{UserID: "u", SensorUUID: "a", AlarmType: AlarmLow, DueAt: now.Add(-time.Minute)},
			{UserID: "u", SensorUUID: "b", AlarmType: AlarmNet, DueAt: now.Add(-time.Hour)},
			{UserID: "u", SensorUUID: "c", AlarmType: AlarmDI, DueAt: now.Add(time.Minute)},
			{UserID: "u", SensorUUID: "d", AlarmType: AlarmHigh, DueAt: now},
		}
		for _, p := range records {
			require.NoError(t, store.CreatePending(ctx, p))
		}

		due, err := store.ListDuePending(ctx, now)
		require.NoError(t, err)
		require.Len(t, due, 3)
		assert.Equal(t, "b", due[0].SensorUUID)
		assert.Equal(t, "a", due[1].SensorUUID)
		assert.Equal(t, "d", due[2].SensorUUID)
	})
}

func TestBoltStoreConcurrentCreateKeepsOneRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	p := PendingNotification{UserID: "u", SensorUUID: "s", AlarmType: AlarmDI, DueAt: time.Now()}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.CreatePending(ctx, p); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	list, err := store.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestBoltStorePushTokens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)

	_, err := store.PushToken(ctx, "u")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetPushToken(ctx, "u", "tok-1"))
	token, err := store.PushToken(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	require.NoError(t, store.SetPushToken(ctx, "u", ""))
	_, err = store.PushToken(ctx, "u")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseAlarmType(t *testing.T) {
	for _, at := range AlarmTypes {
		got, err := ParseAlarmType(string(at))
		require.NoError(t, err)
		assert.Equal(t, at, got)
	}
	_, err := ParseAlarmType("hot")
	assert.Error(t, err)

	assert.Equal(t, "relow", AlarmLow.RearmLabel())
	assert.Equal(t, "di2", AlarmDI.RearmLabel())
	assert.Equal(t, "netError2", AlarmNet.RearmLabel())
}
