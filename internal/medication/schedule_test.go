package medication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpcomingAlarms(t *testing.T) {
	t.Parallel()

	now := base
	meds := []Medication{
		{ID: "late", Active: true, IntervalHours: 24, FirstDoseAt: now.Add(5 * time.Hour)},
		{ID: "off", Active: false, IntervalHours: 8, FirstDoseAt: now.Add(time.Hour)},
		{ID: "soon", Active: true, IntervalHours: 8, FirstDoseAt: now.Add(-7 * time.Hour)},
		{ID: "broken", Active: true, IntervalHours: 0, FirstDoseAt: now},
	}
	got := UpcomingAlarms(meds, now)
	require.Len(t, got, 2)
	assert.Equal(t, "soon", got[0].Medication.ID)
	assert.True(t, got[0].At.Equal(now.Add(time.Hour)))
	assert.Equal(t, "late", got[1].Medication.ID)
}

func TestFormatRemaining(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    time.Duration
		want string
	}{
		{-time.Minute, "Ahora"},
		{0, "Ahora"},
		{45 * time.Second, "45s"},
		{3*time.Minute + 10*time.Second, "3m"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{26 * time.Hour, "1d 2h"},
		{49*time.Hour + 59*time.Minute, "2d 1h"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatRemaining(base.Add(tc.d), base), "d=%v", tc.d)
	}
}

func TestSamples(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
	got := Samples(now)
	require.Len(t, got, 2)

	ibu, vit := got[0], got[1]
	assert.Equal(t, "Ibuprofeno 400mg", ibu.Name)
	assert.Equal(t, 8, ibu.IntervalHours)
	assert.Equal(t, 2, ibu.SoundMinutes)
	assert.Equal(t, []string{"mama@email.com"}, ibu.Caregivers)
	assert.True(t, ibu.NextAlarmAt.Equal(now.Add(6*time.Hour)))

	assert.Equal(t, "Vitamina D", vit.Name)
	assert.Equal(t, 24, vit.IntervalHours)
	assert.True(t, vit.FirstDoseAt.Equal(time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)))
	assert.True(t, vit.NextAlarmAt.Equal(vit.FirstDoseAt))
	assert.Empty(t, vit.Caregivers)
}
