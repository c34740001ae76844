package medication

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func TestNextAlarm(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		active   bool
		interval int
		first    time.Time
		now      time.Time
		want     time.Time
	}{
		{"inactive", false, 8, base, base.Add(time.Hour), time.Time{}},
		{"zero interval", true, 0, base, base.Add(time.Hour), time.Time{}},
		{"negative interval", true, -4, base, base.Add(time.Hour), time.Time{}},
		{"first dose in future", true, 8, base.Add(3 * time.Hour), base, base.Add(3 * time.Hour)},
		{"within first interval", true, 8, base, base.Add(time.Hour), base.Add(8 * time.Hour)},
		{"exact on dose instant moves to following", true, 8, base, base.Add(16 * time.Hour), base.Add(24 * time.Hour)},
		{"at first dose", true, 8, base, base, base.Add(8 * time.Hour)},
		{"many intervals later", true, 24, base, base.Add(72*time.Hour + time.Minute), base.Add(96 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := Medication{Active: tc.active, IntervalHours: tc.interval, FirstDoseAt: tc.first}
			assert.True(t, tc.want.Equal(m.NextAlarm(tc.now)), "got %v want %v", m.NextAlarm(tc.now), tc.want)
		})
	}
}

func TestNextAlarmIsAlwaysAfterNow(t *testing.T) {
	t.Parallel()

	m := Medication{Active: true, IntervalHours: 6, FirstDoseAt: base}
	for i := 0; i < 200; i++ {
		now := base.Add(time.Duration(i) * 17 * time.Minute)
		next := m.NextAlarm(now)
		require.True(t, next.After(now), "now=%v next=%v", now, next)
		require.LessOrEqual(t, next.Sub(now), m.Interval())
	}
}

func TestFrequencyText(t *testing.T) {
	t.Parallel()

	cases := map[int]string{1: "Cada 1 horas", 8: "Cada 8 horas", 24: "Cada día", 48: "Cada 2 días", 36: "Cada 1 días"}
	for h, want := range cases {
		assert.Equal(t, want, Medication{IntervalHours: h}.FrequencyText())
	}
}

func TestSoundDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Second, Medication{SoundMinutes: 3}.SoundDuration(true))
	assert.Equal(t, 3*time.Minute, Medication{SoundMinutes: 3}.SoundDuration(false))
	assert.Equal(t, time.Second, Medication{SoundMinutes: 0}.SoundDuration(false))
	assert.Equal(t, 10*time.Minute, Medication{SoundMinutes: 45}.SoundDuration(false))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := New("  Aspirina ", base, base)
	require.NoError(t, ok.Validate())
	assert.Equal(t, "Aspirina", ok.Name)

	for _, bad := range []Medication{
		{Name: "   ", IntervalHours: 8, SoundMinutes: 1},
		{Name: "x", IntervalHours: 0, SoundMinutes: 1},
		{Name: "x", IntervalHours: 8, SoundMinutes: 0},
	} {
		err := bad.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalid))
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	m := New("Vitamina C", base, base)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, DefaultIntervalHours, m.IntervalHours)
	assert.Equal(t, DefaultSoundMinutes, m.SoundMinutes)
	assert.True(t, m.Active)
	assert.NotEqual(t, m.ID, New("Vitamina C", base, base).ID)
}

func TestParseCaregivers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a@x.com", "b@y.com"}, ParseCaregivers(" a@x.com, ,b@y.com ,"))
	assert.Empty(t, ParseCaregivers(""))
}

func TestCloneDoesNotShareCaregivers(t *testing.T) {
	t.Parallel()

	m := Medication{Caregivers: []string{"a"}}
	c := m.Clone()
	c.Caregivers[0] = "b"
	assert.Equal(t, "a", m.Caregivers[0])
}
