// Package medication holds the medication entity and the pure dose-time math
// every other component builds on. Nothing here touches storage or clocks;
// callers pass "now" in explicitly.
package medication

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultIntervalHours = 24
	DefaultSoundMinutes  = 1

	minRing  = time.Second
	maxRing  = 10 * time.Minute
	testRing = 5 * time.Second
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid medication")

type Medication struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	FirstDoseAt   time.Time `json:"first_dose_at"`
	IntervalHours int       `json:"interval_hours"`
	SoundMinutes  int       `json:"sound_minutes"`
	Notes         string    `json:"notes,omitempty"`
	Caregivers    []string  `json:"caregivers,omitempty"`
	Active        bool      `json:"active"`
	NextAlarmAt   time.Time `json:"next_alarm_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// New returns a medication with defaults filled in and a fresh id.
func New(name string, firstDose time.Time, now time.Time) Medication {
	return Medication{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(name),
		FirstDoseAt:   firstDose,
		IntervalHours: DefaultIntervalHours,
		SoundMinutes:  DefaultSoundMinutes,
		Active:        true,
		CreatedAt:     now,
	}
}

func (m Medication) Interval() time.Duration {
	return time.Duration(m.IntervalHours) * time.Hour
}

// NextAlarm returns the first dose instant strictly after now, or the zero
// time when the medication is inactive or has no usable interval. A first
// dose still in the future is returned as is.
func (m Medication) NextAlarm(now time.Time) time.Time {
	if !m.Active || m.IntervalHours <= 0 {
		return time.Time{}
	}
	if m.FirstDoseAt.After(now) {
		return m.FirstDoseAt
	}
	step := m.Interval()
	passed := now.Sub(m.FirstDoseAt) / step
	return m.FirstDoseAt.Add((passed + 1) * step)
}

// FrequencyText renders the interval the way the patient sees it.
func (m Medication) FrequencyText() string {
	switch {
	case m.IntervalHours < 24:
		return fmt.Sprintf("Cada %d horas", m.IntervalHours)
	case m.IntervalHours == 24:
		return "Cada día"
	default:
		return fmt.Sprintf("Cada %d días", m.IntervalHours/24)
	}
}

// SoundDuration is how long a ring lasts before it goes silent.
func (m Medication) SoundDuration(test bool) time.Duration {
	if test {
		return testRing
	}
	d := time.Duration(m.SoundMinutes) * time.Minute
	if d < minRing {
		return minRing
	}
	if d > maxRing {
		return maxRing
	}
	return d
}

func (m Medication) HasNotes() bool      { return m.Notes != "" }
func (m Medication) HasCaregivers() bool { return len(m.Caregivers) > 0 }

// Validate trims the name and checks the schedule fields.
func (m *Medication) Validate() error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if m.IntervalHours <= 0 {
		return fmt.Errorf("%w: interval must be greater than 0 hours", ErrInvalid)
	}
	if m.SoundMinutes <= 0 {
		return fmt.Errorf("%w: sound duration must be greater than 0 minutes", ErrInvalid)
	}
	return nil
}

// ParseCaregivers splits a comma-separated contact list.
func ParseCaregivers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a copy that shares no slices with m.
func (m Medication) Clone() Medication {
	if m.Caregivers != nil {
		m.Caregivers = append([]string(nil), m.Caregivers...)
	}
	return m
}
