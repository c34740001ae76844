package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medtime/internal/medication"
)

const (
	dateTimeLayout = "2006-01-02 15:04"
	timeLayout     = "15:04"
)

var errAddUsage = errors.New("uso: /add nombre; AAAA-MM-DD HH:MM; horas; minutos de sonido; notas; familiares")

// parseAdd reads "name; first dose; interval h; sound min; notes; caregivers".
// Only the name is required. The first dose accepts a full date-time or a
// bare HH:MM meaning today, and defaults to now.
func parseAdd(text string, now time.Time, loc *time.Location) (medication.Medication, error) {
	parts := strings.Split(text, ";")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 0 || parts[0] == "" {
		return medication.Medication{}, errAddUsage
	}
	field := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}

	first := now
	if s := field(1); s != "" {
		t, err := parseFirstDose(s, now, loc)
		if err != nil {
			return medication.Medication{}, err
		}
		first = t
	}
	m := medication.New(parts[0], first, now)
	if s := field(2); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return medication.Medication{}, fmt.Errorf("intervalo %q: debe ser un número de horas", s)
		}
		m.IntervalHours = n
	}
	if s := field(3); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return medication.Medication{}, fmt.Errorf("sonido %q: debe ser un número de minutos", s)
		}
		m.SoundMinutes = n
	}
	m.Notes = field(4)
	m.Caregivers = medication.ParseCaregivers(strings.Join(parts[min(5, len(parts)):], ","))
	if err := m.Validate(); err != nil {
		return medication.Medication{}, err
	}
	return m, nil
}

func parseFirstDose(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(dateTimeLayout, s, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(timeLayout, s, loc); err == nil {
		d := now.In(loc)
		return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("primera toma %q: usa AAAA-MM-DD HH:MM o HH:MM", s)
}
