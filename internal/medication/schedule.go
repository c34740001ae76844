package medication

import (
	"fmt"
	"sort"
	"time"
)

// Upcoming pairs a medication with its computed next alarm.
type Upcoming struct {
	Medication Medication `json:"medication"`
	At         time.Time  `json:"at"`
}

// UpcomingAlarms lists active medications that have a next alarm, soonest
// first. Ties keep input order.
func UpcomingAlarms(meds []Medication, now time.Time) []Upcoming {
	out := make([]Upcoming, 0, len(meds))
	for _, m := range meds {
		if !m.Active {
			continue
		}
		at := m.NextAlarm(now)
		if at.IsZero() {
			continue
		}
		out = append(out, Upcoming{Medication: m, At: at})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// FormatRemaining renders the time left until at using the two largest
// units, or "Ahora" once it is due.
func FormatRemaining(at, now time.Time) string {
	diff := at.Sub(now)
	if diff <= 0 {
		return "Ahora"
	}
	secs := int64(diff / time.Second)
	mins := secs / 60
	hours := mins / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours%24)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins%60)
	case mins > 0:
		return fmt.Sprintf("%dm", mins)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// Samples is the catalog seeded on first run.
func Samples(now time.Time) []Medication {
	ibu := New("Ibuprofeno 400mg", now.Add(-2*time.Hour), now)
	ibu.IntervalHours = 8
	ibu.SoundMinutes = 2
	ibu.Notes = "Tomar con comida para evitar malestar estomacal."
	ibu.Caregivers = []string{"mama@email.com"}

	tomorrow := now.AddDate(0, 0, 1)
	vitStart := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 9, 0, 0, 0, now.Location())
	vit := New("Vitamina D", vitStart, now)
	vit.Notes = "Tomar con el desayuno."

	out := []Medication{ibu, vit}
	for i := range out {
		out[i].NextAlarmAt = out[i].NextAlarm(now)
	}
	return out
}
