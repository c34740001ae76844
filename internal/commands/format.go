package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"medtime/internal/alarm"
	"medtime/internal/medication"
	"medtime/internal/storage"
)

// relMagnitudes renders relative times in Spanish, e.g. "hace 3 minutos".
var relMagnitudes = []humanize.RelTimeMagnitude{
	{D: time.Second, Format: "ahora", DivBy: time.Second},
	{D: 2 * time.Second, Format: "%s 1 segundo", DivBy: 1},
	{D: time.Minute, Format: "%s %d segundos", DivBy: time.Second},
	{D: 2 * time.Minute, Format: "%s 1 minuto", DivBy: 1},
	{D: time.Hour, Format: "%s %d minutos", DivBy: time.Minute},
	{D: 2 * time.Hour, Format: "%s 1 hora", DivBy: 1},
	{D: humanize.Day, Format: "%s %d horas", DivBy: time.Hour},
	{D: 2 * humanize.Day, Format: "%s 1 día", DivBy: 1},
	{D: humanize.Week, Format: "%s %d días", DivBy: humanize.Day},
	{D: 2 * humanize.Week, Format: "%s 1 semana", DivBy: 1},
	{D: humanize.Month, Format: "%s %d semanas", DivBy: humanize.Week},
	{D: 2 * humanize.Month, Format: "%s 1 mes", DivBy: 1},
	{D: humanize.Year, Format: "%s %d meses", DivBy: humanize.Month},
	{D: humanize.LongTime, Format: "%s mucho tiempo", DivBy: 1},
}

func relTime(then, now time.Time) string {
	return humanize.CustomRelTime(then, now, "hace", "dentro de", relMagnitudes)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func stamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("02/01 15:04")
}

func formatList(meds []medication.Medication, now time.Time, loc *time.Location) string {
	if len(meds) == 0 {
		return "No hay medicamentos. Añade uno con /add."
	}
	var b strings.Builder
	b.WriteString("💊 Medicamentos\n")
	for i, m := range meds {
		state := "activo"
		if !m.Active {
			state = "pausado"
		}
		fmt.Fprintf(&b, "\n%d. %s [%s]\n   %s · %s", i+1, m.Name, shortID(m.ID), m.FrequencyText(), state)
		if next := m.NextAlarm(now); !next.IsZero() {
			fmt.Fprintf(&b, "\n   Próxima: %s (en %s)", stamp(next, loc), medication.FormatRemaining(next, now))
		}
		if m.HasNotes() {
			b.WriteString("\n   📝 " + m.Notes)
		}
		if m.HasCaregivers() {
			b.WriteString("\n   👪 " + strings.Join(m.Caregivers, ", "))
		}
	}
	return b.String()
}

func formatUpcoming(up []medication.Upcoming, now time.Time, loc *time.Location) string {
	if len(up) == 0 {
		return "No hay alarmas próximas."
	}
	var b strings.Builder
	b.WriteString("⏰ Próximas alarmas")
	for _, u := range up {
		fmt.Fprintf(&b, "\n• %s · %s (en %s)", stamp(u.At, loc), u.Medication.Name, medication.FormatRemaining(u.At, now))
	}
	return b.String()
}

var eventLabels = map[string]string{
	storage.EventFired:   "🔔 Alarma",
	storage.EventTaken:   "✅ Tomado",
	storage.EventSnoozed: "⏰ Pospuesto",
	storage.EventMissed:  "⚠️ Perdido",
	storage.EventAlert:   "👪 Aviso a familiar",
}

func formatHistory(name string, evs []storage.DoseEvent, now time.Time, loc *time.Location) string {
	if len(evs) == 0 {
		return "Sin historial para " + name + "."
	}
	var b strings.Builder
	b.WriteString("📋 Historial de " + name)
	for _, e := range evs {
		label, ok := eventLabels[e.Kind]
		if !ok {
			label = e.Kind
		}
		fmt.Fprintf(&b, "\n• %s · %s (%s)", label, stamp(e.At, loc), relTime(e.At, now))
	}
	return b.String()
}

func armedText(a alarm.Armed, now time.Time, loc *time.Location) string {
	if a.At.IsZero() {
		return "Sin alarma programada."
	}
	s := fmt.Sprintf("Próxima: %s (en %s)", stamp(a.At, loc), medication.FormatRemaining(a.At, now))
	if a.Mode == alarm.ModeInexact {
		s += " · modo aproximado"
	}
	return s
}
