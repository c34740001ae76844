package alarm

import (
	"fmt"
	"strings"
	"time"

	"medtime/internal/medication"
	"medtime/internal/transport"
)

// Kind separates the regular dose schedule from one-off alarms.
type Kind string

const (
	KindRegular Kind = "regular"
	KindOneOff  Kind = "oneoff"
)

// Action is what the patient answered.
type Action string

const (
	ActionTaken  Action = "taken"
	ActionSnooze Action = "snooze"
)

const (
	callbackPrefix = "dose:"
	oneOffNotes    = "Alarma de prueba"
)

// SchedName is the scheduler key for a medication's alarm of kind k.
func SchedName(k Kind, id string) string {
	if k == KindOneOff {
		return "oneoff:" + id
	}
	return "alarm:" + id
}

// CallbackData encodes a button press as dose:<action>:<id>.
func CallbackData(a Action, id string) string {
	return callbackPrefix + string(a) + ":" + id
}

// ParseCallback decodes CallbackData. ok is false for foreign callbacks.
func ParseCallback(data string) (a Action, id string, ok bool) {
	rest, found := strings.CutPrefix(data, callbackPrefix)
	if !found {
		return "", "", false
	}
	act, id, found := strings.Cut(rest, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch Action(act) {
	case ActionTaken, ActionSnooze:
		return Action(act), id, true
	}
	return "", "", false
}

// oneOff rewrites med for presentation as a test or snoozed alarm.
func oneOff(med medication.Medication) medication.Medication {
	if med.Notes == "" {
		med.Notes = oneOffNotes
	} else {
		med.Notes = oneOffNotes + " - " + med.Notes
	}
	return med
}

func title(med medication.Medication, k Kind) string {
	if k == KindOneOff {
		return "🧪 PRUEBA: " + med.Name
	}
	return "💊 Hora de tomar: " + med.Name
}

func body(med medication.Medication) string {
	if strings.TrimSpace(med.Notes) == "" {
		return "Es hora de tu medicamento"
	}
	return "📝 " + med.Notes
}

func ringText(med medication.Medication, k Kind, at time.Time) string {
	return fmt.Sprintf("%s\n%s\n🕐 %s", title(med, k), body(med), at.Format("15:04 · 02/01/2006"))
}

func silencedText(med medication.Medication, k Kind, at time.Time) string {
	return ringText(med, k, at) + "\n🔕 Sonido detenido"
}

func keyboard(id string) transport.Keyboard {
	return transport.Keyboard{{
		{Text: "Posponer", Data: CallbackData(ActionSnooze, id)},
		{Text: "✅ Tomado", Data: CallbackData(ActionTaken, id)},
	}}
}
