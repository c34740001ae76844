package eventbus

import "time"

// Event types published by medtime components. Consumers match on Type;
// Data carries the component's own payload struct.
const (
	AlarmArmed     = "alarm.armed"
	AlarmCancelled = "alarm.cancelled"
	AlarmFired     = "alarm.fired"
	AlarmMissed    = "alarm.missed"
	AlarmDegraded  = "alarm.degraded"

	DoseTaken   = "dose.taken"
	DoseSnoozed = "dose.snoozed"

	RingStarted  = "ring.started"
	RingSilenced = "ring.silenced"
	RingResolved = "ring.resolved"

	CaregiverAlert = "caregiver.alert"

	NotifySent    = "notify.sent"
	NotifyFailed  = "notify.failed"
	NotifyDropped = "notify.dropped"
	NotifyDeduped = "notify.deduped"

	CatalogChanged = "catalog.changed"
	ConfigReloaded = "config.reloaded"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	SupervisorError = "supervisor.error"
)

// Event is a small in-process signal. Data should stay JSON-friendly so the
// HTTP debug surface can render it.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}
