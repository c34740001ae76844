// Package alarm turns the medication catalog into reminders.
//
// The Planner decides when: it arms one exact timer per active medication
// through the scheduler, falling back to a pending list drained by a cron
// sweep when exact timers are disabled or cannot be armed. Firing a regular
// alarm always re-arms the next dose. One-off alarms (tests and snoozes)
// never touch the regular schedule.
//
// The Ringer decides how: each fire becomes a chat message with "Posponer"
// and "Tomado" buttons that goes silent after the medication's sound
// duration and is rewritten once the patient acts.
package alarm
