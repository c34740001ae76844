// Package scheduler triggers jobs: cron or interval schedules through
// robfig/cron, and one-shot timers keyed by name. It only triggers; every
// run is executed by the task engine.
//
// A one-shot registered again under the same name replaces the previous
// timer. Each registration carries a version so a timer that already fired
// concurrently with the replacement is discarded.
package scheduler
