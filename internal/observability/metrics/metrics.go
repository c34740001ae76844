// Package metrics holds the Prometheus collectors for medtime. Every Record
// method is safe on a nil *Metrics, so components accept an optional one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medtime"

type Metrics struct {
	reg *prometheus.Registry

	alarmsArmed     *prometheus.CounterVec
	alarmsFired     *prometheus.CounterVec
	alarmsMissed    prometheus.Counter
	doses           *prometheus.CounterVec
	pendingInexact  prometheus.Gauge
	activeRings     prometheus.Gauge
	notifications   *prometheus.CounterVec
	caregiverAlerts *prometheus.CounterVec
	tasks           *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	commands        *prometheus.CounterVec
	started         prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		alarmsArmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alarms_armed_total", Help: "Alarms armed, by scheduling mode.",
		}, []string{"mode"}),
		alarmsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alarms_fired_total", Help: "Alarms fired, by kind.",
		}, []string{"kind"}),
		alarmsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alarms_missed_total", Help: "Alarms found stale on restart.",
		}),
		doses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dose_actions_total", Help: "Dose actions, taken or snoozed.",
		}, []string{"action"}),
		pendingInexact: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "alarms_pending_inexact", Help: "Alarms waiting for the inexact sweep.",
		}),
		activeRings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rings_active", Help: "Reminders currently ringing or silenced.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total", Help: "Outbound notifications by outcome.",
		}, []string{"outcome"}),
		caregiverAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "caregiver_alerts_total", Help: "Caregiver alerts recorded, by kind.",
		}, []string{"kind"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_total", Help: "Engine task runs by result.",
		}, []string{"task", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds", Help: "Engine task run time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"task"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total", Help: "Chat commands handled.",
		}, []string{"command", "result"}),
		started: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "start_time_seconds", Help: "Unix time the daemon started.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.alarmsArmed, m.alarmsFired, m.alarmsMissed, m.doses, m.pendingInexact, m.activeRings,
		m.notifications, m.caregiverAlerts, m.tasks, m.taskDuration, m.commands, m.started,
	)
	m.started.Set(float64(time.Now().Unix()))
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) AlarmArmed(mode string) {
	if m != nil {
		m.alarmsArmed.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) AlarmFired(kind string) {
	if m != nil {
		m.alarmsFired.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) AlarmMissed() {
	if m != nil {
		m.alarmsMissed.Inc()
	}
}

func (m *Metrics) DoseAction(action string) {
	if m != nil {
		m.doses.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) SetPendingInexact(n int) {
	if m != nil {
		m.pendingInexact.Set(float64(n))
	}
}

func (m *Metrics) SetActiveRings(n int) {
	if m != nil {
		m.activeRings.Set(float64(n))
	}
}

func (m *Metrics) Notification(outcome string) {
	if m != nil {
		m.notifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) CaregiverAlert(kind string) {
	if m != nil {
		m.caregiverAlerts.WithLabelValues(kind).Inc()
	}
}

// Task records one finished engine task. Per-medication task names are
// collapsed to their prefix to keep label cardinality bounded.
func (m *Metrics) Task(name string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	name = taskLabel(name)
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.tasks.WithLabelValues(name, result).Inc()
	m.taskDuration.WithLabelValues(name).Observe(dur.Seconds())
}

func (m *Metrics) Command(cmd string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(cmd, result).Inc()
}

func taskLabel(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i]
		}
	}
	return name
}
