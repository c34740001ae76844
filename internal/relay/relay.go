// Package relay records caregiver alerts for dose actions. Alerts stay
// local: they land in the dose audit and on the event bus, where any
// forwarding consumer can pick them up.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"medtime/internal/eventbus"
	"medtime/internal/medication"
	"medtime/internal/observability/metrics"
	"medtime/internal/storage"
	"medtime/pkg/logx"
)

// Kind is what the patient did with the reminder.
type Kind string

const (
	KindTaken   Kind = "TOMADO"
	KindSkipped Kind = "OMITIDO"
)

// ErrNoPatient means no patient identity is configured; the caller should
// continue with the local action anyway.
var ErrNoPatient = errors.New("relay: patient identity not configured")

const defaultPatientName = "El paciente"

type Patient struct {
	UID  string
	Name string
}

type Alert struct {
	PatientUID      string    `json:"paciente_uid"`
	PatientName     string    `json:"paciente_name"`
	MedicationName  string    `json:"medicamento_name"`
	MedicationNotes string    `json:"medicamento_notas"`
	EventHour       string    `json:"hora_evento"`
	Kind            Kind      `json:"tipo"`
	CreatedAt       time.Time `json:"created_at"`
	SeenByCaregiver bool      `json:"vista_por_cuidador"`
}

type Relay struct {
	patient Patient
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
}

func New(p Patient, store storage.Store, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Relay {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Relay{patient: p, store: store, bus: bus, metrics: m, log: log.Component("relay"), now: time.Now}
}

// SetPatient swaps the patient identity after a config reload.
func (r *Relay) SetPatient(p Patient) { r.patient = p }

// Build assembles the alert for med at the current time in loc.
func (r *Relay) Build(med medication.Medication, kind Kind, loc *time.Location) Alert {
	name := strings.TrimSpace(r.patient.Name)
	if name == "" {
		name = defaultPatientName
	}
	now := r.now()
	if loc != nil {
		now = now.In(loc)
	}
	return Alert{
		PatientUID:      r.patient.UID,
		PatientName:     name,
		MedicationName:  med.Name,
		MedicationNotes: med.Notes,
		EventHour:       now.Format("15:04"),
		Kind:            kind,
		CreatedAt:       now,
	}
}

// Send records a. It returns ErrNoPatient without recording anything when
// the patient uid is empty.
func (r *Relay) Send(ctx context.Context, medID string, a Alert) error {
	if strings.TrimSpace(a.PatientUID) == "" {
		r.log.Warn("caregiver alert not sent, no patient uid", logx.String("med", a.MedicationName), logx.String("kind", string(a.Kind)))
		return ErrNoPatient
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := r.store.AppendEvent(ctx, storage.DoseEvent{
		ID:           uuid.NewString(),
		At:           a.CreatedAt,
		MedicationID: medID,
		Medication:   a.MedicationName,
		Kind:         storage.EventAlert,
		Payload:      string(payload),
	}); err != nil {
		return fmt.Errorf("record caregiver alert: %w", err)
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.CaregiverAlert, Time: a.CreatedAt, Data: a})
	r.metrics.CaregiverAlert(string(a.Kind))
	r.log.Info("caregiver alert recorded", logx.String("med", a.MedicationName), logx.String("kind", string(a.Kind)), logx.String("hour", a.EventHour))
	return nil
}
