package storage

import (
	"context"
	"errors"
	"time"

	"medtime/internal/medication"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Path is a file path for "file" and "sqlite" and a directory for "badger".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Event kinds recorded in the audit.
const (
	EventFired   = "fired"
	EventTaken   = "taken"
	EventSnoozed = "snoozed"
	EventMissed  = "missed"
	EventAlert   = "alert"
)

// DoseEvent is one audit record. Payload carries kind-specific JSON, e.g. the
// caregiver alert body.
type DoseEvent struct {
	ID           string    `json:"id"`
	At           time.Time `json:"at"`
	MedicationID string    `json:"medication_id"`
	Medication   string    `json:"medication"`
	Kind         string    `json:"kind"`
	ScheduledAt  time.Time `json:"scheduled_at,omitempty"`
	Payload      string    `json:"payload,omitempty"`
}

// Store is the persistence API shared by all drivers.
type Store interface {
	// LoadMedications reports found=false when the list was never written
	// (or was cleared), which lets the catalog seed samples.
	LoadMedications(ctx context.Context) (meds []medication.Medication, found bool, err error)
	SaveMedications(ctx context.Context, meds []medication.Medication) error
	SchemaVersion(ctx context.Context) (int, error)
	SetSchemaVersion(ctx context.Context, v int) error
	// Clear drops the medication list. The audit and dedup state survive.
	Clear(ctx context.Context) error

	AppendEvent(ctx context.Context, e DoseEvent) error
	// ListEvents returns newest first. An empty medID matches every event;
	// limit <= 0 means no limit.
	ListEvents(ctx context.Context, medID string, limit int) ([]DoseEvent, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

func cloneMeds(in []medication.Medication) []medication.Medication {
	out := make([]medication.Medication, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// selectEvents applies the ListEvents contract to events stored oldest first.
func selectEvents(all []DoseEvent, medID string, limit int) []DoseEvent {
	out := make([]DoseEvent, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if medID != "" && all[i].MedicationID != medID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
