package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"medtime/internal/medication"
)

var ErrNoMedications = errors.New("backup has no medication list")

// Backup is the export document.
type Backup struct {
	Version     int                     `json:"version"`
	ExportedAt  time.Time               `json:"exported_at"`
	Medications []medication.Medication `json:"medications"`
}

// backupIn accepts both the native export and the legacy mobile backup, which
// uses Spanish keys and epoch-millisecond timestamps.
type backupIn struct {
	Version     int               `json:"version"`
	Medications []json.RawMessage `json:"medications"`
	Legacy      []legacyMed       `json:"medicamentos"`
}

type legacyMed struct {
	ID           *string  `json:"id"`
	Nombre       *string  `json:"nombre"`
	PrimeraToma  *float64 `json:"fechaHoraPrimeraToma"`
	Frecuencia   *float64 `json:"frecuenciaHoras"`
	DuracionSon  *float64 `json:"duracionSonidoMinutos"`
	Notas        *string  `json:"notas"`
	Familiares   []any    `json:"familiares"`
	Activo       *bool    `json:"activo"`
	ProximaAlarm *float64 `json:"proximaAlarma"`
	Creacion     *float64 `json:"fechaCreacion"`
}

// Export renders the whole catalog as indented JSON.
func (c *Catalog) Export(ctx context.Context) ([]byte, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(Backup{
		Version:     CurrentVersion,
		ExportedAt:  c.now().UTC(),
		Medications: all,
	}, "", "  ")
}

// Import parses data and replaces the catalog with its medications. Missing
// fields fall back to the model defaults, as a fresh record would. A record
// that fails validation rejects the whole backup with medication.ErrInvalid.
func (c *Catalog) Import(ctx context.Context, data []byte) ([]medication.Medication, error) {
	meds, err := c.parseBackup(data)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(meds))
	for i := range meds {
		if seen[meds[i].ID] {
			meds[i].ID = uuid.NewString()
		}
		seen[meds[i].ID] = true
	}
	if err := c.Replace(ctx, meds); err != nil {
		return nil, err
	}
	c.log.Info("catalog imported")
	return meds, nil
}

func (c *Catalog) parseBackup(data []byte) ([]medication.Medication, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoMedications
	}
	var in backupIn
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	now := c.now()

	switch {
	case in.Medications != nil:
		out := make([]medication.Medication, 0, len(in.Medications))
		for i, raw := range in.Medications {
			m := medication.New("", now, now)
			m.Active = true
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("medication %d: %w", i, err)
			}
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			if err := m.Validate(); err != nil {
				return nil, fmt.Errorf("medication %d: %w", i, err)
			}
			out = append(out, m)
		}
		return out, nil
	case in.Legacy != nil:
		out := make([]medication.Medication, 0, len(in.Legacy))
		for i, l := range in.Legacy {
			m := l.toMedication(now)
			if err := m.Validate(); err != nil {
				return nil, fmt.Errorf("medicamento %d: %w", i, err)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, ErrNoMedications
	}
}

func (l legacyMed) toMedication(now time.Time) medication.Medication {
	m := medication.New("", now, now)
	if l.ID != nil && *l.ID != "" {
		m.ID = *l.ID
	}
	if l.Nombre != nil {
		m.Name = strings.TrimSpace(*l.Nombre)
	}
	if l.PrimeraToma != nil {
		m.FirstDoseAt = time.UnixMilli(int64(*l.PrimeraToma))
	}
	if l.Frecuencia != nil {
		m.IntervalHours = int(*l.Frecuencia)
	}
	if l.DuracionSon != nil {
		m.SoundMinutes = int(*l.DuracionSon)
	}
	if l.Notas != nil {
		m.Notes = *l.Notas
	}
	for _, f := range l.Familiares {
		m.Caregivers = append(m.Caregivers, fmt.Sprint(f))
	}
	if l.Activo != nil {
		m.Active = *l.Activo
	}
	if l.ProximaAlarm != nil && *l.ProximaAlarm > 0 {
		m.NextAlarmAt = time.UnixMilli(int64(*l.ProximaAlarm))
	}
	if l.Creacion != nil {
		m.CreatedAt = time.UnixMilli(int64(*l.Creacion))
	}
	return m
}
