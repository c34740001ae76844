// Package catalog is the medication registry: CRUD, statistics, backup
// export/import and schema migrations on top of a storage.Store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"medtime/internal/medication"
	"medtime/internal/storage"
	"medtime/pkg/logx"
)

// CurrentVersion is the schema version written after migrations run.
const CurrentVersion = 1

var ErrNotFound = errors.New("medication not found")

type Options struct {
	SeedSamples bool
	Now         func() time.Time
	Log         logx.Logger
}

// Catalog serializes every read-modify-write of the stored list.
type Catalog struct {
	mu    sync.Mutex
	store storage.Store
	seed  bool
	now   func() time.Time
	log   logx.Logger

	migrations map[int]func(ctx context.Context, meds []medication.Medication) []medication.Medication
}

type Stats struct {
	Total          int `json:"total"`
	Active         int `json:"active"`
	Inactive       int `json:"inactive"`
	WithNotes      int `json:"with_notes"`
	WithCaregivers int `json:"with_caregivers"`
}

// Open wraps store and brings its schema up to CurrentVersion.
func Open(ctx context.Context, store storage.Store, opts Options) (*Catalog, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	c := &Catalog{
		store: store,
		seed:  opts.SeedSamples,
		now:   opts.Now,
		log:   opts.Log.Component("catalog"),
		migrations: map[int]func(context.Context, []medication.Medication) []medication.Medication{
			// 0 -> 1: initial layout; fill defaults missing from older records.
			0: fillDefaults,
		},
	}
	if err := c.migrate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from, err := c.store.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if from >= CurrentVersion {
		return nil
	}

	meds, found, err := c.store.LoadMedications(ctx)
	if err != nil {
		return fmt.Errorf("load for migration: %w", err)
	}
	for v := from; v < CurrentVersion; v++ {
		if step, ok := c.migrations[v]; ok && found {
			meds = step(ctx, meds)
		}
	}
	if found {
		if err := c.store.SaveMedications(ctx, meds); err != nil {
			return fmt.Errorf("save migrated list: %w", err)
		}
	}
	if err := c.store.SetSchemaVersion(ctx, CurrentVersion); err != nil {
		return err
	}
	c.log.Info("schema migrated", logx.Int("from", from), logx.Int("to", CurrentVersion))
	return nil
}

func fillDefaults(_ context.Context, meds []medication.Medication) []medication.Medication {
	for i := range meds {
		if meds[i].IntervalHours == 0 {
			meds[i].IntervalHours = medication.DefaultIntervalHours
		}
		if meds[i].SoundMinutes == 0 {
			meds[i].SoundMinutes = medication.DefaultSoundMinutes
		}
	}
	return meds
}

// loadLocked returns the list, seeding samples when it was never written.
func (c *Catalog) loadLocked(ctx context.Context) ([]medication.Medication, error) {
	meds, found, err := c.store.LoadMedications(ctx)
	if err != nil {
		return nil, err
	}
	if found {
		return meds, nil
	}
	if !c.seed {
		return []medication.Medication{}, nil
	}
	samples := medication.Samples(c.now())
	if err := c.store.SaveMedications(ctx, samples); err != nil {
		return nil, fmt.Errorf("seed samples: %w", err)
	}
	c.log.Info("seeded sample medications", logx.Int("count", len(samples)))
	return samples, nil
}

// All returns every medication in insertion order.
func (c *Catalog) All(ctx context.Context) ([]medication.Medication, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

func (c *Catalog) Active(ctx context.Context) ([]medication.Medication, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]medication.Medication, 0, len(all))
	for _, m := range all {
		if m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Catalog) Find(ctx context.Context, id string) (medication.Medication, error) {
	all, err := c.All(ctx)
	if err != nil {
		return medication.Medication{}, err
	}
	for _, m := range all {
		if m.ID == id {
			return m, nil
		}
	}
	return medication.Medication{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Add validates m, assigns an id and creation time when missing, and appends
// it.
func (c *Catalog) Add(ctx context.Context, m medication.Medication) (medication.Medication, error) {
	if err := m.Validate(); err != nil {
		return medication.Medication{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.loadLocked(ctx)
	if err != nil {
		return medication.Medication{}, err
	}
	if m.ID == "" {
		m.ID = medication.New(m.Name, m.FirstDoseAt, c.now()).ID
	}
	for _, x := range all {
		if x.ID == m.ID {
			return medication.Medication{}, fmt.Errorf("%w: duplicate id %s", medication.ErrInvalid, m.ID)
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.now()
	}
	all = append(all, m)
	if err := c.store.SaveMedications(ctx, all); err != nil {
		return medication.Medication{}, err
	}
	return m, nil
}

// Update replaces the stored medication with the same id.
func (c *Catalog) Update(ctx context.Context, m medication.Medication) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return c.Mutate(ctx, m.ID, func(cur *medication.Medication) error {
		*cur = m
		return nil
	})
}

// Mutate applies fn to the stored medication under the catalog lock. If fn
// returns an error nothing is written.
func (c *Catalog) Mutate(ctx context.Context, id string, fn func(m *medication.Medication) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.loadLocked(ctx)
	if err != nil {
		return err
	}
	for i := range all {
		if all[i].ID != id {
			continue
		}
		next := all[i].Clone()
		if err := fn(&next); err != nil {
			return err
		}
		next.ID = id
		all[i] = next
		return c.store.SaveMedications(ctx, all)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// SetNextAlarm persists the derived next-alarm instant.
func (c *Catalog) SetNextAlarm(ctx context.Context, id string, at time.Time) error {
	return c.Mutate(ctx, id, func(m *medication.Medication) error {
		m.NextAlarmAt = at
		return nil
	})
}

func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.loadLocked(ctx)
	if err != nil {
		return err
	}
	out := all[:0]
	removed := false
	for _, m := range all {
		if m.ID == id {
			removed = true
			continue
		}
		out = append(out, m)
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.store.SaveMedications(ctx, out)
}

func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	all, err := c.All(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(all)}
	for _, m := range all {
		if m.Active {
			st.Active++
		} else {
			st.Inactive++
		}
		if m.HasNotes() {
			st.WithNotes++
		}
		if m.HasCaregivers() {
			st.WithCaregivers++
		}
	}
	return st, nil
}

// ClearAll drops the stored list. The next read seeds samples again when
// seeding is enabled.
func (c *Catalog) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Clear(ctx)
}

// Replace swaps the whole list, used by Import.
func (c *Catalog) Replace(ctx context.Context, meds []medication.Medication) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.SaveMedications(ctx, meds)
}

// Store exposes the underlying store for audit writers.
func (c *Catalog) Store() storage.Store { return c.store }
