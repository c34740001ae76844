package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"medtime/internal/medication"
	"medtime/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

const (
	metaVersion = "db_version"
	metaWritten = "list_written"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY out of the picture.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) LoadMedications(ctx context.Context) ([]medication.Medication, bool, error) {
	written, err := s.getMeta(ctx, metaWritten)
	if err != nil {
		return nil, false, err
	}
	if written != "1" {
		return nil, false, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, first_dose_at, interval_hours, sound_minutes,
		notes, caregivers, active, next_alarm_at, created_at FROM medications ORDER BY position`)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	out := make([]medication.Medication, 0)
	for rows.Next() {
		var (
			m                    medication.Medication
			first, next, created int64
			caregivers           string
			active               int
		)
		if err := rows.Scan(&m.ID, &m.Name, &first, &m.IntervalHours, &m.SoundMinutes,
			&m.Notes, &caregivers, &active, &next, &created); err != nil {
			return nil, false, err
		}
		m.FirstDoseAt = fromMillis(first)
		m.NextAlarmAt = fromMillis(next)
		m.CreatedAt = fromMillis(created)
		m.Active = active != 0
		if err := json.Unmarshal([]byte(caregivers), &m.Caregivers); err != nil {
			return nil, false, fmt.Errorf("medication %s caregivers: %w", m.ID, err)
		}
		if len(m.Caregivers) == 0 {
			m.Caregivers = nil
		}
		out = append(out, m)
	}
	return out, true, rows.Err()
}

func (s *sqliteStore) SaveMedications(ctx context.Context, meds []medication.Medication) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM medications`); err != nil {
		return err
	}
	for i, m := range meds {
		caregivers, err := json.Marshal(nonNil(m.Caregivers))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO medications(id, position, name, first_dose_at, interval_hours, sound_minutes,
			 notes, caregivers, active, next_alarm_at, created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			m.ID, i, m.Name, toMillis(m.FirstDoseAt), m.IntervalHours, m.SoundMinutes,
			m.Notes, string(caregivers), boolInt(m.Active), toMillis(m.NextAlarmAt), toMillis(m.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert medication %s: %w", m.ID, err)
		}
	}
	if err := putMeta(ctx, tx, metaWritten, "1"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SchemaVersion(ctx context.Context) (int, error) {
	v, err := s.getMeta(ctx, metaVersion)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.Atoi(v)
}

func (s *sqliteStore) SetSchemaVersion(ctx context.Context, v int) error {
	return putMeta(ctx, s.db, metaVersion, strconv.Itoa(v))
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM medications`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, metaWritten); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e DoseEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dose_events(id, at, medication_id, medication, kind, scheduled_at, payload)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ID, toMillis(e.At), e.MedicationID, e.Medication, e.Kind, toMillis(e.ScheduledAt), nullStr(e.Payload),
	)
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context, medID string, limit int) ([]DoseEvent, error) {
	q := `SELECT id, at, medication_id, medication, kind, scheduled_at, payload FROM dose_events`
	var args []any
	if medID != "" {
		q += ` WHERE medication_id = ?`
		args = append(args, medID)
	}
	q += ` ORDER BY seq DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DoseEvent, 0)
	for rows.Next() {
		var (
			e             DoseEvent
			at, scheduled int64
			payload       sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.MedicationID, &e.Medication, &e.Kind, &scheduled, &payload); err != nil {
			return nil, err
		}
		e.At = fromMillis(at)
		e.ScheduledAt = fromMillis(scheduled)
		e.Payload = payload.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) getMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putMeta(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
