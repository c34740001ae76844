package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"medtime/internal/medication"
	"medtime/pkg/logx"
)

// Keys. The whole list lives under a single key; events sort by their
// zero-padded nanosecond key.
const (
	badgerKeyList    = "meds:list"
	badgerKeyVersion = "meta:db_version"
	badgerPrefixEvt  = "event:"
	badgerPrefixDup  = "dedup:"
)

type badgerStore struct {
	db  *badger.DB
	log logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for badger driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerStore{db: db, log: log}, nil
}

func (s *badgerStore) get(key string) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *badgerStore) set(key string, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (s *badgerStore) LoadMedications(ctx context.Context) ([]medication.Medication, bool, error) {
	raw, ok, err := s.get(badgerKeyList)
	if err != nil || !ok {
		return nil, false, err
	}
	out := make([]medication.Medication, 0)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("decode medication list: %w", err)
	}
	return out, true, nil
}

func (s *badgerStore) SaveMedications(ctx context.Context, meds []medication.Medication) error {
	if meds == nil {
		meds = []medication.Medication{}
	}
	raw, err := json.Marshal(meds)
	if err != nil {
		return err
	}
	return s.set(badgerKeyList, raw)
}

func (s *badgerStore) SchemaVersion(ctx context.Context) (int, error) {
	raw, ok, err := s.get(badgerKeyVersion)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}

func (s *badgerStore) SetSchemaVersion(ctx context.Context, v int) error {
	return s.set(badgerKeyVersion, []byte(strconv.Itoa(v)))
}

func (s *badgerStore) Clear(ctx context.Context) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(badgerKeyList))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *badgerStore) AppendEvent(ctx context.Context, e DoseEvent) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	key := fmt.Sprintf("%s%020d:%s", badgerPrefixEvt, at.UnixNano(), e.ID)
	return s.set(key, raw)
}

func (s *badgerStore) ListEvents(ctx context.Context, medID string, limit int) ([]DoseEvent, error) {
	out := make([]DoseEvent, 0)
	prefix := []byte(badgerPrefixEvt)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks from just past the prefix range.
		for it.Seek(append(append([]byte(nil), prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			var e DoseEvent
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			if medID != "" && e.MedicationID != medID {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *badgerStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(badgerPrefixDup+key), []byte(strconv.FormatInt(until.UnixMilli(), 10))).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

func (s *badgerStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	raw, ok, err := s.get(badgerPrefixDup + key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
