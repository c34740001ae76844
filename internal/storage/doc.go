// Package storage persists the medication list, the dose event audit and the
// notifier dedup state.
//
// Drivers:
//   - "file":   JSON document + JSON Lines audit + dedup snapshot/journal
//   - "sqlite": modernc.org/sqlite database with embedded migrations
//   - "badger": badger key-value store (list kept as one JSON value)
//   - "memory" (or empty / "none"): process memory only
package storage
