// Package storage persists chat bindings and the delivery log.
//
// Drivers:
//   - "memory": process-local maps (tests, single-shot CLI runs)
//   - "file": JSON Lines journals, no external dependencies
//   - "sqlite": modernc.org/sqlite, pure Go
//
// Every driver enforces one binding per phone number. CreateBindingIfAbsent
// is atomic: concurrent calls for the same phone yield exactly one record.
package storage
