// Package store persists process records: the state and data of every
// process, keyed by agent type and process id.
//
// Invariants:
// - A state/data pair is always written together.
// - Listings are ordered most recently touched first.
// - Create runs the create hook before writing; a hook failure writes nothing.
// - Delete runs the delete hook and removes the record even if the hook fails.
//
// Usage:
//
//	backend, _ := store.OpenSQLite(filepath.Join(dataDir, "procd.db"))
//	s := store.New(store.Options{Backend: backend, Hooks: runner, Logger: log})
//	p, _ := s.Create(ctx, "HelloWorld", id)
//	_, _ = s.Update(ctx, "HelloWorld", id, "terminated", "Hello, world!")
package store
