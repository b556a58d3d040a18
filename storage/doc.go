// Package storage defines the persistence contracts of the gateway core: sessions with
// their token triple, in-flight proxied authorization flows, downstream authorization
// codes, and dynamically registered clients.
//
// Backends must provide per-key atomicity: one-shot consumption of flows and codes,
// compare-and-set on the session generation counter, and an exclusive refresh lease.
// No operation holds a lock spanning more than one key.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single replicas
//   - storage/bbolt: embedded single-node persistence
//   - storage/valkey: Valkey/Redis-compatible storage shared by many replicas
//   - storage/mock: function-field doubles for failure injection in tests
package storage
