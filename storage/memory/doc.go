// Package memory provides an in-memory implementation of the storage interfaces.
//
// Maps are guarded by a single RWMutex that is held only for the duration of one
// map operation, never across calls to the upstream provider. Expired flows, codes,
// sessions and leases are swept by a background loop.
//
// It is suitable for development, tests and single-replica deployments. Deployments
// running several replicas must use storage/valkey so that flows and refresh leases
// are shared.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
package memory
