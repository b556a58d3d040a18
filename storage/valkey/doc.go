// Package valkey provides a Valkey storage backend for the gateway.
//
// Valkey is wire-compatible with Redis. This backend lets several gateway replicas
// share in-flight flows, refresh leases and sessions, so an upstream callback can be
// resumed on a different replica than the one that started the flow.
//
// # Implemented Interfaces
//
//   - [storage.SessionStore]: sessions with generation compare-and-set and refresh leases
//   - [storage.FlowStore]: one-shot proxied flows and downstream authorization codes
//   - [storage.ClientStore]: dynamically registered clients
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcpgw:"):
//
//	{prefix}session:{id}      -> HASH{gen, data} (expires with the session)
//	{prefix}lease:{id}        -> lease token (PX lease TTL)
//	{prefix}flow:{state}      -> sealed FlowState (expires after flow expiry + retention)
//	{prefix}grant:{code}      -> sealed Grant (expires after code expiry + retention)
//	{prefix}client:{id}       -> sealed Client (no expiry, tombstoned on revoke)
//
// # Atomicity
//
// Every conditional write and every one-shot read runs as a Lua script, so the check
// and the mutation happen in one server-side step. Record values are sealed with the
// configured security.Encryptor, bound to their key.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//		Address:   "localhost:6379",
//		KeyPrefix: "mcpgw:",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package valkey
