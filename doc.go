// Package storesync provides a client-resident state-synchronization layer
// for storefront applications: a versioned entity cache kept consistent
// across optimistic local mutations, authoritative server responses, and an
// out-of-band push stream of server-originated events.
//
// # Architecture
//
// Three independent sources of truth converge on one shared structure, the
// entity cache:
//
//   - User-initiated mutations apply optimistically before the server
//     confirms them, so interactions feel instantaneous.
//   - The server's authoritative response to each mutation either confirms
//     the optimistic guess or triggers a rollback.
//   - A multiplexed push channel delivers state changes caused by other
//     actors (price drops, stock depletion, order transitions, presence,
//     live reviews) which are merged in by per-event-kind rules.
//
// Five components implement the protocol, each in its own package:
//
//   - entitycache: keyed, versioned store of query results with staleness
//     states, observer notification, and no-observer eviction.
//   - mutation: 4-phase saga coordinator (snapshot, apply, resolve, settle)
//     with per-entity FIFO serialization, rollback, and bounded undo.
//   - subscription: ref-counted topic interest tracking that drives
//     subscribe/unsubscribe control frames on the push channel.
//   - reconcile: merges inbound push events into the cache with
//     replace-field, monotonic-counter, status-transition, and idempotent
//     append rules.
//   - prefetch: opportunistic cache warming with immediate, delayed, and
//     intent-detection strategies, batched through a bounded worker pool.
//
// The engine package wires the components together behind a single
// lifecycle (Initialize, Start, Stop).
//
// # Consistency model
//
// Every write to the cache carries a version; writes with a version at or
// below the entry's current version are rejected, which makes late,
// duplicate, and out-of-order push events safe to deliver at-least-once.
// The value observed under a key at any instant is either the last
// confirmed server value merged with still-pending optimistic records in
// mutation order, or a value merged from push events at or above the last
// seen version for that key.
//
// storesync contains no rendering, persistence, payment, or transport
// implementation concerns. The push transport is a collaborator interface
// (pushchannel.Channel); an in-process implementation ships for tests.
package storesync
