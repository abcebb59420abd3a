// Package engine installs and runs dataflow graphs of small elements wired
// together by typed ports.
//
// # Overview
//
// A node runs exactly one Engine. Configuration blobs (see package wiring)
// arrive through HandleConfig, or Deliver from other goroutines, and are
// installed in one of two modes:
//
//   - FULL tears the running graph down and builds the new one from scratch.
//   - HOT_SWAP diffs the new graph against the running one. Elements common
//     to both keep their handle and their in-flight state; elements the new
//     graph no longer references are deregistered and their queued tokens
//     purged. A hot swap requested while any port is BUSY runs as FULL.
//
// Installs are staged: routing rows, the elements table and the saved
// wiring table are written to fresh segments that replace the previous
// ones only when the install succeeds. A failed attempt frees every
// segment it allocated, deregisters every element it spawned and reverts
// the output ports it patched.
//
// # Dispatch
//
// Elements emit through Dispatch (or Emit, which reads the group id patched
// into the output port). Every destination input port is READY or BUSY:
//
//   - READY destinations are invoked synchronously. A Pending outcome marks
//     the port BUSY.
//   - BUSY destinations get a captured copy of the token appended to their
//     element's queue. When the TokenPool is exhausted the token is dropped.
//
// Once the caller has no continuation in flight it is marked READY and its
// queue is drained: each QUEUED token whose port is READY is posted as a
// continuation task, and the port is marked BUSY before the task is posted
// so that at most one continuation per port is in flight and order within
// an element is preserved.
//
// # Parameters
//
// Parameter records are kept in a saved table. A merge carries forward the
// saved records of elements that are still registered and not mentioned by
// the update, then applies the update. ApplyParameters hands each record to
// the element's update-parameter function; failures are logged per record.
//
// # Concurrency
//
// The engine is single-owner and cooperative. Run serves requests from
// other goroutines one at a time and drains posted tasks between them.
// Dispatch is re-entrant so elements may emit from inside a call.
package engine
