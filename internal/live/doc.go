// Package live turns committed writes into permission-tagged events and serves them to
// long-polling listeners.
//
// AddEvent resolves an event's display rows, computes who may read it, caches the rows
// and only then publishes the event on the checkpoint tracker. Listen blocks until an
// event visible to the listener exists. A single visible event whose rows are still
// cached is delivered without touching the store; anything else is re-read through a
// permission-scoped search, one batch per event type.
//
// Events that share a content room share one Permissions handle. Recomputing a room's
// permissions updates that handle in place, so events published earlier but not yet
// delivered are filtered with the latest permissions.
package live
