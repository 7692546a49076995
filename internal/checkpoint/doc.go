// Package checkpoint provides an in-memory, named append log with long-poll reads.
//
// Each stream assigns strictly increasing ids (SessionBase + n*IDIncrement) and keeps
// a bounded window of entries. Writers wake every waiter of their own stream and no
// other. Entries older than CleanAge are pruned every CleanFrequency writes; readers
// whose position predates the window get ErrExpiredCheckpoint and must resync.
package checkpoint
