// Package cache holds the in-memory state that lets chat requests skip work:
// a bounded, expiring response cache and a single-slot file session bundle
// keyed by a fingerprint of the uploaded documents.
//
// Neither structure is persisted. Both are invalidated whenever the uploaded
// document list changes.
package cache
