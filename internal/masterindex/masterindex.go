// Package masterindex implements the LookupMasterIndex collaborator the
// Forwarder consults to resolve which region currently masters a key. Two
// implementations are provided: an in-memory map for tests and local
// development, and a durable badger-backed store for deployment.
package masterindex

import (
	"github.com/Edwardzcn/SLOG/internal/txn"
)

// LookupMasterIndex resolves a key's current master metadata. Writers
// (schedulers performing remastering) are out of scope for this repo; only
// the read path the Forwarder needs, plus enough of a write path to seed
// tests, is exposed.
type LookupMasterIndex interface {
	// GetMasterMetadata returns the stored metadata for key, and whether an
	// entry exists at all.
	GetMasterMetadata(key string) (txn.MasterMetadata, bool)
	// Put records metadata for key, overwriting any existing entry.
	Put(key string, metadata txn.MasterMetadata) error
	// Close releases any resources held by the index.
	Close() error
}
