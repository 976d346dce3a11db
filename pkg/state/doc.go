// Package state persists snapshot records outside a process.
//
// A Store loads and saves one Record per Ref{Namespace, ID}. Namespaces
// usually carry a snapshot store name, so several stores can share one
// backend. Payloads stay raw JSON; the caller owns the typed shape.
//
// Writes are guarded by ETags: Save compares the caller's Meta.ETag with the
// stored one and fails with ErrETagMismatch when they differ. ETags are
// content hashes produced by Codec, so saving identical content twice yields
// the same tag.
//
// Data flow:
//
//	Record -> Codec (compact, JSON, zstd) -> MemoryStore | sqlstore.Store
//
// The statetest package holds a contract suite shared by implementations.
package state
