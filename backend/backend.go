// Package backend defines the capability surface of the remote
// document store. Persistence, fan-out and the authoritative clock are
// owned by the backing service; this package only adapts them.
package backend

import (
	"context"
	"errors"
)

// Fields is the wire shape of a document write. Values of type
// ServerTimestamp are resolved to the backend's clock at write time,
// never the caller's local clock.
type Fields map[string]any

type serverTimestamp struct{}

// ServerTimestamp is an opaque sentinel accepted as a Fields value.
var ServerTimestamp = serverTimestamp{}

// Document is a raw document as delivered by a snapshot.
type Document struct {
	ID   string
	Data []byte
}

// Snapshot is a complete point-in-time listing of all documents
// matching a subscription's filter. Each snapshot replaces the
// previous one; deliveries are never deltas.
type Snapshot struct {
	Collection string
	Docs       []Document
}

// Filter restricts a subscription to documents whose Field equals
// Equals. The zero Filter matches every document.
type Filter struct {
	Field  string
	Equals string
}

// SnapshotFunc receives snapshots in delivery order.
type SnapshotFunc func(Snapshot)

// CancelFunc detaches a subscription. It is idempotent and safe to
// call after the owning scope has torn down. A delivery already in
// flight when it is called may still complete; subscribers discard it
// via their own liveness guard.
type CancelFunc func()

// Backend is the remote document store capability consumed by the
// stores. Transport and auth errors are not retried at this layer;
// the caller re-establishes subscriptions after re-authentication.
type Backend interface {
	// Subscribe opens a live query. One full snapshot is delivered on
	// open, then one per remote change.
	Subscribe(ctx context.Context, collection string, filter Filter, fn SnapshotFunc) (CancelFunc, error)

	// Create writes a new document under a generated id and returns it.
	Create(ctx context.Context, collection string, fields Fields) (string, error)

	// Put upserts the full document under the given id.
	Put(ctx context.Context, collection, id string, fields Fields) error

	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields Fields) error

	// Delete removes the document. Deleting a missing document is not
	// an error.
	Delete(ctx context.Context, collection, id string) error
}

// ErrNotFound is returned by Update when the target document does not
// exist.
var ErrNotFound = errors.New("backend: document not found")
