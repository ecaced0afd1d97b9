// Package store holds the client-side state of a board session: local
// mirrors of server-pushed snapshots, optimistic mutations, and the
// presence heartbeat. Remote snapshots are authoritative; an optimistic
// local change survives only until the next snapshot for its
// collection arrives.
package store

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"boardsync/backend"
	"boardsync/domain"
)

// Logical collection names in the remote store.
const (
	CollectionTasks      = "tasks"
	CollectionColumns    = "columns"
	CollectionUsers      = "users"
	CollectionPresence   = "presence"
	CollectionComments   = "comments"
	CollectionActivities = "activities"
)

// Identity exposes the signed-in user to the stores.
type Identity interface {
	CurrentUser() *domain.User
}

// CleanupFunc detaches a store from its subscriptions. Idempotent and
// safe to call after the owning scope has torn down.
type CleanupFunc func()

// notifier fans out re-render notifications to registered listeners.
type notifier struct {
	mu        sync.Mutex
	seq       int
	listeners map[int]func()
}

// OnChange registers a render listener; the returned func removes it.
func (n *notifier) OnChange(fn func()) func() {
	n.mu.Lock()
	if n.listeners == nil {
		n.listeners = make(map[int]func())
	}
	n.seq++
	id := n.seq
	n.listeners[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// decodeTask decodes a task document, defaulting malformed or missing
// fields rather than failing; a broken document must never kill the
// subscriber. Missing timestamps default to the receipt-time clock.
func decodeTask(doc backend.Document, now time.Time) domain.Task {
	var t domain.Task
	_ = sonic.Unmarshal(doc.Data, &t)
	t.ID = doc.ID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	return t
}

func decodeColumn(doc backend.Document) domain.Column {
	var c domain.Column
	_ = sonic.Unmarshal(doc.Data, &c)
	c.ID = doc.ID
	c.Tasks = nil
	return c
}

func decodeUser(doc backend.Document) domain.User {
	var u domain.User
	_ = sonic.Unmarshal(doc.Data, &u)
	u.ID = doc.ID
	return u
}

func decodeComment(doc backend.Document, now time.Time) domain.Comment {
	var c domain.Comment
	_ = sonic.Unmarshal(doc.Data, &c)
	c.ID = doc.ID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	return c
}

func decodeActivity(doc backend.Document, now time.Time) domain.Activity {
	var a domain.Activity
	_ = sonic.Unmarshal(doc.Data, &a)
	a.ID = doc.ID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return a
}

func decodePresence(doc backend.Document, now time.Time) domain.Presence {
	var p domain.Presence
	_ = sonic.Unmarshal(doc.Data, &p)
	p.UserID = doc.ID
	if p.LastActive.IsZero() {
		p.LastActive = now
	}
	return p
}
