package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boardsync/backend"
	"boardsync/domain"
)

type stubWrite struct {
	op         string
	collection string
	id         string
	fields     backend.Fields
}

// stubBackend records writes and lets tests push snapshots into
// registered subscriptions.
type stubBackend struct {
	mu      sync.Mutex
	seq     int
	subs    map[string]map[int]backend.SnapshotFunc
	writes  []stubWrite
	putErr  error
	onWrite func(stubWrite)
}

func newStubBackend() *stubBackend {
	return &stubBackend{subs: make(map[string]map[int]backend.SnapshotFunc)}
}

func (b *stubBackend) Subscribe(_ context.Context, collection string, _ backend.Filter, fn backend.SnapshotFunc) (backend.CancelFunc, error) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	if b.subs[collection] == nil {
		b.subs[collection] = make(map[int]backend.SnapshotFunc)
	}
	b.subs[collection][id] = fn
	b.mu.Unlock()

	fn(backend.Snapshot{Collection: collection})

	return func() {
		b.mu.Lock()
		delete(b.subs[collection], id)
		b.mu.Unlock()
	}, nil
}

func (b *stubBackend) Create(ctx context.Context, collection string, fields backend.Fields) (string, error) {
	b.mu.Lock()
	b.seq++
	id := fmt.Sprintf("gen-%d", b.seq)
	b.mu.Unlock()
	return id, b.Put(ctx, collection, id, fields)
}

func (b *stubBackend) Put(_ context.Context, collection, id string, fields backend.Fields) error {
	b.record(stubWrite{op: "put", collection: collection, id: id, fields: fields})
	b.mu.Lock()
	err := b.putErr
	b.mu.Unlock()
	return err
}

func (b *stubBackend) Update(_ context.Context, collection, id string, fields backend.Fields) error {
	b.record(stubWrite{op: "update", collection: collection, id: id, fields: fields})
	return nil
}

func (b *stubBackend) Delete(_ context.Context, collection, id string) error {
	b.record(stubWrite{op: "delete", collection: collection, id: id})
	return nil
}

func (b *stubBackend) record(w stubWrite) {
	b.mu.Lock()
	b.writes = append(b.writes, w)
	hook := b.onWrite
	b.mu.Unlock()
	if hook != nil {
		hook(w)
	}
}

// push delivers a full snapshot of a collection to every subscription.
func (b *stubBackend) push(collection string, docs ...backend.Document) {
	b.mu.Lock()
	fns := make([]backend.SnapshotFunc, 0, len(b.subs[collection]))
	for _, fn := range b.subs[collection] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(backend.Snapshot{Collection: collection, Docs: docs})
	}
}

func (b *stubBackend) writesTo(collection string) []stubWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []stubWrite
	for _, w := range b.writes {
		if w.collection == collection {
			out = append(out, w)
		}
	}
	return out
}

func mustDoc(t *testing.T, id string, v any) backend.Document {
	t.Helper()
	data, err := sonic.Marshal(v)
	if err != nil {
		t.Fatalf("marshal doc %s: %v", id, err)
	}
	return backend.Document{ID: id, Data: data}
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestSync(t *testing.T) (*Sync, *stubBackend, CleanupFunc) {
	t.Helper()
	b := newStubBackend()
	s := NewSync(b, NewBoard(), quietLogger())
	cleanup, err := s.Start(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(cleanup)
	return s, b, cleanup
}

func pushTestColumns(b *stubBackend, t *testing.T) {
	t.Helper()
	b.push(CollectionColumns,
		mustDoc(t, "col-todo", domain.Column{BoardID: "board-1", Title: "To Do", Position: 0}),
		mustDoc(t, "col-doing", domain.Column{BoardID: "board-1", Title: "In Progress", Position: 1}),
	)
}

func TestSnapshotReplacesLocalState(t *testing.T) {
	s, b, _ := newTestSync(t)
	pushTestColumns(b, t)

	b.push(CollectionTasks,
		mustDoc(t, "task-1", domain.Task{BoardID: "board-1", ColumnID: "col-todo", Title: "First"}),
		mustDoc(t, "task-2", domain.Task{BoardID: "board-1", ColumnID: "col-todo", Title: "Second"}),
	)
	if got := len(s.Tasks()); got != 2 {
		t.Fatalf("after first snapshot: %d tasks, want 2", got)
	}

	// An optimistic creation lives only until the next snapshot; the
	// snapshot is the full authoritative state, not a delta.
	if _, err := s.CreateTask(context.Background(), domain.Task{Title: "Local only"}, "col-todo"); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if got := len(s.Tasks()); got != 3 {
		t.Fatalf("after optimistic create: %d tasks, want 3", got)
	}

	b.push(CollectionTasks,
		mustDoc(t, "task-2", domain.Task{BoardID: "board-1", ColumnID: "col-todo", Title: "Second"}),
	)
	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].ID != "task-2" {
		t.Fatalf("snapshot did not replace local state: %+v", tasks)
	}
}

func TestRecomposeOrdersColumnsAndTasks(t *testing.T) {
	s, b, _ := newTestSync(t)

	b.push(CollectionColumns,
		mustDoc(t, "col-b", domain.Column{BoardID: "board-1", Title: "Second", Position: 1}),
		mustDoc(t, "col-a", domain.Column{BoardID: "board-1", Title: "First", Position: 0}),
	)
	older := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	b.push(CollectionTasks,
		mustDoc(t, "task-new", domain.Task{ColumnID: "col-a", Title: "Newer", CreatedAt: newer, UpdatedAt: newer}),
		mustDoc(t, "task-old", domain.Task{ColumnID: "col-a", Title: "Older", CreatedAt: older, UpdatedAt: older}),
	)

	board := s.BoardStore().Board()
	if board == nil {
		t.Fatal("no board composed")
	}
	if board.Columns[0].ID != "col-a" || board.Columns[1].ID != "col-b" {
		t.Fatalf("columns out of position order: %s, %s", board.Columns[0].ID, board.Columns[1].ID)
	}
	first := board.Columns[0]
	if len(first.Tasks) != 2 || first.Tasks[0].ID != "task-old" || first.Tasks[1].ID != "task-new" {
		t.Fatalf("tasks out of creation order: %+v", first.Tasks)
	}
}

func TestCleanupDiscardsLaterDeliveries(t *testing.T) {
	s, b, cleanup := newTestSync(t)

	b.push(CollectionTasks, mustDoc(t, "task-1", domain.Task{ColumnID: "col-todo", Title: "First"}))
	if len(s.Tasks()) != 1 {
		t.Fatal("snapshot before cleanup not applied")
	}

	cleanup()
	cleanup() // idempotent

	b.push(CollectionTasks,
		mustDoc(t, "task-1", domain.Task{ColumnID: "col-todo", Title: "First"}),
		mustDoc(t, "task-2", domain.Task{ColumnID: "col-todo", Title: "Second"}),
	)
	if got := len(s.Tasks()); got != 1 {
		t.Fatalf("snapshot applied after cleanup: %d tasks, want 1", got)
	}
}

func TestMutationsApplyLocallyBeforeRemoteWrite(t *testing.T) {
	s, b, _ := newTestSync(t)
	pushTestColumns(b, t)

	var sawLocal bool
	b.onWrite = func(w stubWrite) {
		if w.collection != CollectionTasks {
			return
		}
		for _, task := range s.Tasks() {
			if task.ID == w.id {
				sawLocal = true
			}
		}
	}

	id, err := s.CreateTask(context.Background(), domain.Task{Title: "Check ordering"}, "col-todo")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if id == "" {
		t.Fatal("no id returned")
	}
	if !sawLocal {
		t.Fatal("remote write issued before the local state held the task")
	}
}

func TestCreateTaskKeepsLocalStateOnRemoteFailure(t *testing.T) {
	s, b, _ := newTestSync(t)
	pushTestColumns(b, t)
	b.putErr = errors.New("backend unavailable")

	id, err := s.CreateTask(context.Background(), domain.Task{Title: "Offline create"}, "col-todo")
	if err == nil {
		t.Fatal("expected remote write error")
	}
	if id == "" {
		t.Fatal("id not returned alongside the write error")
	}
	// No rollback: the optimistic task stays until the next snapshot.
	found := false
	for _, task := range s.Tasks() {
		if task.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("failed remote write rolled back the local task")
	}
}

func TestCreateTaskStampsColumnOwnership(t *testing.T) {
	s, b, _ := newTestSync(t)
	pushTestColumns(b, t)

	id, err := s.CreateTask(context.Background(), domain.Task{Title: "New work"}, "col-doing")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	writes := b.writesTo(CollectionTasks)
	if len(writes) != 1 {
		t.Fatalf("%d task writes, want 1", len(writes))
	}
	w := writes[0]
	if w.op != "put" || w.id != id {
		t.Fatalf("unexpected write %+v", w)
	}
	if w.fields["boardId"] != "board-1" || w.fields["columnId"] != "col-doing" || w.fields["status"] != "In Progress" {
		t.Fatalf("ownership fields wrong: %+v", w.fields)
	}
	if w.fields["createdAt"] != backend.ServerTimestamp || w.fields["updatedAt"] != backend.ServerTimestamp {
		t.Fatal("timestamps are not server-stamped")
	}
}

func TestMoveTaskWritesColumnAndStatus(t *testing.T) {
	s, b, _ := newTestSync(t)
	pushTestColumns(b, t)
	b.push(CollectionTasks, mustDoc(t, "task-1", domain.Task{ColumnID: "col-todo", Title: "First", Status: "To Do"}))

	if err := s.MoveTask(context.Background(), "task-1", "col-todo", "col-doing"); err != nil {
		t.Fatalf("MoveTask failed: %v", err)
	}
	writes := b.writesTo(CollectionTasks)
	if len(writes) != 1 {
		t.Fatalf("%d task writes, want 1", len(writes))
	}
	w := writes[0]
	if w.op != "update" || w.fields["columnId"] != "col-doing" || w.fields["status"] != "In Progress" {
		t.Fatalf("unexpected move write: %+v", w)
	}
}

func TestMoveTaskSameColumnWritesNothing(t *testing.T) {
	s, b, _ := newTestSync(t)
	pushTestColumns(b, t)
	b.push(CollectionTasks, mustDoc(t, "task-1", domain.Task{ColumnID: "col-todo", Title: "First"}))

	if err := s.MoveTask(context.Background(), "task-1", "col-todo", "col-todo"); err != nil {
		t.Fatalf("same-column move returned error: %v", err)
	}
	if writes := b.writesTo(CollectionTasks); len(writes) != 0 {
		t.Fatalf("same-column move issued %d remote writes", len(writes))
	}
}

func TestToggleTagWritesResultingTagSet(t *testing.T) {
	s, b, _ := newTestSync(t)
	pushTestColumns(b, t)
	b.push(CollectionTasks, mustDoc(t, "task-1", domain.Task{
		ColumnID: "col-todo",
		Title:    "First",
		Tags:     []domain.Tag{{ID: "tag-bug", Name: "bug"}},
	}))

	urgent := domain.Tag{ID: "tag-urgent", Name: "urgent"}
	if err := s.ToggleTag(context.Background(), "task-1", urgent); err != nil {
		t.Fatalf("ToggleTag failed: %v", err)
	}
	writes := b.writesTo(CollectionTasks)
	if len(writes) != 1 {
		t.Fatalf("%d task writes, want 1", len(writes))
	}
	tags, ok := writes[0].fields["tags"].([]domain.Tag)
	if !ok || len(tags) != 2 {
		t.Fatalf("tag set not written in full: %+v", writes[0].fields["tags"])
	}

	// Toggling the same tag again removes it.
	if err := s.ToggleTag(context.Background(), "task-1", urgent); err != nil {
		t.Fatalf("second ToggleTag failed: %v", err)
	}
	writes = b.writesTo(CollectionTasks)
	tags, ok = writes[1].fields["tags"].([]domain.Tag)
	if !ok || len(tags) != 1 || tags[0].ID != "tag-bug" {
		t.Fatalf("second toggle did not remove the tag: %+v", writes[1].fields["tags"])
	}
}

func TestDeleteTaskRemovesLocallyAndRemotely(t *testing.T) {
	s, b, _ := newTestSync(t)
	pushTestColumns(b, t)
	b.push(CollectionTasks, mustDoc(t, "task-1", domain.Task{ColumnID: "col-todo", Title: "First"}))

	if err := s.DeleteTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if len(s.Tasks()) != 0 {
		t.Fatal("task still present locally after delete")
	}
	writes := b.writesTo(CollectionTasks)
	if len(writes) != 1 || writes[0].op != "delete" || writes[0].id != "task-1" {
		t.Fatalf("unexpected delete writes: %+v", writes)
	}
}

func TestUpdateTaskUnknownID(t *testing.T) {
	s, b, _ := newTestSync(t)
	pushTestColumns(b, t)

	title := "nope"
	err := s.UpdateTask(context.Background(), "task-missing", TaskPatch{Title: &title})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("got %v, want ErrTaskNotFound", err)
	}
	if writes := b.writesTo(CollectionTasks); len(writes) != 0 {
		t.Fatal("remote write issued for unknown task")
	}
}
