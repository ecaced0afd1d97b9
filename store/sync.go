package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/backend"
	"boardsync/domain"
)

// Sync mirrors the remote task, column and user collections of one
// board and feeds the composed result into a Board store. It is also
// the mutation gateway: every operation applies locally first, then
// issues the remote write. A failed write is never rolled back; the
// next snapshot for the collection reconciles any divergence.
type Sync struct {
	backend backend.Backend
	board   *Board
	logger  *log.Logger
	notifier

	mu      sync.Mutex
	boardID string
	tasks   []domain.Task
	columns []domain.Column
	users   []domain.User
}

// NewSync creates a sync store feeding the given board store.
func NewSync(b backend.Backend, board *Board, logger *log.Logger) *Sync {
	if b == nil {
		panic("store.NewSync: backend is nil")
	}
	if board == nil {
		board = NewBoard()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Sync{backend: b, board: board, logger: logger}
}

// BoardStore returns the board store this sync feeds.
func (s *Sync) BoardStore() *Board {
	return s.board
}

// Board returns a copy of the composed containment view.
func (s *Sync) Board() *domain.Board {
	return s.board.Board()
}

// Tasks returns a copy of the mirrored task slice.
func (s *Sync) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, len(s.tasks))
	for i := range s.tasks {
		out[i] = cloneTask(s.tasks[i])
	}
	return out
}

// Columns returns a copy of the mirrored column slice.
func (s *Sync) Columns() []domain.Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Column(nil), s.columns...)
}

// Users returns a copy of the mirrored user slice.
func (s *Sync) Users() []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.User(nil), s.users...)
}

// Start opens one live query per collection, scoped to the board. The
// returned cleanup detaches all of them, is idempotent, and discards
// any delivery still in flight when it is called.
func (s *Sync) Start(ctx context.Context, boardID string) (CleanupFunc, error) {
	s.mu.Lock()
	s.boardID = boardID
	s.mu.Unlock()

	var live atomic.Bool
	live.Store(true)

	var cancels []backend.CancelFunc
	cleanupPartial := func() {
		live.Store(false)
		for _, c := range cancels {
			c()
		}
	}

	subscribe := func(collection string, filter backend.Filter, apply func(backend.Snapshot)) error {
		cancel, err := s.backend.Subscribe(ctx, collection, filter, func(snap backend.Snapshot) {
			if !live.Load() {
				return
			}
			apply(snap)
		})
		if err != nil {
			return err
		}
		cancels = append(cancels, cancel)
		return nil
	}

	byBoard := backend.Filter{Field: "boardId", Equals: boardID}
	if err := subscribe(CollectionTasks, byBoard, s.applyTasks); err != nil {
		cleanupPartial()
		return nil, err
	}
	if err := subscribe(CollectionColumns, byBoard, s.applyColumns); err != nil {
		cleanupPartial()
		return nil, err
	}
	if err := subscribe(CollectionUsers, backend.Filter{}, s.applyUsers); err != nil {
		cleanupPartial()
		return nil, err
	}

	var once sync.Once
	cleanup := func() {
		once.Do(cleanupPartial)
	}
	return cleanup, nil
}

func (s *Sync) applyTasks(snap backend.Snapshot) {
	m, _ := newOpMetrics(context.Background(), s.logger, "snapshot.apply", snap.Collection)
	now := time.Now()
	tasks := make([]domain.Task, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		tasks = append(tasks, decodeTask(doc, now))
	}
	s.mu.Lock()
	s.tasks = tasks
	s.recompose()
	s.mu.Unlock()
	m.SetDocCount(len(tasks))
	m.Log(nil)
	s.notify()
}

func (s *Sync) applyColumns(snap backend.Snapshot) {
	m, _ := newOpMetrics(context.Background(), s.logger, "snapshot.apply", snap.Collection)
	columns := make([]domain.Column, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		columns = append(columns, decodeColumn(doc))
	}
	s.mu.Lock()
	s.columns = columns
	s.recompose()
	s.mu.Unlock()
	m.SetDocCount(len(columns))
	m.Log(nil)
	s.notify()
}

func (s *Sync) applyUsers(snap backend.Snapshot) {
	m, _ := newOpMetrics(context.Background(), s.logger, "snapshot.apply", snap.Collection)
	users := make([]domain.User, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		users = append(users, decodeUser(doc))
	}
	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	m.SetDocCount(len(users))
	m.Log(nil)
	s.notify()
}

// recompose rebuilds the containment view from the flat mirrors and
// pushes it into the board store. Must be called with the lock held.
func (s *Sync) recompose() {
	title := ""
	if cur := s.board.Board(); cur != nil {
		title = cur.Title
	}

	columns := make([]domain.Column, len(s.columns))
	copy(columns, s.columns)
	sort.SliceStable(columns, func(i, j int) bool {
		if columns[i].Position != columns[j].Position {
			return columns[i].Position < columns[j].Position
		}
		return columns[i].ID < columns[j].ID
	})

	for i := range columns {
		col := &columns[i]
		col.Tasks = nil
		for _, t := range s.tasks {
			if t.ColumnID == col.ID {
				col.Tasks = append(col.Tasks, cloneTask(t))
			}
		}
		sort.SliceStable(col.Tasks, func(a, b int) bool {
			ta, tb := col.Tasks[a], col.Tasks[b]
			if !ta.CreatedAt.Equal(tb.CreatedAt) {
				return ta.CreatedAt.Before(tb.CreatedAt)
			}
			return ta.ID < tb.ID
		})
	}

	s.board.SetBoard(&domain.Board{ID: s.boardID, Title: title, Columns: columns})
}

// CreateTask applies the new task locally, then writes it remotely
// with server-stamped timestamps. The generated id is returned even
// when the remote write fails.
func (s *Sync) CreateTask(ctx context.Context, task domain.Task, columnID string) (string, error) {
	m, ctx := newOpMetrics(ctx, s.logger, "task.create", CollectionTasks)
	var err error
	defer func() { m.Log(err) }()

	if task.Title == "" {
		m.SetErrorStage("validate")
		err = ErrEmptyTitle
		return "", err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	localStart := time.Now()
	s.mu.Lock()
	task.BoardID = s.boardID
	task.ColumnID = columnID
	for i := range s.columns {
		if s.columns[i].ID == columnID {
			task.Status = s.columns[i].Title
			break
		}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.UpdatedAt = task.CreatedAt
	s.tasks = append(s.tasks, cloneTask(task))
	s.recompose()
	s.mu.Unlock()
	m.ObserveLocal(time.Since(localStart))
	s.notify()

	remoteStart := time.Now()
	err = s.backend.Put(ctx, CollectionTasks, task.ID, taskFields(task))
	m.ObserveRemote(time.Since(remoteStart))
	if err != nil {
		m.SetErrorStage("remote_write")
	}
	return task.ID, err
}

// UpdateTask patches the task locally, then merges the changed fields
// remotely.
func (s *Sync) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) error {
	m, ctx := newOpMetrics(ctx, s.logger, "task.update", CollectionTasks)
	var err error
	defer func() { m.Log(err) }()

	localStart := time.Now()
	s.mu.Lock()
	found := false
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			applyTaskPatch(&s.tasks[i], patch)
			s.tasks[i].UpdatedAt = time.Now()
			found = true
			break
		}
	}
	if found {
		s.recompose()
	}
	s.mu.Unlock()
	m.ObserveLocal(time.Since(localStart))
	if !found {
		m.SetErrorStage("local_apply")
		err = ErrTaskNotFound
		return err
	}
	s.notify()

	remoteStart := time.Now()
	err = s.backend.Update(ctx, CollectionTasks, taskID, patchFields(patch))
	m.ObserveRemote(time.Since(remoteStart))
	if err != nil {
		m.SetErrorStage("remote_write")
	}
	return err
}

// MoveTask reassigns the task to the target column. The local
// transition is atomic: the task leaves the source list, joins the
// target list and changes status in one step. Source equal to target
// is a no-op, local and remote.
func (s *Sync) MoveTask(ctx context.Context, taskID, sourceColumnID, targetColumnID string) error {
	if sourceColumnID == targetColumnID {
		return nil
	}
	m, ctx := newOpMetrics(ctx, s.logger, "task.move", CollectionTasks)
	var err error
	defer func() { m.Log(err) }()

	localStart := time.Now()
	s.mu.Lock()
	var status string
	for i := range s.columns {
		if s.columns[i].ID == targetColumnID {
			status = s.columns[i].Title
			break
		}
	}
	found := false
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			s.tasks[i].ColumnID = targetColumnID
			if status != "" {
				s.tasks[i].Status = status
			}
			s.tasks[i].UpdatedAt = time.Now()
			status = s.tasks[i].Status
			found = true
			break
		}
	}
	if found {
		s.recompose()
	}
	s.mu.Unlock()
	m.ObserveLocal(time.Since(localStart))
	if !found {
		m.SetErrorStage("local_apply")
		err = ErrTaskNotFound
		return err
	}
	s.notify()

	remoteStart := time.Now()
	err = s.backend.Update(ctx, CollectionTasks, taskID, backend.Fields{
		"columnId":  targetColumnID,
		"status":    status,
		"updatedAt": backend.ServerTimestamp,
	})
	m.ObserveRemote(time.Since(remoteStart))
	if err != nil {
		m.SetErrorStage("remote_write")
	}
	return err
}

// DeleteTask removes the task locally, then remotely.
func (s *Sync) DeleteTask(ctx context.Context, taskID string) error {
	m, ctx := newOpMetrics(ctx, s.logger, "task.delete", CollectionTasks)
	var err error
	defer func() { m.Log(err) }()

	localStart := time.Now()
	s.mu.Lock()
	found := false
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			found = true
			break
		}
	}
	if found {
		s.recompose()
	}
	s.mu.Unlock()
	m.ObserveLocal(time.Since(localStart))
	if !found {
		m.SetErrorStage("local_apply")
		err = ErrTaskNotFound
		return err
	}
	s.notify()

	remoteStart := time.Now()
	err = s.backend.Delete(ctx, CollectionTasks, taskID)
	m.ObserveRemote(time.Since(remoteStart))
	if err != nil {
		m.SetErrorStage("remote_write")
	}
	return err
}

// ToggleTag flips tag membership locally, then writes the resulting
// tag set remotely.
func (s *Sync) ToggleTag(ctx context.Context, taskID string, tag domain.Tag) error {
	m, ctx := newOpMetrics(ctx, s.logger, "task.toggle_tag", CollectionTasks)
	var err error
	defer func() { m.Log(err) }()

	localStart := time.Now()
	s.mu.Lock()
	var tags []domain.Tag
	found := false
	for i := range s.tasks {
		if s.tasks[i].ID != taskID {
			continue
		}
		found = true
		removed := false
		for j := range s.tasks[i].Tags {
			if s.tasks[i].Tags[j].ID == tag.ID {
				s.tasks[i].Tags = append(s.tasks[i].Tags[:j], s.tasks[i].Tags[j+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			s.tasks[i].Tags = append(s.tasks[i].Tags, tag)
		}
		s.tasks[i].UpdatedAt = time.Now()
		tags = append([]domain.Tag(nil), s.tasks[i].Tags...)
		break
	}
	if found {
		s.recompose()
	}
	s.mu.Unlock()
	m.ObserveLocal(time.Since(localStart))
	if !found {
		m.SetErrorStage("local_apply")
		err = ErrTaskNotFound
		return err
	}
	s.notify()

	remoteStart := time.Now()
	err = s.backend.Update(ctx, CollectionTasks, taskID, backend.Fields{
		"tags":      tags,
		"updatedAt": backend.ServerTimestamp,
	})
	m.ObserveRemote(time.Since(remoteStart))
	if err != nil {
		m.SetErrorStage("remote_write")
	}
	return err
}

// UpdateColumn patches column metadata locally, then remotely.
func (s *Sync) UpdateColumn(ctx context.Context, columnID string, patch ColumnPatch) error {
	m, ctx := newOpMetrics(ctx, s.logger, "column.update", CollectionColumns)
	var err error
	defer func() { m.Log(err) }()

	localStart := time.Now()
	s.mu.Lock()
	found := false
	for i := range s.columns {
		if s.columns[i].ID == columnID {
			if patch.Title != nil {
				s.columns[i].Title = *patch.Title
			}
			if patch.Limit != nil {
				s.columns[i].Limit = *patch.Limit
			}
			if patch.Color != nil {
				s.columns[i].Color = *patch.Color
			}
			found = true
			break
		}
	}
	if found {
		s.recompose()
	}
	s.mu.Unlock()
	m.ObserveLocal(time.Since(localStart))
	if !found {
		m.SetErrorStage("local_apply")
		err = ErrColumnNotFound
		return err
	}
	s.notify()

	fields := backend.Fields{"updatedAt": backend.ServerTimestamp}
	if patch.Title != nil {
		fields["title"] = *patch.Title
	}
	if patch.Limit != nil {
		fields["limit"] = *patch.Limit
	}
	if patch.Color != nil {
		fields["color"] = *patch.Color
	}
	remoteStart := time.Now()
	err = s.backend.Update(ctx, CollectionColumns, columnID, fields)
	m.ObserveRemote(time.Since(remoteStart))
	if err != nil {
		m.SetErrorStage("remote_write")
	}
	return err
}

func taskFields(t domain.Task) backend.Fields {
	fields := backend.Fields{
		"boardId":   t.BoardID,
		"columnId":  t.ColumnID,
		"title":     t.Title,
		"status":    t.Status,
		"priority":  t.Priority,
		"createdAt": backend.ServerTimestamp,
		"updatedAt": backend.ServerTimestamp,
	}
	if t.Description != "" {
		fields["description"] = t.Description
	}
	if t.AssigneeID != "" {
		fields["assigneeId"] = t.AssigneeID
	}
	if t.DueDate != nil {
		fields["dueDate"] = *t.DueDate
	}
	if len(t.Tags) > 0 {
		fields["tags"] = t.Tags
	}
	if t.Estimate > 0 {
		fields["estimate"] = t.Estimate
	}
	return fields
}

func patchFields(patch TaskPatch) backend.Fields {
	fields := backend.Fields{"updatedAt": backend.ServerTimestamp}
	if patch.Title != nil {
		fields["title"] = *patch.Title
	}
	if patch.Description != nil {
		fields["description"] = *patch.Description
	}
	if patch.Status != nil {
		fields["status"] = *patch.Status
	}
	if patch.Priority != nil {
		fields["priority"] = *patch.Priority
	}
	if patch.AssigneeID != nil {
		fields["assigneeId"] = *patch.AssigneeID
	}
	if patch.DueDate != nil {
		fields["dueDate"] = *patch.DueDate
	}
	if patch.Estimate != nil {
		fields["estimate"] = *patch.Estimate
	}
	return fields
}
