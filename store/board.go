package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"boardsync/domain"
)

var (
	ErrNoBoard        = errors.New("store: no board loaded")
	ErrColumnNotFound = errors.New("store: column not found")
	ErrTaskNotFound   = errors.New("store: task not found")
	ErrEmptyTitle     = errors.New("store: task title is required")
)

// TaskPatch carries partial task updates. Nil fields are untouched.
type TaskPatch struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *domain.Priority
	AssigneeID  *string
	DueDate     *time.Time
	Estimate    *int
}

// ColumnPatch carries partial column updates.
type ColumnPatch struct {
	Title *string
	Limit *int
	Color *string
}

// Board is the local board state container. All mutations go through
// its operations and each one is a single atomic transition; no caller
// ever observes a task in two columns or in none.
type Board struct {
	notifier

	mu    sync.Mutex
	board *domain.Board
}

// NewBoard creates an empty board store.
func NewBoard() *Board {
	return &Board{}
}

// Board returns a deep copy of the current board, or nil when none is
// loaded. Callers may mutate the copy freely.
func (s *Board) Board() *domain.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBoard(s.board)
}

// SetBoard replaces the current board.
func (s *Board) SetBoard(b *domain.Board) {
	s.mu.Lock()
	s.board = cloneBoard(b)
	s.mu.Unlock()
	s.notify()
}

// MoveTask moves a task between columns: removed from the source list,
// appended to the target list, status and column ownership updated, all
// in one transition. Moving a task onto its own column is a no-op.
func (s *Board) MoveTask(taskID, sourceColumnID, targetColumnID string) error {
	if sourceColumnID == targetColumnID {
		return nil
	}
	s.mu.Lock()
	if s.board == nil {
		s.mu.Unlock()
		return ErrNoBoard
	}
	source := s.board.FindColumn(sourceColumnID)
	target := s.board.FindColumn(targetColumnID)
	if source == nil || target == nil {
		s.mu.Unlock()
		return ErrColumnNotFound
	}
	idx := -1
	for i := range source.Tasks {
		if source.Tasks[i].ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	task := source.Tasks[idx]
	source.Tasks = append(source.Tasks[:idx], source.Tasks[idx+1:]...)
	task.ColumnID = target.ID
	task.Status = target.Title
	target.Tasks = append(target.Tasks, task)
	s.mu.Unlock()
	s.notify()
	return nil
}

// AddTask appends a task to the given column. The only validation is
// required-field presence: a non-empty title.
func (s *Board) AddTask(task domain.Task, columnID string) error {
	if task.Title == "" {
		return ErrEmptyTitle
	}
	s.mu.Lock()
	if s.board == nil {
		s.mu.Unlock()
		return ErrNoBoard
	}
	col := s.board.FindColumn(columnID)
	if col == nil {
		s.mu.Unlock()
		return ErrColumnNotFound
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.BoardID = s.board.ID
	task.ColumnID = col.ID
	task.Status = col.Title
	col.Tasks = append(col.Tasks, cloneTask(task))
	s.mu.Unlock()
	s.notify()
	return nil
}

// UpdateTask applies a partial update wherever the task lives.
func (s *Board) UpdateTask(taskID string, patch TaskPatch) error {
	s.mu.Lock()
	task := s.findTask(taskID)
	if task == nil {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	applyTaskPatch(task, patch)
	s.mu.Unlock()
	s.notify()
	return nil
}

// DeleteTask removes the task from whichever column holds it.
func (s *Board) DeleteTask(taskID string) error {
	s.mu.Lock()
	if s.board == nil {
		s.mu.Unlock()
		return ErrNoBoard
	}
	for ci := range s.board.Columns {
		col := &s.board.Columns[ci]
		for ti := range col.Tasks {
			if col.Tasks[ti].ID == taskID {
				col.Tasks = append(col.Tasks[:ti], col.Tasks[ti+1:]...)
				s.mu.Unlock()
				s.notify()
				return nil
			}
		}
	}
	s.mu.Unlock()
	return ErrTaskNotFound
}

// ToggleTag flips tag membership on a task. Membership is a set keyed
// by tag id: toggling a present tag removes it, an absent one appends.
func (s *Board) ToggleTag(taskID string, tag domain.Tag) error {
	s.mu.Lock()
	task := s.findTask(taskID)
	if task == nil {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	removed := false
	for i := range task.Tags {
		if task.Tags[i].ID == tag.ID {
			task.Tags = append(task.Tags[:i], task.Tags[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		task.Tags = append(task.Tags, tag)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// UpdateColumn applies a partial update to a column's metadata.
func (s *Board) UpdateColumn(columnID string, patch ColumnPatch) error {
	s.mu.Lock()
	if s.board == nil {
		s.mu.Unlock()
		return ErrNoBoard
	}
	col := s.board.FindColumn(columnID)
	if col == nil {
		s.mu.Unlock()
		return ErrColumnNotFound
	}
	if patch.Title != nil {
		col.Title = *patch.Title
		for i := range col.Tasks {
			col.Tasks[i].Status = col.Title
		}
	}
	if patch.Limit != nil {
		col.Limit = *patch.Limit
	}
	if patch.Color != nil {
		col.Color = *patch.Color
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// findTask must be called with the lock held.
func (s *Board) findTask(taskID string) *domain.Task {
	if s.board == nil {
		return nil
	}
	for ci := range s.board.Columns {
		col := &s.board.Columns[ci]
		for ti := range col.Tasks {
			if col.Tasks[ti].ID == taskID {
				return &col.Tasks[ti]
			}
		}
	}
	return nil
}

func applyTaskPatch(task *domain.Task, patch TaskPatch) {
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.AssigneeID != nil {
		task.AssigneeID = *patch.AssigneeID
	}
	if patch.DueDate != nil {
		due := *patch.DueDate
		task.DueDate = &due
	}
	if patch.Estimate != nil {
		task.Estimate = *patch.Estimate
	}
}

func cloneBoard(b *domain.Board) *domain.Board {
	if b == nil {
		return nil
	}
	out := *b
	out.Columns = make([]domain.Column, len(b.Columns))
	for i := range b.Columns {
		out.Columns[i] = cloneColumn(b.Columns[i])
	}
	return &out
}

func cloneColumn(c domain.Column) domain.Column {
	out := c
	out.Tasks = make([]domain.Task, len(c.Tasks))
	for i := range c.Tasks {
		out.Tasks[i] = cloneTask(c.Tasks[i])
	}
	return out
}

func cloneTask(t domain.Task) domain.Task {
	out := t
	if t.DueDate != nil {
		due := *t.DueDate
		out.DueDate = &due
	}
	if t.Tags != nil {
		out.Tags = append([]domain.Tag(nil), t.Tags...)
	}
	return out
}
