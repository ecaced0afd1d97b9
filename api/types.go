package api

import (
	"context"

	"boardsync/domain"
	"boardsync/store"
)

// BoardService is the board state and mutation surface consumed by the
// handlers. *store.Sync implements it.
type BoardService interface {
	Board() *domain.Board
	Users() []domain.User
	OnChange(fn func()) func()
	CreateTask(ctx context.Context, task domain.Task, columnID string) (string, error)
	UpdateTask(ctx context.Context, taskID string, patch store.TaskPatch) error
	MoveTask(ctx context.Context, taskID, sourceColumnID, targetColumnID string) error
	DeleteTask(ctx context.Context, taskID string) error
	ToggleTag(ctx context.Context, taskID string, tag domain.Tag) error
	UpdateColumn(ctx context.Context, columnID string, patch store.ColumnPatch) error
}

// CollabService is the collaboration surface: presence, comments and
// the activity feed. *store.Collab implements it.
type CollabService interface {
	ActiveUsers() []domain.Presence
	CommentsForTask(taskID string) []domain.Comment
	Activities() []domain.Activity
	OnChange(fn func()) func()
	AddComment(ctx context.Context, taskID, content string) (string, error)
	EditComment(ctx context.Context, commentID, content string) error
	DeleteComment(ctx context.Context, commentID string) error
	SetView(view, taskID string)
}
