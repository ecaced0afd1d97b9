package domain

import "time"

// Comment belongs to exactly one task. Deleted marks a soft delete;
// the record stays in the store so history remains queryable.
type Comment struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"taskId"`
	BoardID   string     `json:"boardId"`
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName"`
	Content   string     `json:"content"`
	Mentions  []string   `json:"mentions,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// Activity is an immutable append-only audit record. It is never
// updated or deleted after creation.
type Activity struct {
	ID         string    `json:"id"`
	BoardID    string    `json:"boardId"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	Action     string    `json:"action"`
	TargetID   string    `json:"targetId"`
	TargetType string    `json:"targetType"`
	CreatedAt  time.Time `json:"createdAt"`
}
