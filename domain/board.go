package domain

import "time"

// Priority is an ordinal task priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// Task represents a single board item. A task belongs to exactly one
// column at a time via ColumnID.
type Task struct {
	ID              string     `json:"id"`
	BoardID         string     `json:"boardId"`
	ColumnID        string     `json:"columnId"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status"`
	Priority        Priority   `json:"priority"`
	AssigneeID      string     `json:"assigneeId,omitempty"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	Tags            []Tag      `json:"tags,omitempty"`
	Estimate        int        `json:"estimate,omitempty"`
	AttachmentCount int        `json:"attachmentCount,omitempty"`
	CommentCount    int        `json:"commentCount,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// HasTag reports whether the task carries the tag with the given id.
func (t *Task) HasTag(tagID string) bool {
	for _, tg := range t.Tags {
		if tg.ID == tagID {
			return true
		}
	}
	return false
}

// Tag labels tasks; membership is a set keyed by tag id.
type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Column holds an ordered list of tasks. Limit is the WIP limit; zero
// means unlimited.
type Column struct {
	ID       string `json:"id"`
	BoardID  string `json:"boardId"`
	Title    string `json:"title"`
	Position int    `json:"position,omitempty"`
	Tasks    []Task `json:"tasks"`
	Limit    int    `json:"limit,omitempty"`
	Color    string `json:"color,omitempty"`
}

// OverLimit reports whether the column exceeds its WIP limit.
func (c *Column) OverLimit() bool {
	return c.Limit > 0 && len(c.Tasks) > c.Limit
}

// Board is an ordered list of columns. Exactly one board is current in
// a client at a time.
type Board struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Columns []Column `json:"columns"`
}

// FindColumn returns the column with the given id, or nil.
func (b *Board) FindColumn(columnID string) *Column {
	for i := range b.Columns {
		if b.Columns[i].ID == columnID {
			return &b.Columns[i]
		}
	}
	return nil
}
