package domain

import "time"

// User is a board member. Read-mostly from the client's perspective.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ViewOffline is the canonical presence tombstone. A presence document
// whose View equals this value is treated as absent from the active
// user list.
const ViewOffline = "offline"

// Presence is a per-user record of current focus, overwritten in place
// on every heartbeat tick.
type Presence struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	BoardID    string    `json:"boardId"`
	View       string    `json:"view"`
	TaskID     string    `json:"taskId,omitempty"`
	LastActive time.Time `json:"lastActive"`
}

// Online reports whether the presence counts toward the active user
// list.
func (p *Presence) Online() bool {
	return p.View != "" && p.View != ViewOffline
}
