package domain

import "time"

type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

// Interaction is one persisted turn of a direct-message conversation.
// MessageID is the platform message id and is only set on inbound turns.
type Interaction struct {
	TenantID  string
	SenderID  string
	Author    Author
	Text      string
	Timestamp time.Time
	MessageID string
}

// Role maps the author onto the chat role used by completion backends.
func (i Interaction) Role() string {
	if i.Author == AuthorUser {
		return RoleUser
	}
	return RoleAssistant
}
