package domain

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape passed to the
// completion integrations. Role is RoleUser or RoleAssistant.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one call to a completion backend. System is sent as
// the provider's system instruction; Messages are chronological and end with
// the current user turn.
type CompletionRequest struct {
	Model           string
	System          string
	Messages        []ChatMessage
	KnowledgeStores []string
}
