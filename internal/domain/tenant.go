package domain

// Tenant is one business whose Instagram page is served by the agent.
type Tenant struct {
	ID               string
	Name             string
	PageID           string
	SystemPrompt     string
	AccessTokenParam string
	KnowledgeStores  []string
	CompletionModel  string
}
