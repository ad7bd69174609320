package contract

import (
	"context"

	"github.com/ekkle/salesos/pkg/evolution"
	"github.com/ekkle/salesos/pkg/kimi"
	"github.com/ekkle/salesos/store"
)

// Completer is the chat-completion backend. *kimi.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, messages []kimi.Message, opts kimi.Options) (kimi.Result, error)
}

// Messenger delivers outbound text. *evolution.Client satisfies it.
type Messenger interface {
	SendText(ctx context.Context, to, text string, opts evolution.SendOptions) (evolution.SendResult, error)
}

// Store is the persistence surface the agent pipeline needs. *store.Postgres
// satisfies it; tests use in-memory fakes.
type Store interface {
	GetOrCreateLeadByPhone(ctx context.Context, phone, name string) (*store.Lead, bool, error)
	GetLead(ctx context.Context, id string) (*store.Lead, error)
	UpdateLead(ctx context.Context, lead *store.Lead) error

	CreateConversation(ctx context.Context, conv *store.Conversation) error
	RecentConversations(ctx context.Context, leadID string, limit int) ([]store.Conversation, error)
	CountConversations(ctx context.Context, leadID string) (int, error)
	HasInboundMessageID(ctx context.Context, leadID, messageID string) (bool, error)

	CreateExecution(ctx context.Context, exec *store.AgentExecution) error
	UpdateExecution(ctx context.Context, exec *store.AgentExecution) error

	GetSummary(ctx context.Context, leadID string) (*store.ConversationSummary, error)
	UpsertSummary(ctx context.Context, summary *store.ConversationSummary) error

	LatestAnalysis(ctx context.Context, leadID, analysisType string) (*store.MarketAnalysis, error)
	CreateAnalysis(ctx context.Context, analysis *store.MarketAnalysis) error
}

// Analyzer produces or reuses a market analysis for a lead.
type Analyzer interface {
	Analyze(ctx context.Context, lead *store.Lead, address, instagram string) (*store.MarketAnalysis, error)
}

// ContextBuilder assembles the bounded conversation context for a prompt.
type ContextBuilder interface {
	Build(ctx context.Context, lead *store.Lead) string
}
