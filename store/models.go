// Package store persists leads, conversation history, agent executions,
// rolling summaries, and market analyses in Postgres.
package store

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type LeadStatus string

const (
	LeadStatusNew         LeadStatus = "new"
	LeadStatusContacted   LeadStatus = "contacted"
	LeadStatusQualified   LeadStatus = "qualified"
	LeadStatusNegotiating LeadStatus = "negotiating"
	LeadStatusWon         LeadStatus = "won"
	LeadStatusLost        LeadStatus = "lost"
)

type Temperature string

const (
	TemperatureCold Temperature = "cold"
	TemperatureWarm Temperature = "warm"
	TemperatureHot  Temperature = "hot"
)

// AgentType is the sales persona handling a lead. The account-executive and
// closer stages are collapsed into the single canonical "closer" stage.
type AgentType string

const (
	AgentSDR    AgentType = "sdr"
	AgentBDR    AgentType = "bdr"
	AgentCloser AgentType = "closer"
)

type Intent string

const (
	IntentGreeting  Intent = "greeting"
	IntentPricing   Intent = "pricing"
	IntentFeatures  Intent = "features"
	IntentTechnical Intent = "technical"
	IntentObjection Intent = "objection"
	IntentClosing   Intent = "closing"
	IntentSupport   Intent = "support"
	IntentOffHours  Intent = "off_hours"
	IntentUnknown   Intent = "unknown"
)

// ParseIntent coerces arbitrary model output into the closed intent set.
// Anything unrecognized becomes IntentUnknown.
func ParseIntent(raw string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentGreeting:
		return IntentGreeting
	case IntentPricing:
		return IntentPricing
	case IntentFeatures:
		return IntentFeatures
	case IntentTechnical:
		return IntentTechnical
	case IntentObjection:
		return IntentObjection
	case IntentClosing:
		return IntentClosing
	case IntentSupport:
		return IntentSupport
	case IntentOffHours:
		return IntentOffHours
	default:
		return IntentUnknown
	}
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type ExecutionStatus string

const (
	ExecutionStarted   ExecutionStatus = "started"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

type Opportunity string

const (
	OpportunityLow    Opportunity = "low"
	OpportunityMedium Opportunity = "medium"
	OpportunityHigh   Opportunity = "high"
)

// Lead is one prospective customer, unique per phone number.
type Lead struct {
	bun.BaseModel `bun:"table:leads,alias:l"`

	ID            string         `bun:"id,pk" json:"id"`
	Phone         string         `bun:"phone,notnull,unique" json:"phone"`
	Name          string         `bun:"name,nullzero" json:"name,omitempty"`
	ChurchName    string         `bun:"church_name,nullzero" json:"church_name,omitempty"`
	Status        LeadStatus     `bun:"status,notnull" json:"status"`
	Temperature   Temperature    `bun:"temperature,notnull" json:"temperature"`
	AssignedAgent AgentType      `bun:"assigned_agent,notnull" json:"assigned_agent"`
	Metadata      map[string]any `bun:"metadata,type:jsonb" json:"metadata"`
	CreatedAt     time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time      `bun:"updated_at,notnull" json:"updated_at"`
}

// Conversation is one inbound or outbound message, immutable once created.
// Metadata carries the provider message id (dedup key) for inbound rows and
// the execution id for outbound rows.
type Conversation struct {
	bun.BaseModel `bun:"table:conversations,alias:c"`

	ID             string         `bun:"id,pk" json:"id"`
	LeadID         string         `bun:"lead_id,notnull" json:"lead_id"`
	Message        string         `bun:"message,notnull" json:"message"`
	Direction      Direction      `bun:"direction,notnull" json:"direction"`
	AgentName      AgentType      `bun:"agent_name,notnull" json:"agent_name"`
	IntentDetected Intent         `bun:"intent_detected,notnull" json:"intent_detected"`
	Metadata       map[string]any `bun:"metadata,type:jsonb" json:"metadata"`
	CreatedAt      time.Time      `bun:"created_at,notnull" json:"created_at"`
}

// AgentExecution audits one agent invocation attempt.
type AgentExecution struct {
	bun.BaseModel `bun:"table:agent_executions,alias:ae"`

	ID              string          `bun:"id,pk" json:"id"`
	LeadID          string          `bun:"lead_id,notnull" json:"lead_id"`
	AgentName       AgentType       `bun:"agent_name,notnull" json:"agent_name"`
	InputMessage    string          `bun:"input_message,notnull" json:"input_message"`
	OutputMessage   string          `bun:"output_message,nullzero" json:"output_message,omitempty"`
	IntentDetected  Intent          `bun:"intent_detected,nullzero" json:"intent_detected,omitempty"`
	TokensUsed      int             `bun:"tokens_used" json:"tokens_used"`
	ExecutionTimeMs int64           `bun:"execution_time_ms" json:"execution_time_ms"`
	Status          ExecutionStatus `bun:"status,notnull" json:"status"`
	ErrorMessage    string          `bun:"error_message,nullzero" json:"error_message,omitempty"`
	Metadata        map[string]any  `bun:"metadata,type:jsonb" json:"metadata"`
	CreatedAt       time.Time       `bun:"created_at,notnull" json:"created_at"`
}

// ConversationSummary is the rolling summary, at most one row per lead.
type ConversationSummary struct {
	bun.BaseModel `bun:"table:conversation_summaries,alias:cs"`

	ID            string    `bun:"id,pk" json:"id"`
	LeadID        string    `bun:"lead_id,notnull,unique" json:"lead_id"`
	Summary       string    `bun:"summary,notnull" json:"summary"`
	MessagesCount int       `bun:"messages_count,notnull" json:"messages_count"`
	LastMessageID string    `bun:"last_message_id,nullzero" json:"last_message_id,omitempty"`
	KeyPoints     []string  `bun:"key_points,type:jsonb" json:"key_points"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// MarketAnalysis is a cached per-lead market score.
type MarketAnalysis struct {
	bun.BaseModel `bun:"table:analytics,alias:a"`

	ID              string         `bun:"id,pk" json:"id"`
	LeadID          string         `bun:"lead_id,notnull" json:"lead_id"`
	AnalysisType    string         `bun:"analysis_type,notnull" json:"analysis_type"`
	Address         string         `bun:"address,nullzero" json:"address,omitempty"`
	Instagram       string         `bun:"instagram,nullzero" json:"instagram,omitempty"`
	CompetitorCount int            `bun:"competitor_count,notnull" json:"competitor_count"`
	DigitalScore    int            `bun:"digital_score,notnull" json:"digital_score"`
	Opportunity     Opportunity    `bun:"opportunity,notnull" json:"opportunity"`
	RawData         map[string]any `bun:"raw_data,type:jsonb" json:"raw_data"`
	CreatedAt       time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time      `bun:"updated_at,notnull" json:"updated_at"`
}

// MergeMetadata adds keys from src that are absent or empty in dst without
// touching keys dst already holds. Returns the merged map and the keys that
// were actually added.
func MergeMetadata(dst, src map[string]any) (map[string]any, []string) {
	merged := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		merged[k] = v
	}

	var added []string
	for k, v := range src {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		if existing, ok := merged[k]; ok && !isEmptyValue(existing) {
			continue
		}
		merged[k] = v
		added = append(added, k)
	}
	return merged, added
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// MetadataString returns a trimmed string value from a metadata map.
func MetadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
